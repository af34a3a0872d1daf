package persistance

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"lsmkv/pkg/dberrors"
	"os"
	"path/filepath"
	"sort"
)

// SegmentIndex maps keys of one segment to their byte offsets in the segment
// file. With stride 1 every key is indexed; with stride K only every K-th.
type SegmentIndex struct {
	segmentNumber uint64
	segmentLevel  int
	stride        int
	keys          []string
	offsets       []int64

	// path of the file the index was written to or loaded from
	path string
}

func newSegmentIndex(segmentNumber uint64, segmentLevel, stride int) *SegmentIndex {
	if stride < 1 {
		stride = 1
	}
	return &SegmentIndex{
		segmentNumber: segmentNumber,
		segmentLevel:  segmentLevel,
		stride:        stride,
	}
}

// add records the i-th key of the segment if the stride selects it.
func (ix *SegmentIndex) add(i int, key string, offset int64) {
	if i%ix.stride != 0 {
		return
	}
	ix.keys = append(ix.keys, key)
	ix.offsets = append(ix.offsets, offset)
}

func (ix *SegmentIndex) SegmentNumber() uint64 {
	return ix.segmentNumber
}

func (ix *SegmentIndex) SegmentLevel() int {
	return ix.segmentLevel
}

func (ix *SegmentIndex) Path() string {
	return ix.path
}

func (ix *SegmentIndex) Len() int {
	return len(ix.keys)
}

// Dense reports whether every key of the segment is indexed.
func (ix *SegmentIndex) Dense() bool {
	return ix.stride == 1
}

// Contains reports whether key itself is indexed.
func (ix *SegmentIndex) Contains(key string) bool {
	i := sort.SearchStrings(ix.keys, key)
	return i < len(ix.keys) && ix.keys[i] == key
}

// Floor returns the offset of the greatest indexed key <= key.
func (ix *SegmentIndex) Floor(key string) (int64, bool) {
	i := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] > key })
	if i == 0 {
		return 0, false
	}
	return ix.offsets[i-1], true
}

func (ix *SegmentIndex) writeFile(path string) error {
	err := writeFileAtomic(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		hdr := indexHeader{
			SegmentNumber: ix.segmentNumber,
			SegmentLevel:  uint32(ix.segmentLevel),
			Stride:        uint32(ix.stride),
			NumEntries:    uint32(len(ix.keys)),
		}
		buf := hdr.appendBinary(nil)
		for i, key := range ix.keys {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(key)))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(ix.offsets[i]))
			buf = append(buf, key...)
			if len(buf) >= 64<<10 {
				if _, err := w.Write(buf); err != nil {
					return fmt.Errorf("failed to write index: %w", err)
				}
				buf = buf[:0]
			}
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write index: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush index: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ix.path = path
	return nil
}

// LoadSegmentIndex reads an index file written by the segment factory.
func LoadSegmentIndex(path string) (*SegmentIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	hdr, err := readIndexHeader(r)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", path, err)
	}

	ix := newSegmentIndex(hdr.SegmentNumber, int(hdr.SegmentLevel), int(hdr.Stride))
	ix.path = path
	ix.keys = make([]string, 0, hdr.NumEntries)
	ix.offsets = make([]int64, 0, hdr.NumEntries)

	var fixed [2 + 8]byte
	for i := uint32(0); i < hdr.NumEntries; i++ {
		if _, err := io.ReadFull(r, fixed[:]); err != nil {
			return nil, indexEntryError(path, err)
		}
		keyLen := binary.LittleEndian.Uint16(fixed[0:2])
		offset := int64(binary.LittleEndian.Uint64(fixed[2:10]))

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, indexEntryError(path, err)
		}
		if n := len(ix.keys); n > 0 && ix.keys[n-1] >= string(key) {
			return nil, fmt.Errorf("%w: index %s is not sorted", dberrors.ErrCorrupted, path)
		}
		ix.keys = append(ix.keys, string(key))
		ix.offsets = append(ix.offsets, offset)
	}

	return ix, nil
}

func indexEntryError(path string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated index entry in %s", dberrors.ErrCorrupted, path)
	}
	return fmt.Errorf("failed to read index %s: %w", path, err)
}

// LoadSegmentIndexes loads every index file in dir keyed by segment number.
// Two files claiming the same segment number is a fatal load error.
func LoadSegmentIndexes(dir string) (map[uint64]*SegmentIndex, error) {
	paths, err := IndexPaths(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list index files: %w", err)
	}

	result := make(map[uint64]*SegmentIndex, len(paths))
	for _, path := range paths {
		ix, err := LoadSegmentIndex(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", dberrors.ErrLoad, err)
		}
		if _, dup := result[ix.segmentNumber]; dup {
			return nil, fmt.Errorf("%w: duplicate index for segment %d (%s)",
				dberrors.ErrLoad, ix.segmentNumber, filepath.Base(path))
		}
		result[ix.segmentNumber] = ix
	}

	return result, nil
}
