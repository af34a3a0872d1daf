package persistance

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/entry"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
)

type iFlushable interface {
	Flush() map[string]entry.Entry
}

// SegmentFactory writes new segments and reopens existing ones.
type SegmentFactory struct {
	dir         string
	numbers     *clock.AtomicClock
	fpRate      float64
	indexStride int
}

func NewSegmentFactory(dir string, numbers *clock.AtomicClock, fpRate float64, indexStride int) *SegmentFactory {
	if indexStride < 1 {
		indexStride = 1
	}
	return &SegmentFactory{
		dir:         dir,
		numbers:     numbers,
		fpRate:      fpRate,
		indexStride: indexStride,
	}
}

// CreateFromMemtable writes the memtable contents as a new level-0 segment.
func (f *SegmentFactory) CreateFromMemtable(mt iFlushable) (*Segment, error) {
	return f.Create(mt.Flush(), 0)
}

// Create writes keyEntryMap as a new segment at level. The map cannot be empty.
func (f *SegmentFactory) Create(keyEntryMap map[string]entry.Entry, level int) (*Segment, error) {
	if len(keyEntryMap) == 0 {
		return nil, fmt.Errorf("%w: segment from empty entry map", dberrors.ErrPrecondition)
	}
	if level < 0 || uint64(level) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: segment level %d", dberrors.ErrPrecondition, level)
	}
	if uint64(len(keyEntryMap)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: too many entries for one segment", dberrors.ErrPrecondition)
	}

	hdr := segmentHeader{
		Number:     f.numbers.Next(),
		Level:      uint32(level),
		NumEntries: uint32(len(keyEntryMap)),
	}
	keys := slices.Sorted(maps.Keys(keyEntryMap))
	bloom := NewBloomFilter(len(keys), f.fpRate)
	index := newSegmentIndex(hdr.Number, level, f.indexStride)

	// the index is renamed into place before the segment file
	path := filepath.Join(f.dir, SegmentFileName(hdr.Number))
	var size int64
	err := writeFileAtomic(path, func(file *os.File) error {
		w := bufio.NewWriter(file)
		buf := hdr.appendBinary(nil)
		offset := int64(len(buf))

		for i, key := range keys {
			e := keyEntryMap[key]
			if e.Key != key {
				return fmt.Errorf("%w: entry %q stored under key %q", dberrors.ErrPrecondition, e.Key, key)
			}
			bloom.Add(key)
			index.add(i, key, offset)

			var err error
			if buf, err = e.AppendBinary(buf); err != nil {
				return err
			}
			offset += int64(e.EncodedSize())
			if len(buf) >= 64<<10 {
				if _, err := w.Write(buf); err != nil {
					return fmt.Errorf("failed to write segment: %w", err)
				}
				buf = buf[:0]
			}
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write segment: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush segment: %w", err)
		}
		size = offset

		return index.writeFile(filepath.Join(f.dir, IndexFileName(hdr.Number)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %d: %w", hdr.Number, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	seg, err := newSegment(hdr, path, file, size, bloom, index)
	if err != nil {
		file.Close()
		return nil, err
	}

	slog.Debug("segment created", "segment", hdr.Number, "level", level, "entries", len(keys), "bytes", size)
	return seg, nil
}

// LoadFromPath reopens the segment file at path, pairing it with its index by
// segment number and rebuilding the bloom filter from the stored entries.
func (f *SegmentFactory) LoadFromPath(path string, indexes map[uint64]*SegmentIndex) (*Segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open segment: %w", dberrors.ErrLoad, err)
	}

	seg, err := f.load(path, file, indexes)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: segment %s: %w", dberrors.ErrLoad, filepath.Base(path), err)
	}

	f.numbers.Observe(seg.number)
	return seg, nil
}

func (f *SegmentFactory) load(path string, file *os.File, indexes map[uint64]*SegmentIndex) (*Segment, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}

	hdr, err := readSegmentHeader(bufio.NewReader(file))
	if err != nil {
		return nil, err
	}
	if n, ok := ParseFileNumber(path, segmentPrefix, segmentExt); ok && n != hdr.Number {
		return nil, fmt.Errorf("%w: file name says %d, header says %d", dberrors.ErrCorrupted, n, hdr.Number)
	}

	index, ok := indexes[hdr.Number]
	if !ok {
		return nil, fmt.Errorf("no index for segment %d", hdr.Number)
	}

	bloom := NewBloomFilter(int(hdr.NumEntries), f.fpRate)
	count := 0
	body := io.NewSectionReader(file, segmentHeaderSize, info.Size()-segmentHeaderSize)
	if err := scanEntries(body, func(e entry.Entry) error {
		bloom.Add(e.Key)
		count++
		return nil
	}); err != nil {
		return nil, err
	}
	if count != int(hdr.NumEntries) {
		return nil, fmt.Errorf("%w: header says %d entries, found %d", dberrors.ErrCorrupted, hdr.NumEntries, count)
	}

	return newSegment(hdr, path, file, info.Size(), bloom, index)
}
