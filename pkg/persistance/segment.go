package persistance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/entry"
	"os"
	"path/filepath"
)

// Segment is an immutable sorted table of entries on disk. Once published it is
// only read, so any number of goroutines may query it without locking.
type Segment struct {
	number     uint64
	level      int
	numEntries int
	size       int64

	path   string
	reader *os.File
	bloom  BloomFilter
	index  *SegmentIndex
}

func newSegment(hdr segmentHeader, path string, file *os.File, size int64, bloom BloomFilter, index *SegmentIndex) (*Segment, error) {
	if index == nil || index.SegmentNumber() != hdr.Number {
		return nil, fmt.Errorf("%w: segment %d paired with foreign index", dberrors.ErrPrecondition, hdr.Number)
	}
	if index.SegmentLevel() != int(hdr.Level) {
		return nil, fmt.Errorf("%w: segment %d is at level %d, its index says %d",
			dberrors.ErrPrecondition, hdr.Number, hdr.Level, index.SegmentLevel())
	}

	return &Segment{
		number:     hdr.Number,
		level:      int(hdr.Level),
		numEntries: int(hdr.NumEntries),
		size:       size,
		path:       path,
		reader:     file,
		bloom:      bloom,
		index:      index,
	}, nil
}

func (s *Segment) Number() uint64 {
	return s.number
}

func (s *Segment) Level() int {
	return s.level
}

func (s *Segment) NumEntries() int {
	return s.numEntries
}

// NumBytesSize is the size of the segment file.
func (s *Segment) NumBytesSize() int64 {
	return s.size
}

func (s *Segment) Path() string {
	return s.path
}

// MightContain is a firm negative when false.
func (s *Segment) MightContain(key string) bool {
	return s.bloom.MayContain(key) || s.index.Contains(key)
}

// ReadEntry looks key up through the index and a forward scan.
func (s *Segment) ReadEntry(ctx context.Context, key string) (entry.Entry, bool, error) {
	if !s.MightContain(key) {
		return entry.Entry{}, false, nil
	}
	if s.index.Dense() && !s.index.Contains(key) {
		return entry.Entry{}, false, nil
	}

	offset, ok := s.index.Floor(key)
	if !ok {
		return entry.Entry{}, false, nil
	}

	r := bufio.NewReader(io.NewSectionReader(s.reader, offset, s.size-offset))
	for {
		if err := ctx.Err(); err != nil {
			return entry.Entry{}, false, err
		}

		e, err := entry.Decode(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entry.Entry{}, false, nil
			}
			return entry.Entry{}, false, fmt.Errorf("segment %d: %w", s.number, err)
		}

		switch {
		case e.Key == key:
			return e, true, nil
		case e.Key > key:
			return entry.Entry{}, false, nil
		}
	}
}

// ReadAll returns every entry in key order.
func (s *Segment) ReadAll(ctx context.Context) ([]entry.Entry, error) {
	result := make([]entry.Entry, 0, s.numEntries)
	err := scanEntries(io.NewSectionReader(s.reader, segmentHeaderSize, s.size-segmentHeaderSize), func(e entry.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result = append(result, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", s.number, err)
	}
	return result, nil
}

func (s *Segment) Close() error {
	if s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

// Remove closes the segment and deletes its segment and index files.
// The segment file goes first so a crash never leaves a segment without index.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		slog.Warn("failed to close segment before removal", "segment", s.number, "error", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove segment file: %w", err)
	}
	indexPath := filepath.Join(filepath.Dir(s.path), IndexFileName(s.number))
	if err := os.Remove(indexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove index file: %w", err)
	}
	return nil
}

func scanEntries(r io.Reader, fn func(entry.Entry) error) error {
	br := bufio.NewReader(r)
	for {
		e, err := entry.Decode(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
