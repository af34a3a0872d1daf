package persistance

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"lsmkv/pkg/dberrors"
)

const (
	segmentMagic uint32 = 0x534d534c // "LSMS"
	indexMagic   uint32 = 0x494d534c // "LSMI"

	// magic | segment number | segment level | entry count
	segmentHeaderSize = 4 + 8 + 4 + 4
	// magic | segment number | segment level | stride | entry count
	indexHeaderSize = 4 + 8 + 4 + 4 + 4
)

type segmentHeader struct {
	Number     uint64
	Level      uint32
	NumEntries uint32
}

func (h segmentHeader) appendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, segmentMagic)
	b = binary.LittleEndian.AppendUint64(b, h.Number)
	b = binary.LittleEndian.AppendUint32(b, h.Level)
	return binary.LittleEndian.AppendUint32(b, h.NumEntries)
}

func readSegmentHeader(r io.Reader) (segmentHeader, error) {
	var (
		h   segmentHeader
		buf [segmentHeaderSize]byte
	)
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return h, headerError("segment", err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != segmentMagic {
		return h, fmt.Errorf("%w: bad segment magic %#x", dberrors.ErrCorrupted, magic)
	}
	h.Number = binary.LittleEndian.Uint64(buf[4:12])
	h.Level = binary.LittleEndian.Uint32(buf[12:16])
	h.NumEntries = binary.LittleEndian.Uint32(buf[16:20])
	return h, nil
}

type indexHeader struct {
	SegmentNumber uint64
	SegmentLevel  uint32
	Stride        uint32
	NumEntries    uint32
}

func (h indexHeader) appendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, indexMagic)
	b = binary.LittleEndian.AppendUint64(b, h.SegmentNumber)
	b = binary.LittleEndian.AppendUint32(b, h.SegmentLevel)
	b = binary.LittleEndian.AppendUint32(b, h.Stride)
	return binary.LittleEndian.AppendUint32(b, h.NumEntries)
}

func readIndexHeader(r io.Reader) (indexHeader, error) {
	var (
		h   indexHeader
		buf [indexHeaderSize]byte
	)
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return h, headerError("index", err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != indexMagic {
		return h, fmt.Errorf("%w: bad index magic %#x", dberrors.ErrCorrupted, magic)
	}
	h.SegmentNumber = binary.LittleEndian.Uint64(buf[4:12])
	h.SegmentLevel = binary.LittleEndian.Uint32(buf[12:16])
	h.Stride = binary.LittleEndian.Uint32(buf[16:20])
	h.NumEntries = binary.LittleEndian.Uint32(buf[20:24])
	if h.Stride == 0 {
		return h, fmt.Errorf("%w: zero index stride", dberrors.ErrCorrupted)
	}
	return h, nil
}

func headerError(kind string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s header", dberrors.ErrCorrupted, kind)
	}
	return fmt.Errorf("failed to read %s header: %w", kind, err)
}
