package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"lsmkv/pkg/dberrors"
)

// Layout: creationEpochSeconds int64 | keyLen uint16 | key | valueLen uint16 | value.
// valueLen == tombstoneLen marks a delete and is followed by no bytes.
const (
	timestampSize = 8
	lenSize       = 2

	tombstoneLen = math.MaxUint16

	MaxKeyLen   = math.MaxUint16
	MaxValueLen = math.MaxUint16 - 1
)

// AppendBinary appends the encoding of e to b.
func (e Entry) AppendBinary(b []byte) ([]byte, error) {
	if len(e.Key) > MaxKeyLen {
		return b, fmt.Errorf("%w: key too large: %d", dberrors.ErrInvalidArgument, len(e.Key))
	}
	if len(e.Value) > MaxValueLen {
		return b, fmt.Errorf("%w: value too large: %d", dberrors.ErrInvalidArgument, len(e.Value))
	}

	b = binary.LittleEndian.AppendUint64(b, uint64(e.CreationEpochSeconds))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Key)))
	b = append(b, e.Key...)
	if e.Tombstone {
		return binary.LittleEndian.AppendUint16(b, tombstoneLen), nil
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Value)))
	return append(b, e.Value...), nil
}

func (e Entry) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(make([]byte, 0, e.EncodedSize()))
}

// Decode reads one entry from r. It returns io.EOF only when r is exhausted
// exactly at a record boundary; a partial record is reported as corrupted.
func Decode(r io.Reader) (Entry, error) {
	var (
		e   Entry
		hdr [timestampSize + lenSize]byte
	)

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return e, io.EOF
		}
		return e, truncated("entry header", err)
	}
	e.CreationEpochSeconds = int64(binary.LittleEndian.Uint64(hdr[:timestampSize]))
	keyLen := binary.LittleEndian.Uint16(hdr[timestampSize:])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return e, truncated("key", err)
	}
	e.Key = string(key)

	var lenBuf [lenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return e, truncated("value length", err)
	}
	valueLen := binary.LittleEndian.Uint16(lenBuf[:])
	if valueLen == tombstoneLen {
		e.Tombstone = true
		return e, nil
	}

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return e, truncated("value", err)
	}
	e.Value = string(value)

	return e, nil
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", dberrors.ErrCorrupted, what)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}
