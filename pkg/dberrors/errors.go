package dberrors

import "errors"

var (
	ErrNotFound          = errors.New("lsmkv: not found")
	ErrClosed            = errors.New("lsmkv: closed")
	ErrInvalidArgument   = errors.New("lsmkv: invalid argument")
	ErrCompactionRunning = errors.New("lsmkv: compaction running")

	// ErrLoad marks a failure that must abort engine startup.
	ErrLoad = errors.New("lsmkv: load failed")
	// ErrCorrupted is returned for malformed headers and truncated records.
	ErrCorrupted = errors.New("lsmkv: corrupted data")
	// ErrPrecondition is a programmer error. It is never retried.
	ErrPrecondition = errors.New("lsmkv: precondition violated")
)
