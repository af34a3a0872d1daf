package http

import (
	"context"
	"errors"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/raftadapter"
	"net/http"
)

type Status string

const (
	StatusOK      Status = "OK"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorCode is a stable, machine-readable reason attached to error responses.
type ErrorCode string

const (
	CodeBadRequest        ErrorCode = "bad_request"
	CodeNotFound          ErrorCode = "not_found"
	CodeCompactionRunning ErrorCode = "compaction_running"
	CodeUnavailable       ErrorCode = "unavailable"
	CodeTimeout           ErrorCode = "timeout"
	CodeInternal          ErrorCode = "internal"
)

// Response is the JSON envelope of every API endpoint except /metrics and
// /api/internal/stats.
type Response struct {
	Status Status    `json:"status,omitempty"`
	Value  string    `json:"value,omitempty"`
	Code   ErrorCode `json:"code,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(code ErrorCode, err string) Response {
	return Response{Status: StatusError, Code: code, Error: err}
}

// classifyError maps engine and raft errors onto an HTTP status and code.
func classifyError(err error) (int, ErrorCode) {
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, dberrors.ErrCompactionRunning):
		return http.StatusConflict, CodeCompactionRunning
	case errors.Is(err, dberrors.ErrClosed), errors.Is(err, raftadapter.ErrNodeStopped):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
