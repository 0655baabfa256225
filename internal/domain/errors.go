package domain

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindBadRequest        ErrorKind = "bad_request"
	KindNonExistentStream ErrorKind = "non_existent_stream"
	KindInternal          ErrorKind = "internal"
	KindTimeout           ErrorKind = "timeout"
	KindDetached          ErrorKind = "detached"
)

// Error is the wire-level failure: {status, type, title, detail}.
type Error struct {
	Kind   ErrorKind
	Title  string
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Title
	}
	return e.Title + ": " + e.Detail
}

// Is matches on kind, so wrapped sentinels compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrTimeout  = &Error{Kind: KindTimeout, Title: "transaction timed out", Status: http.StatusGatewayTimeout}
	ErrDetached = &Error{Kind: KindDetached, Title: "handle detached", Status: http.StatusGone}
)

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Title: "bad request", Status: http.StatusBadRequest, Detail: fmt.Sprintf(format, args...)}
}

func NonExistentStream(format string, args ...any) *Error {
	return &Error{Kind: KindNonExistentStream, Title: "stream not found", Status: http.StatusNotFound, Detail: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Title: "internal error", Status: http.StatusInternalServerError, Detail: fmt.Sprintf(format, args...)}
}

// AsError maps any error to the taxonomy. Unknown failures become Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("%s", err.Error())
}
