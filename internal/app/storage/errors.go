package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by errors.Is for any missing
// record, study or file reported by a store.
var ErrNotFound = errors.New("not found")

type notFoundError struct {
	msg string
}

func (e *notFoundError) Error() string { return e.msg }

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFoundf builds a not-found error with its own message. The message
// is surfaced verbatim in API responses, so callers phrase it for the
// client.
func NotFoundf(format string, args ...interface{}) error {
	return &notFoundError{msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err marks a missing record, study or
// file.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
