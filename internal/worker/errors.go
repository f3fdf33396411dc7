package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/kairos/internal/model"
)

// TransientError marks a failure worth retrying with backoff.
// Unclassified executor errors are treated as transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that no retry can fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// errorKind maps an executor error to the kind recorded on the task row.
// execCtx is the per-task context, used to tell a timeout apart from an
// ordinary failure.
func errorKind(execCtx context.Context, err error) string {
	var perm *PermanentError
	switch {
	case errors.As(err, &perm):
		return model.ErrorKindPermanent
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return model.ErrorKindTimeout
	default:
		return model.ErrorKindTransient
	}
}
