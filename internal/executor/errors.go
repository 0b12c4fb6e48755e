package executor

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure taxonomy shared by every component.
type Kind string

const (
	// KindValidation is a bad task, graph or saga definition.
	KindValidation Kind = "validation"
	// KindTransient is a timeout, network or 5xx-like failure worth retrying later.
	KindTransient Kind = "transient"
	// KindPermanent is an explicit rejection. It is never retried.
	KindPermanent Kind = "permanent"
	// KindCompensation is a failed compensating action.
	KindCompensation Kind = "compensation"
)

// FailureKind is the breaker's classification of a failed call.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureException  FailureKind = "exception"
	FailureValidation FailureKind = "validation"
)

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Validationf builds a validation failure.
func Validationf(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}

// IsPermanent reports whether err must be surfaced without retry or fallback.
func IsPermanent(err error) bool {
	k := KindOf(err)
	return k == KindPermanent || k == KindValidation
}

// Classify maps err onto the breaker's failure kinds.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case KindOf(err) == KindValidation:
		return FailureValidation
	default:
		return FailureException
	}
}
