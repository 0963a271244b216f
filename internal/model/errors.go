package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a per-office or request-level failure. The retry
// policy keys off these tags instead of inspecting error strings.
type ErrorKind string

const (
	ErrKindNone       ErrorKind = ""
	ErrKindCredential ErrorKind = "credential"
	ErrKindValidation ErrorKind = "validation"
	ErrKindTransport  ErrorKind = "transport"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindCancelled  ErrorKind = "cancelled"
)

// KindError tags an error with an ErrorKind so classification survives
// wrapping through eris and fmt.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError wraps err with the given kind.
func NewKindError(kind ErrorKind, err error) *KindError {
	return &KindError{Kind: kind, Err: err}
}

// KindOf returns the ErrorKind carried anywhere in err's chain, or
// ErrKindNone if the error is untagged.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrKindNone
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrKindNone
}

func summarize(succeeded, failed, rows int) string {
	total := succeeded + failed
	if failed == 0 {
		return fmt.Sprintf("%d of %d offices returned data, %d rows", succeeded, total, rows)
	}
	return fmt.Sprintf("%d of %d offices returned data (%d failed), %d rows", succeeded, total, failed, rows)
}
