package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries.
type ErrorKind int

const (
	KindUnexpected ErrorKind = iota
	KindNotFound
	KindIneligible
	KindTransfer
	KindConversion
	KindExtraction
	KindInFlight
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindIneligible:
		return "ineligible"
	case KindTransfer:
		return "transfer"
	case KindConversion:
		return "conversion"
	case KindExtraction:
		return "extraction"
	case KindInFlight:
		return "in_flight"
	default:
		return "unexpected"
	}
}

// Error is the typed error returned by stages, adapters and use cases.
type Error struct {
	Kind     ErrorKind
	Op       string
	RecordID string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.RecordID != "" {
		return fmt.Sprintf("%s %s [%s]: %s", e.Op, e.RecordID, e.Kind, msg)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.RecordID == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrIneligible = &Error{Kind: KindIneligible}
	ErrInFlight   = &Error{Kind: KindInFlight}
)

// NewError builds a typed error.
func NewError(kind ErrorKind, op, recordID string, err error) *Error {
	return &Error{Kind: kind, Op: op, RecordID: recordID, Err: err}
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, op, recordID, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, RecordID: recordID, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
