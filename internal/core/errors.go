package core

import "errors"

// ErrorKind classifies failures so callers can decide how to surface them.
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation_error"
	KindDuplicate            ErrorKind = "duplicate_error"
	KindReferentialIntegrity ErrorKind = "referential_integrity_error"
	KindNotFound             ErrorKind = "not_found_error"
	KindSyncWrite            ErrorKind = "sync_write_error"
	KindSyncSubscription     ErrorKind = "sync_subscription_error"
	KindImportFormat         ErrorKind = "import_format_error"
)

// Error is the error type returned by ledger and sync operations.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Kind sentinels. errors.Is(err, ErrDuplicate) matches any *Error of that kind.
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrDuplicate            = &Error{Kind: KindDuplicate}
	ErrReferentialIntegrity = &Error{Kind: KindReferentialIntegrity}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrSyncWrite            = &Error{Kind: KindSyncWrite}
	ErrSyncSubscription     = &Error{Kind: KindSyncSubscription}
	ErrImportFormat         = &Error{Kind: KindImportFormat}
)

// Causes.
var (
	ErrInvalidAmount    = errors.New("amount must be greater than zero")
	ErrEmptyCategory    = errors.New("empty category")
	ErrUnknownCategory  = errors.New("unknown category")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidEntryType = errors.New("invalid entry type")
	ErrEmptyID          = errors.New("empty entry id")
	ErrEmptyLabel       = errors.New("label cannot be empty")
	ErrEmptyCurrency    = errors.New("currency symbol cannot be empty")
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError creates an *Error of the given kind.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
