package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure so callers can decide whether to retry,
// fall back or surface it.
type ErrorKind string

const (
	// KindConnection covers socket errors, timeouts, closes and missed heartbeats.
	KindConnection ErrorKind = "connection"
	// KindProtocol covers malformed or unexpected response shapes.
	KindProtocol ErrorKind = "protocol"
	// KindValidation covers caller misuse rejected before any network call.
	KindValidation ErrorKind = "validation"
	// KindConcurrency covers overlapping operations on the same channel.
	KindConcurrency ErrorKind = "concurrency"
	// KindClosed is returned by operations on a torn-down component.
	KindClosed ErrorKind = "closed"
	// KindCanceled is returned when the caller's context ends first. It says
	// nothing about the health of the connection.
	KindCanceled ErrorKind = "canceled"
	// KindNotFound is returned when a referenced message or document is absent.
	KindNotFound ErrorKind = "not_found"
	// KindInternal is the fallback kind for wrapped foreign errors.
	KindInternal ErrorKind = "internal"
)

// Error is the domain error carried across the sync engine. It records the
// operation and the identifiers involved so failures can be traced back to a
// channel or message.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Op         string    `json:"op,omitempty"`
	ChannelID  string    `json:"channelId,omitempty"`
	MessageKey string    `json:"messageKey,omitempty"`
	Message    string    `json:"message"`
	Temporary  bool      `json:"temporary"`
	cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.ChannelID != "" {
		fmt.Fprintf(&b, " (channel %s", e.ChannelID)
		if e.MessageKey != "" {
			fmt.Fprintf(&b, ", message %s", e.MessageKey)
		}
		b.WriteString(")")
	} else if e.MessageKey != "" {
		fmt.Fprintf(&b, " (message %s)", e.MessageKey)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithChannel records the channel the failure belongs to.
func (e *Error) WithChannel(channelID string) *Error {
	e.ChannelID = channelID
	return e
}

// WithMessage records the message key the failure belongs to.
func (e *Error) WithMessage(key string) *Error {
	e.MessageKey = key
	return e
}

// WithOp records the operation that failed.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Wrap converts err into a domain error for op. Domain errors keep their kind
// and identifiers; foreign errors become KindInternal.
func Wrap(err error, op string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Kind:       e.Kind,
			Op:         op,
			ChannelID:  e.ChannelID,
			MessageKey: e.MessageKey,
			Message:    e.Message,
			Temporary:  e.Temporary,
			cause:      e.cause,
		}
	}
	return &Error{
		Kind:    KindInternal,
		Op:      op,
		Message: err.Error(),
		cause:   err,
	}
}

// Wrapf is Wrap with a formatted operation name.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsKind reports whether any error in err's chain is a domain error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func ConnectionError(op, message string) *Error {
	return &Error{Kind: KindConnection, Op: op, Message: message, Temporary: true}
}

func ProtocolError(op, message string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: message}
}

func ValidationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func ConcurrencyError(op, message string) *Error {
	return &Error{Kind: KindConcurrency, Op: op, Message: message, Temporary: true}
}

func ClosedError(op, message string) *Error {
	return &Error{Kind: KindClosed, Op: op, Message: message}
}

func CanceledError(op, message string) *Error {
	return &Error{Kind: KindCanceled, Op: op, Message: message}
}

func NotFoundError(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// MultiError collects teardown errors that must all be reported.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

// Combine returns nil, the single non-nil error, or a MultiError.
func Combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}
