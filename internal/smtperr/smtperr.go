// Package smtperr carries SMTP reply codes alongside Go errors so that any
// failure in the relay can be reported to the remote client with the right
// code.
package smtperr

import (
	"errors"
	"fmt"
)

// Reply codes used by the relay.
const (
	CodeTransient = 421
	CodeSize      = 450
	CodeRetry     = 451
	CodeRejected  = 550
	CodeBlocked   = 554
)

// DefaultCode is reported for errors that never had a code assigned.
const DefaultCode = CodeTransient

var (
	// ErrInvalidForwardRecord is returned for any problem with a domain's
	// forwarding TXT records.
	ErrInvalidForwardRecord = New(CodeRejected, "Invalid forward-email TXT record")

	// ErrInvalidMX is returned when a domain has no usable MX records.
	ErrInvalidMX = New(CodeRejected, "Sender has invalid MX records")
)

// Error is an error with an SMTP reply code.
type Error struct {
	Code    int
	Message string
	Err     error
}

// New returns an error with the given code and message.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code and message so that copies returned
// through Wrap still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// Wrap assigns code to err unless err already carries one.
func Wrap(err error, code int) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// Code returns the SMTP reply code carried by err, or DefaultCode.
func Code(err error) int {
	var coded *Error
	if errors.As(err, &coded) && coded.Code != 0 {
		return coded.Code
	}
	return DefaultCode
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Error()
	}
	return err.Error()
}
