// Package errors carries coded errors through the sync layer.
//
// Codes are grouped by hundreds into the failure classes callers act on:
//   - 1-99: unknown
//   - 100-199: transport (dial, read, write, reconnect)
//   - 200-299: protocol (frames that fail to parse or have an unknown type)
//   - 300-399: capacity (sends while disconnected, factory limits, closed caches)
//   - 400-499: explicit error frames from the server
//   - 500-599: configuration and REST
//
// A coded error renders as "[code] message: cause":
//
//	err := errors.Wrap(errors.ErrCodeDialFailed, "dial stream", cause)
//	if errors.Transient(err) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

// Error is an error tagged with an ErrorCode.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func New(code ErrorCode, message string) *Error {
	return Wrap(code, message, nil)
}

func Newf(code ErrorCode, format string, args ...any) *Error {
	return Wrap(code, fmt.Sprintf(format, args...), nil)
}

// Wrap tags cause with code. A nil cause yields a leaf error.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return Wrap(code, fmt.Sprintf(format, args...), cause)
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(int(e.Code)))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Category reports the failure class of e's own code.
func (e *Error) Category() Category { return e.Code.Category() }

// Is and As forward to the standard library so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// GetCode returns the code of the outermost *Error in err's chain, or
// ErrCodeUnknown when there is none.
func GetCode(err error) ErrorCode {
	if e, ok := coded(err); ok {
		return e.Code
	}
	return ErrCodeUnknown
}

func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

func GetCategory(err error) Category {
	return GetCode(err).Category()
}

func IsCategory(err error, category Category) bool {
	return err != nil && GetCategory(err) == category
}

// Transient reports whether err is expected to clear without operator
// action: the socket is down or reconnecting, or a capacity limit is hit.
// An exhausted reconnect budget is not transient.
func Transient(err error) bool {
	switch GetCode(err) {
	case ErrCodeDialFailed, ErrCodeConnectionLost, ErrCodeNetworkOffline,
		ErrCodeManagerStopped, ErrCodeNotConnected, ErrCodeTooManyFactories:
		return true
	}
	return false
}

func coded(err error) (*Error, bool) {
	var e *Error
	if err == nil || !stderrors.As(err, &e) {
		return nil, false
	}
	return e, true
}
