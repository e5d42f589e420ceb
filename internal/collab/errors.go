package collab

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeSessionInitFailed Code = "SESSION_INIT_FAILED"
	CodeNotAParticipant   Code = "NOT_A_PARTICIPANT"
	CodeSaveFailed        Code = "SAVE_FAILED"
	CodeTimeout           Code = "TIMEOUT"
	CodeInvalidEdit       Code = "INVALID_EDIT"
	CodeStaleEdit         Code = "STALE_EDIT"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeSessionBusy       Code = "SESSION_BUSY"
	CodeSessionClosed     Code = "SESSION_CLOSED"
	CodeInvalidMessage    Code = "INVALID_MESSAGE"
)

// Error is the typed failure returned by every coordinator operation.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the outermost coordinator error in err's chain.
func CodeOf(err error) Code {
	var collabErr *Error
	if errors.As(err, &collabErr) {
		return collabErr.Code
	}
	return ""
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
