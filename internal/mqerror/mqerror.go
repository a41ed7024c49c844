package mqerror

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrDuplicateMessageID ErrorCode = "DUPLICATE_MESSAGE_ID"
	ErrStaleWrite         ErrorCode = "STALE_WRITE"
	ErrTransientBroker    ErrorCode = "TRANSIENT_BROKER"
	ErrPermanentDecode    ErrorCode = "PERMANENT_DECODE"
	ErrLockContention     ErrorCode = "LOCK_CONTENTION"
	ErrRetriesExhausted   ErrorCode = "RETRIES_EXHAUSTED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrInternal           ErrorCode = "INTERNAL"
)

// MessagingError carries the delivery-layer error taxonomy. Callers route on
// Code rather than matching error strings.
type MessagingError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e MessagingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewMessagingError(code ErrorCode, message string, details interface{}) MessagingError {
	return MessagingError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code ErrorCode) bool {
	var msgErr MessagingError
	if errors.As(err, &msgErr) {
		return msgErr.Code == code
	}
	return false
}

// Permanent reports whether err must never be retried.
func Permanent(err error) bool {
	return Is(err, ErrPermanentDecode) || Is(err, ErrRetriesExhausted)
}
