package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to the UI layer.
type ErrorKind string

const (
	KindTransport         ErrorKind = "transport"
	KindCapacity          ErrorKind = "capacity"
	KindStore             ErrorKind = "store"
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
)

// Error is the structured result of a failed session operation.
type Error struct {
	Kind      ErrorKind
	Op        string
	SessionID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.SessionID != "" {
		msg += " [" + e.SessionID + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage is the notification text shown to the user.
func (e *Error) UserMessage() string {
	if e.Message != "" && e.Err != nil && e.Kind == KindStore {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func NewError(kind ErrorKind, op, sessionID, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Message: message, Err: err}
}

func ValidationError(op, sessionID, message string) *Error {
	return NewError(KindValidation, op, sessionID, message, nil)
}

func StoreError(op, sessionID, message string, err error) *Error {
	return NewError(KindStore, op, sessionID, message, err)
}

func CapacityError(op, sessionID, message string) *Error {
	return NewError(KindCapacity, op, sessionID, message, nil)
}

func NotFoundError(op, sessionID string) *Error {
	return NewError(KindNotFound, op, sessionID, "session not found", nil)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
