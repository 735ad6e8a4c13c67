package model

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable class of an error.
type Kind string

const (
	KindValidation           Kind = "VALIDATION_ERROR"
	KindAccountNotFound      Kind = "ACCOUNT_NOT_FOUND"
	KindAccountNotActive     Kind = "ACCOUNT_NOT_ACTIVE"
	KindOrderNotFound        Kind = "ORDER_NOT_FOUND"
	KindInvalidOrderState    Kind = "INVALID_ORDER_STATE"
	KindInsufficientBalance  Kind = "INSUFFICIENT_BALANCE"
	KindInsufficientPosition Kind = "INSUFFICIENT_POSITION"
	KindPositionLimit        Kind = "POSITION_LIMIT_EXCEEDED"
	KindBroker               Kind = "BROKER_ERROR"
	KindTransferNotFound     Kind = "TRANSFER_NOT_FOUND"
	KindInvalidTransferState Kind = "INVALID_TRANSFER_STATE"
	KindConflict             Kind = "CONFLICT"
	KindInternal             Kind = "INTERNAL"
)

// Error carries a Kind alongside a human-readable message.
// Two *Error values match under errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

var (
	ErrValidation           = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrAccountNotFound      = &Error{Kind: KindAccountNotFound, Message: "account not found"}
	ErrAccountNotActive     = &Error{Kind: KindAccountNotActive, Message: "account is not active"}
	ErrOrderNotFound        = &Error{Kind: KindOrderNotFound, Message: "order not found"}
	ErrInvalidOrderState    = &Error{Kind: KindInvalidOrderState, Message: "invalid order state"}
	ErrInsufficientBalance  = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrInsufficientPosition = &Error{Kind: KindInsufficientPosition, Message: "insufficient position"}
	ErrPositionLimit        = &Error{Kind: KindPositionLimit, Message: "position limit exceeded"}
	ErrBroker               = &Error{Kind: KindBroker, Message: "broker error"}
	ErrTransferNotFound     = &Error{Kind: KindTransferNotFound, Message: "transfer not found"}
	ErrInvalidTransferState = &Error{Kind: KindInvalidTransferState, Message: "invalid transfer state"}
	ErrConflict             = &Error{Kind: KindConflict, Message: "conflict"}
)

// Errorf builds an error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, message string) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation is shorthand for a VALIDATION_ERROR.
func Validation(format string, args ...any) error {
	return Errorf(KindValidation, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
