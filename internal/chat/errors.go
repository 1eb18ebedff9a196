package chat

import (
	"errors"

	"folio/api/internal/identity"
)

// Kind classifies every error an Engine operation can return.
type Kind string

const (
	KindAuth       Kind = "AUTH_ERROR"
	KindValidation Kind = "VALIDATION_ERROR"
	KindPermission Kind = "PERMISSION_ERROR"
	KindStore      Kind = "STORE_ERROR"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not a chat error.
func KindOf(err error) Kind {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func validationError(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

func permissionError(message string) error {
	return &Error{Kind: KindPermission, Message: message}
}

func storeError(message string, err error) error {
	return &Error{Kind: KindStore, Message: message, Err: err}
}

func authError(err error) error {
	var authErr *identity.AuthError
	if errors.As(err, &authErr) {
		return &Error{Kind: KindAuth, Message: "sign-in failed", Err: authErr}
	}
	return &Error{Kind: KindAuth, Message: "sign-in failed", Err: &identity.AuthError{Err: err}}
}
