package app

import (
	"errors"
	"fmt"
	"net/http"

	"folio/api/internal/chat"
	"folio/api/internal/feed"
	"folio/api/internal/identity"
	"folio/api/internal/session"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errRateLimited  = domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many messages, slow down", nil)
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var chatErr *chat.Error
	if errors.As(err, &chatErr) {
		switch chatErr.Kind {
		case chat.KindValidation:
			return http.StatusUnprocessableEntity, string(chat.KindValidation), chatErr.Message, nil
		case chat.KindPermission:
			return http.StatusForbidden, string(chat.KindPermission), chatErr.Message, nil
		case chat.KindAuth:
			return http.StatusUnauthorized, string(chat.KindAuth), chatErr.Message, nil
		case chat.KindStore:
			if errors.Is(err, feed.ErrNotFound) {
				return http.StatusNotFound, "NOT_FOUND", "Not found", nil
			}
			return http.StatusBadGateway, string(chat.KindStore), chatErr.Message, nil
		}
	}

	var authErr *identity.AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized, string(chat.KindAuth), authErr.Error(), nil
	}
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, feed.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
