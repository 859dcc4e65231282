package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"refflow/api/internal/auth"
	"refflow/api/internal/store"
	"refflow/api/internal/workflow"
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

var errUnauthenticated = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var flowErr *workflow.Error
	if errors.As(err, &flowErr) {
		message = flowErr.Message
		if message == "" {
			message = string(flowErr.Kind)
		}
		var details any
		if len(flowErr.Details) > 0 {
			details = flowErr.Details
		}
		return kindStatus(flowErr.Kind), string(flowErr.Kind), message, details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, string(workflow.KindNotFound), "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Conflicting write", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func kindStatus(kind workflow.Kind) int {
	switch kind {
	case workflow.KindRoleDenied:
		return http.StatusForbidden
	case workflow.KindInvalidState:
		return http.StatusConflict
	case workflow.KindInvalidAddress, workflow.KindInvalidSection, workflow.KindValidation:
		return http.StatusUnprocessableEntity
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
