package app

import (
	"errors"
	"fmt"
	"net/http"

	"livecode/api/internal/auth"
	"livecode/api/internal/collab"
	"livecode/api/internal/gitrepo"
	"livecode/api/internal/protocol"
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

var collabStatus = map[collab.Code]int{
	collab.CodeSessionInitFailed: http.StatusBadGateway,
	collab.CodeNotAParticipant:   http.StatusForbidden,
	collab.CodeSaveFailed:        http.StatusBadGateway,
	collab.CodeTimeout:           http.StatusGatewayTimeout,
	collab.CodeInvalidEdit:       http.StatusUnprocessableEntity,
	collab.CodeStaleEdit:         http.StatusConflict,
	collab.CodeSessionNotFound:   http.StatusNotFound,
	collab.CodeSessionBusy:       http.StatusConflict,
	collab.CodeSessionClosed:     http.StatusGone,
	collab.CodeInvalidMessage:    http.StatusBadRequest,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var collabErr *collab.Error
	if errors.As(err, &collabErr) {
		status, ok := collabStatus[collabErr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, string(collabErr.Code), collabErr.Message, nil
	}
	if errors.Is(err, gitrepo.ErrRepositoryNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Repository not found", nil
	}
	if errors.Is(err, gitrepo.ErrInvalidPath) {
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// errorMessage converts err into the error sent on the participant channel.
func errorMessage(sessionID string, err error) protocol.Error {
	var collabErr *collab.Error
	if errors.As(err, &collabErr) {
		return protocol.Error{SessionID: sessionID, Code: string(collabErr.Code), Message: collabErr.Message}
	}
	_, code, message, _ := mapError(err)
	return protocol.Error{SessionID: sessionID, Code: code, Message: message}
}
