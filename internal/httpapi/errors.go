package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

type errorKind struct {
	target error
	status int
	code   string
}

// Order matters: the first matching kind wins.
var errorKinds = []errorKind{
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{auth.ErrAccountDisabled, http.StatusUnauthorized, "account_disabled"},
	{auth.ErrInvalidRefreshToken, http.StatusUnauthorized, "invalid_refresh_token"},
	{auth.ErrRefreshTokenRevoked, http.StatusUnauthorized, "refresh_token_revoked"},
	{auth.ErrRefreshTokenExpired, http.StatusUnauthorized, "refresh_token_expired"},
	{auth.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{auth.ErrTokenMalformed, http.StatusUnauthorized, "invalid_token"},
	{auth.ErrTokenBadSignature, http.StatusUnauthorized, "invalid_token"},
	{auth.ErrTokenWrongType, http.StatusUnauthorized, "invalid_token"},
	{auth.ErrInsufficientPermission, http.StatusForbidden, "forbidden"},
	{auth.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{auth.ErrAlreadyExists, http.StatusConflict, "conflict"},
	{auth.ErrNotFound, http.StatusNotFound, "not_found"},
}

// writeServiceError maps a domain error onto a response. Persistence and
// unexpected failures are logged and answered with a generic message.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			writeError(w, r, k.status, k.code, publicMessage(err, k))
			return
		}
	}
	if errors.Is(err, auth.ErrPersistenceUnavailable) {
		a.log.ErrorContext(r.Context(), "storage unavailable", "error", err, "path", r.URL.Path)
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
		return
	}
	a.log.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

// publicMessage keeps the detail of input and lookup errors, which is
// written by the accounts layer for callers, and drops it otherwise.
func publicMessage(err error, k errorKind) string {
	switch k.status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusForbidden:
		return strings.TrimPrefix(err.Error(), "auth: ")
	default:
		return strings.TrimPrefix(k.target.Error(), "auth: ")
	}
}
