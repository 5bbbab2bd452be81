package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes returned by the endpoints.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeInvalidToken         = "invalid_token"
	ErrCodeServerError          = "server_error"
)

var (
	// ErrCodeNotFound is returned when a code is unknown, expired, or already redeemed.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrAuthFailed is returned for any credential mismatch.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTokenInvalid is returned when an access token cannot be accepted.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrUnavailable is returned when a dependency did not answer in time.
	ErrUnavailable = errors.New("dependency unavailable")
)

// OAuthError is an RFC 6749 error response.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(status int, code, desc string) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

// writeOAuthError renders err as {error, error_description}. Errors that are
// not an *OAuthError become a 500 server_error.
func writeOAuthError(w http.ResponseWriter, err error) {
	var oe *OAuthError
	if !errors.As(err, &oe) {
		oe = newOAuthError(http.StatusInternalServerError, ErrCodeServerError, "internal error")
	}
	body := map[string]string{"error": oe.Code}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	if oe.Code == ErrCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	if oe.Code == ErrCodeInvalidToken {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, oe.Status, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
