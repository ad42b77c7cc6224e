// Package apierror writes the JSON error envelope shared by every handler
// and middleware:
//
//	{"error": {"message": "...", "type": "...", "code": "..."}}
//
// Clients branch on type and code; message is for humans.
package apierror

import (
	"encoding/json"
	"net/http"
)

// Error types.
const (
	TypeInvalidRequest     = "invalid_request_error"
	TypePermission         = "permission_error"
	TypeRateLimitExceeded  = "rate_limit_exceeded"
	TypeInternal           = "internal_server_error"
	TypeServiceUnavailable = "service_unavailable"
)

// Error codes.
const (
	CodeMissingAPIKey           = "missing_api_key"
	CodeInvalidAPIKey           = "invalid_api_key"
	CodeAuthError               = "auth_error"
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
	CodeRateLimitUnavailable    = "rate_limit_unavailable"
	CodeNotFound                = "not_found"
	CodeMethodNotAllowed        = "method_not_allowed"
	CodeInvalidBody             = "invalid_body"
	CodeRequestTooLarge         = "request_too_large"
	CodeValidation              = "validation_error"
	CodeInternal                = "internal_error"
	CodeUpstream                = "upstream_error"
)

type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (e Error) Error() string {
	return e.Message
}

type Response struct {
	Error Error `json:"error"`
}

// Write sends status with the error envelope.
func Write(w http.ResponseWriter, status int, e Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Error: e})
}

// New is shorthand for building an Error inline.
func New(errType, code, message string) Error {
	return Error{Message: message, Type: errType, Code: code}
}

// MissingAPIKey is the 401 body for a request without usable credentials.
func MissingAPIKey() Error {
	return New(TypeInvalidRequest, CodeMissingAPIKey,
		"You didn't provide an API key. You need to provide your API key in an Authorization header using Bearer auth (i.e. Authorization: Bearer YOUR_KEY).")
}

// InvalidAPIKey is the 401 body for an unknown or inactive key.
func InvalidAPIKey() Error {
	return New(TypeInvalidRequest, CodeInvalidAPIKey, "Incorrect API key provided.")
}

// AuthError is the 500 body when the credential store cannot be reached.
func AuthError() Error {
	return New(TypeInternal, CodeAuthError, "Internal server error during authentication")
}

func Internal() Error {
	return New(TypeInternal, CodeInternal, "Internal Server Error")
}

func NotFound() Error {
	return New(TypeInvalidRequest, CodeNotFound, "Not Found")
}
