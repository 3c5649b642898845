// Package errors writes error responses in the custody store format:
// {"error": {"code": "...", "message": "...", "outcome": "..."}}.
// Every error response goes through WriteError.
package errors //nolint:revive // shadows stdlib errors on purpose, imported as apierrors

import (
	"encoding/json"
	"net/http"
)

// Error codes.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	CodeCatalogCommitFailed = "CATALOG_COMMIT_FAILED"
	CodeIntegrityError      = "INTEGRITY_ERROR"
	CodeRequestCancelled    = "REQUEST_CANCELLED"
	CodeAuditInProgress     = "AUDIT_IN_PROGRESS"
	CodeInternalError       = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Outcome tells the client whether anything may have been stored.
	Outcome string `json:"outcome,omitempty"`
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteErrorWithOutcome(w, statusCode, code, message, "")
}

// WriteErrorWithOutcome writes an error response carrying an outcome.
func WriteErrorWithOutcome(w http.ResponseWriter, statusCode int, code, message, outcome string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
			Outcome: outcome,
		},
	})
}

// ValidationError is 400 for malformed request parameters.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound is 404.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized is 401.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden is 403.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// FileTooLarge is 413.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// AuditInProgress is 409 while a sweep is running.
func AuditInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeAuditInProgress, message)
}

// InternalError is 500.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
