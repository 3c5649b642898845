// Package service holds the custody store's business logic: ingest,
// search and retrieval, custody operations, the audit sweep and WAL
// recovery.
package service

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package is a *Error whose
// Kind is one of these, so errors.Is(err, ErrIntegrity) works.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrCatalogCommitFailed = errors.New("catalog commit failed")
	ErrIntegrity           = errors.New("integrity error")
	ErrNotFound            = errors.New("not found")
	ErrCancelled           = errors.New("cancelled")
)

// Outcomes tell a client whether a failed call left anything behind.
const (
	// OutcomeNothingStored: no catalog record and no custody event exist.
	OutcomeNothingStored = "nothing_stored"
	// OutcomeMayBeStored: content may sit in the backend without a
	// verifiable catalog entry. Resubmitting identical bytes is safe.
	OutcomeMayBeStored = "may_be_stored"
)

// Error codes carried in Error.Code.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeNotFound            = "NOT_FOUND"
	CodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	CodeCatalogCommitFailed = "CATALOG_COMMIT_FAILED"
	CodeIntegrityError      = "INTEGRITY_ERROR"
	CodeRequestCancelled    = "REQUEST_CANCELLED"
)

// Error is a terminal failure of a service operation.
type Error struct {
	Kind    error
	Code    string
	Message string
	Outcome string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidInput(code, msg string) *Error {
	return &Error{Kind: ErrInvalidInput, Code: code, Message: msg, Outcome: OutcomeNothingStored}
}

func notFound(cid string) *Error {
	return &Error{Kind: ErrNotFound, Code: CodeNotFound, Message: fmt.Sprintf("no evidence record for %s", cid)}
}

func backendUnavailable(msg, outcome string, err error) *Error {
	return &Error{Kind: ErrBackendUnavailable, Code: CodeBackendUnavailable, Message: msg, Outcome: outcome, Err: err}
}

func commitFailed(msg, outcome string, err error) *Error {
	return &Error{Kind: ErrCatalogCommitFailed, Code: CodeCatalogCommitFailed, Message: msg, Outcome: outcome, Err: err}
}

func integrityError(msg string) *Error {
	return &Error{Kind: ErrIntegrity, Code: CodeIntegrityError, Message: msg}
}

func cancelled(outcome string, err error) *Error {
	return &Error{Kind: ErrCancelled, Code: CodeRequestCancelled, Message: "request cancelled", Outcome: outcome, Err: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the kind of err, or nil for errors from outside this
// package.
func KindOf(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}
