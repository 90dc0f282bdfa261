// Package apierror defines the tagged error kinds shared by every relay
// component that can fail across the HTTP boundary. Each kind carries a
// stable machine code and the HTTP status it maps to.
package apierror

import (
	"fmt"
	"net/http"
)

// Machine codes reported in error response bodies.
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionCompleted = "SESSION_COMPLETED"
	CodeIncompleteChunks = "INCOMPLETE_CHUNKS"
	CodeDecryptionFailed = "DECRYPTION_FAILED"
	CodeGitError         = "GIT_ERROR"
	CodeSizeMismatch     = "SIZE_MISMATCH"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeSha256Mismatch   = "SHA256_MISMATCH"
	CodeFileExists       = "FILE_EXISTS"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is the single error type crossing the route layer. Extra carries
// outcome metadata such as expected/received chunk counts.
type Error struct {
	Code    string
	Status  int
	Message string
	Extra   map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with an explicit machine code and HTTP status.
func New(code string, status int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// WithExtra attaches a metadata key to the error and returns it for chaining.
func (e *Error) WithExtra(key string, value interface{}) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]interface{})
	}
	e.Extra[key] = value
	return e
}

// InvalidInput flags a malformed or out-of-range request field.
func InvalidInput(format string, args ...interface{}) *Error {
	return New(CodeInvalidInput, http.StatusBadRequest, format, args...)
}

// Unauthorized flags a bad or missing server key header.
func Unauthorized() *Error {
	return New(CodeUnauthorized, http.StatusUnauthorized, "invalid or missing x-server-key")
}

// SessionNotFound flags an unknown or expired session.
func SessionNotFound(sessionID string) *Error {
	return New(CodeSessionNotFound, http.StatusNotFound, "session %s not found", sessionID)
}

// SessionCompleted flags a mutation attempted after the session reached a
// terminal or processing state.
func SessionCompleted(sessionID string) *Error {
	return New(CodeSessionCompleted, http.StatusConflict, "session %s already finalized", sessionID)
}

// IncompleteChunks flags reassembly before every chunk arrived.
func IncompleteChunks(expected, received int) *Error {
	return New(CodeIncompleteChunks, http.StatusBadRequest,
		"Expected %d chunks, received %d", expected, received).
		WithExtra("expected", expected).
		WithExtra("received", received)
}

// DecryptionFailed covers envelope framing, key mismatch, AEAD and replay
// validation failures. The machine code is identical for all of them so the
// client cannot distinguish an oracle.
func DecryptionFailed(format string, args ...interface{}) *Error {
	return New(CodeDecryptionFailed, http.StatusBadRequest, format, args...)
}

// GitError wraps a git subprocess failure, annotated with the operation name.
func GitError(op string, err error) *Error {
	return New(CodeGitError, http.StatusInternalServerError, "git %s: %v", op, err).
		WithExtra("operation", op)
}

// Internal maps everything unexpected.
func Internal(err error) *Error {
	return New(CodeInternal, http.StatusInternalServerError, "%v", err)
}
