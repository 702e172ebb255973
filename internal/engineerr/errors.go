// Package engineerr defines the retrieval engine's error taxonomy (spec.md §7).
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without string
// matching, per spec.md §7's propagation policy.
type Kind string

const (
	// NotReady: retrieval called while a rebuild holds the exclusive lock
	// and no deadline remains. Transient; caller may retry.
	NotReady Kind = "NotReady"
	// UpstreamUnavailable: vector database unreachable or rejected the request.
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	// ModelFailure: embedding or cross-encoder failed.
	ModelFailure Kind = "ModelFailure"
	// IndexCorrupt: BM25 snapshot failed to deserialize or is inconsistent
	// with the vector store.
	IndexCorrupt Kind = "IndexCorrupt"
	// InvalidArgument: top_k <= 0, unknown blend strategy, alpha outside
	// [0,1], empty query text when expansion is off, or a use_reranker/
	// use_query_expansion request against an Engine with no Encoder/
	// Expander wired.
	InvalidArgument Kind = "InvalidArgument"
)

// Error is a typed engine failure. It wraps an underlying cause (if any)
// and is inspected via errors.As, not string comparison.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an Error wrapping cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
