// Package fault defines the error taxonomy shared by the orchestration core.
//
// Every failure that crosses a component boundary is a *Error carrying a Kind,
// so callers can branch on the category with Is without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	KindPolicyViolation         Kind = "PolicyViolation"
	KindApprovalDenied          Kind = "ApprovalDenied"
	KindApprovalTimeout         Kind = "ApprovalTimeout"
	KindInvalidToken            Kind = "InvalidToken"
	KindGateFailed              Kind = "GateFailed"
	KindProbeFailed             Kind = "ProbeFailed"
	KindToolExecutionError      Kind = "ToolExecutionError"
	KindHandoffHopLimitExceeded Kind = "HandoffHopLimitExceeded"
)

// Reflectable reports whether a failure of this kind may be handed to the
// reflection collaborator for a remediation attempt.
func (k Kind) Reflectable() bool {
	return k == KindProbeFailed || k == KindToolExecutionError
}

// Error is a classified orchestration error.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail attaches a detail value and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err's chain contains a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
