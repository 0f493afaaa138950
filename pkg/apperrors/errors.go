package apperrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")

	ErrTemplateNotFound        = errors.New("template not found")
	ErrMissingContextVariable  = errors.New("missing context variable")
	ErrTemplateSyntax          = errors.New("template syntax error")
	ErrTransientBackend        = errors.New("transient backend error")
	ErrPermanentBackend        = errors.New("permanent backend error")
	ErrStepFailure             = errors.New("step failure")
	ErrValidationFailure       = errors.New("validation failure")
	ErrTransactionsUnsupported = errors.New("transactional units not supported by dialect")
)

// TemplateErrorKind is the closed set of template failures.
type TemplateErrorKind string

const (
	TemplateNotFound        TemplateErrorKind = "not_found"
	TemplateMissingVariable TemplateErrorKind = "missing_variable"
	TemplateSyntax          TemplateErrorKind = "syntax"
)

// TemplateError is raised by the renderer. It is never retried.
type TemplateError struct {
	Kind     TemplateErrorKind
	Template string
	Variable string
	Err      error
}

func (e *TemplateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "template %q: %s", e.Template, e.Kind)
	if e.Variable != "" {
		fmt.Fprintf(&b, " %q", e.Variable)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TemplateError) Unwrap() error { return e.Err }

func (e *TemplateError) Is(target error) bool {
	switch target {
	case ErrTemplateNotFound:
		return e.Kind == TemplateNotFound
	case ErrMissingContextVariable:
		return e.Kind == TemplateMissingVariable
	case ErrTemplateSyntax:
		return e.Kind == TemplateSyntax
	}
	return false
}

// BackendErrorKind classifies driver errors independently of the dialect.
type BackendErrorKind string

const (
	KindTimeout             BackendErrorKind = "timeout"
	KindRateLimit           BackendErrorKind = "rate_limit"
	KindDeadlock            BackendErrorKind = "deadlock"
	KindConnection          BackendErrorKind = "connection"
	KindSyntax              BackendErrorKind = "syntax"
	KindObjectNotFound      BackendErrorKind = "object_not_found"
	KindPermissionDenied    BackendErrorKind = "permission_denied"
	KindConstraintViolation BackendErrorKind = "constraint_violation"
	KindCanceled            BackendErrorKind = "canceled"
	KindUnknown             BackendErrorKind = "unknown"
)

// Transient reports whether errors of this kind are worth retrying.
func (k BackendErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindDeadlock, KindConnection:
		return true
	}
	return false
}

// BackendError is a classified database error.
type BackendError struct {
	Kind    BackendErrorKind
	Dialect string
	Code    string // driver specific code (SQLSTATE, error number, reason)
	Err     error
}

// NewBackendError wraps err with a classification.
func NewBackendError(dialect string, kind BackendErrorKind, code string, err error) *BackendError {
	return &BackendError{Kind: kind, Dialect: dialect, Code: code, Err: err}
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s error (%s): %v", e.Dialect, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Dialect, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Transient() bool { return e.Kind.Transient() }

// IsRetryable satisfies retry.RetryableError.
func (e *BackendError) IsRetryable() bool { return e.Transient() }

// ErrorKind is used by the retry package to detect repeated failures of one kind.
func (e *BackendError) ErrorKind() string { return string(e.Kind) }

func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrTransientBackend:
		return e.Transient()
	case ErrPermanentBackend:
		return !e.Transient()
	}
	return false
}

// StepFailure attributes a failed statement to its step.
type StepFailure struct {
	Index    int
	Phase    string
	Template string
	Table    string
	Dialect  string
	Identity string
	Attempts int
	Err      error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s %s, table %s, %s, stmt %s) failed after %d attempt(s): %v",
		e.Index, e.Phase, e.Template, e.Table, e.Dialect, e.Identity, e.Attempts, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

func (e *StepFailure) Is(target error) bool { return target == ErrStepFailure }

// ValidationFailure blocks a table from loading.
type ValidationFailure struct {
	Table      string
	Findings   []models.ValidationFinding
	TotalCount int
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed for %s: %d finding(s), %d violating group(s)",
		e.Table, len(e.Findings), e.TotalCount)
}

func (e *ValidationFailure) Is(target error) bool { return target == ErrValidationFailure }

// AsBackendError extracts the classified backend error from err, if any.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
