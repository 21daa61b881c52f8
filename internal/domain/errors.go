package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and credential policy.
type ErrorKind string

const (
	KindTransient           ErrorKind = "transient"
	KindRateLimited         ErrorKind = "rate_limited"
	KindPermanentCredential ErrorKind = "permanent_credential"
	KindQuotaExhausted      ErrorKind = "quota_exhausted"
	KindMalformedResponse   ErrorKind = "malformed_response"
	KindPermanentContent    ErrorKind = "permanent_content"
	KindPermanentBackend    ErrorKind = "permanent_backend"
	KindFatalInfrastructure ErrorKind = "fatal_infrastructure"
)

// StageError is returned by collaborators to describe a classified failure.
type StageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with a classification.
func NewStageError(kind ErrorKind, op string, err error) *StageError {
	return &StageError{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error. Unclassified errors and deadline overruns are
// treated as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	var infraErr *InfraError
	if errors.As(err, &infraErr) {
		return KindFatalInfrastructure
	}
	// Network errors and context.DeadlineExceeded land here.
	return KindTransient
}

// Scope bounds how much remaining work a fatal infrastructure error aborts.
type Scope string

const (
	ScopeSource Scope = "source"
	ScopeCycle  Scope = "cycle"
)

// InfraError is the only failure that escapes the item pipeline.
type InfraError struct {
	Scope Scope
	Err   error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("fatal infrastructure (%s scope): %v", e.Scope, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// NewInfraError wraps err as a fatal infrastructure failure.
func NewInfraError(scope Scope, err error) *InfraError {
	return &InfraError{Scope: scope, Err: err}
}

// StageStatus is the coarse result of running a stage.
type StageStatus string

const (
	StatusSuccess     StageStatus = "success"
	StatusRetryable   StageStatus = "retryable_failure"
	StatusTerminal    StageStatus = "terminal_failure"
	StatusInterrupted StageStatus = "interrupted"
)

// StageOutcome is the final result of a stage after retries.
type StageOutcome struct {
	Status    StageStatus
	ErrorKind ErrorKind
	Err       error
	Attempts  int
}

// OK reports whether the stage succeeded.
func (o StageOutcome) OK() bool {
	return o.Status == StatusSuccess
}
