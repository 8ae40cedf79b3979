package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AllModelsExhaustedError is returned when every model in a fallback chain
// has failed. It carries the ordered list of models tried and the last cause.
type AllModelsExhaustedError struct {
	Agent       string
	TriedModels []string
	LastErr     error
}

func (e *AllModelsExhaustedError) Error() string {
	return fmt.Sprintf("[%s] agent %q: all models exhausted (tried: %s): %v",
		ErrAllModelsExhausted, e.Agent, strings.Join(e.TriedModels, ", "), e.LastErr)
}

func (e *AllModelsExhaustedError) Unwrap() error { return e.LastErr }

// TotalTimeoutError is returned when the total wall-clock deadline of a
// reliability-wrapped call is exceeded across attempts.
type TotalTimeoutError struct {
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *TotalTimeoutError) Error() string {
	return fmt.Sprintf("[%s] total execution timeout of %s exceeded (elapsed: %s)",
		ErrTotalTimeout, e.Limit, e.Elapsed)
}

// BudgetExceededError is returned when the budget collaborator vetoed an
// execution before it started.
type BudgetExceededError struct {
	Reason string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("[%s] %s", ErrBudgetExceeded, e.Reason)
}

// StepFailedError is returned for an explicit step failure or an unhandled
// error on a critical step.
type StepFailedError struct {
	Step    string
	Message string
	Cause   error
}

func (e *StepFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] step %q: %s: %v", ErrStepFailed, e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] step %q: %s", ErrStepFailed, e.Step, e.Message)
}

func (e *StepFailedError) Unwrap() error { return e.Cause }

// WorkflowHaltedError is the non-local signal produced by a step's Halt
// control primitive. The workflow executor intercepts it and ends the whole
// workflow successfully with the carried result; it only surfaces as an
// error if a halt escapes outside a workflow execution.
type WorkflowHaltedError struct {
	Result any
}

func (e *WorkflowHaltedError) Error() string {
	return fmt.Sprintf("[%s] workflow halted", ErrWorkflowHalted)
}

// NoRouteError is returned when a routing step's value matched no branch
// and no default branch is configured.
type NoRouteError struct {
	Step  string
	Value string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("[%s] step %q: no branch for route value %q", ErrNoRoute, e.Step, e.Value)
}

// IterationSourceError is returned when the source resolver of an iteration
// step itself failed.
type IterationSourceError struct {
	Step  string
	Cause error
}

func (e *IterationSourceError) Error() string {
	return fmt.Sprintf("[%s] step %q: source resolver failed: %v", ErrIterationSource, e.Step, e.Cause)
}

func (e *IterationSourceError) Unwrap() error { return e.Cause }

// InvalidApprovalStateError is returned when a transition is attempted on an
// approval that already left the pending state.
type InvalidApprovalStateError struct {
	ID     string
	Status string
	Op     string
}

func (e *InvalidApprovalStateError) Error() string {
	return fmt.Sprintf("[%s] approval %s: cannot %s from status %q",
		ErrInvalidApprovalState, e.ID, e.Op, e.Status)
}

// IsTotalTimeout reports whether err is (or wraps) a TotalTimeoutError.
func IsTotalTimeout(err error) bool {
	var te *TotalTimeoutError
	return errors.As(err, &te)
}

// IsBudgetExceeded reports whether err is (or wraps) a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
