package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adham90/agentrun/reliability"
	"github.com/adham90/agentrun/types"
)

// StepStatus is the terminal state of one step execution.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
	StepHalted    StepStatus = "halted"
)

// Condition is a predicate evaluated against the workflow state before a
// step runs. Used for If/Unless gates.
type Condition func(wf *Context) bool

// InputResolver builds a step's input from the workflow state. When nil the
// workflow input passes through unchanged.
type InputResolver func(wf *Context) (any, error)

// RunFunc is a custom-logic step body. It may end the step early by
// returning one of the StepContext control signals.
type RunFunc func(ctx context.Context, step *StepContext) (any, error)

// ErrorHandler converts a step failure into a substitute result. Returning
// an error (including a Halt signal) propagates instead.
type ErrorHandler func(ctx context.Context, step *StepContext, stepErr error) (any, error)

// StepOptions carries the optional behavior of a step.
type StepOptions struct {
	// If gates execution: a false result skips the step.
	If Condition
	// Unless gates execution: a true result skips the step.
	Unless Condition
	// Retry controls re-invocation of the same agent. Nil means no retries.
	Retry *reliability.RetryStrategy
	// Fallbacks are tried in order once the primary agent's retries are
	// exhausted. Each fallback gets zero additional retries unless
	// FallbackRetry is set.
	Fallbacks     []types.Agent
	FallbackRetry *reliability.RetryStrategy
	// Timeout bounds a single invocation, not the whole retry loop.
	Timeout time.Duration
	// Optional marks failures as non-fatal: the workflow records the error
	// and keeps scheduling. Mutually exclusive with Critical.
	Optional bool
	// Critical is the default; setting it alongside Optional is a
	// configuration error.
	Critical bool
	// Default is the output of a skipped step.
	Default any
	// OnError runs after all agents and fallbacks failed.
	OnError ErrorHandler
	// Input resolves the step input from workflow state.
	Input InputResolver
	// Tags are free-form labels carried into the result for callers.
	Tags []string
}

// StepConfig defines one step: a name plus either an agent reference or a
// custom Run block. Immutable once the workflow is built.
type StepConfig struct {
	Name    string
	Agent   types.Agent
	Run     RunFunc
	Options StepOptions
}

// Validate reports configuration errors: missing name, missing or ambiguous
// body, or contradictory optional/critical flags.
func (c *StepConfig) Validate() error {
	if c.Name == "" {
		return types.NewError(types.ErrInvalidStepConfig, "step name is required")
	}
	if c.Agent == nil && c.Run == nil {
		return types.NewError(types.ErrInvalidStepConfig,
			fmt.Sprintf("step %q needs an agent or a run block", c.Name))
	}
	if c.Agent != nil && c.Run != nil {
		return types.NewError(types.ErrInvalidStepConfig,
			fmt.Sprintf("step %q cannot have both an agent and a run block", c.Name))
	}
	if c.Options.Optional && c.Options.Critical {
		return types.NewError(types.ErrInvalidStepConfig,
			fmt.Sprintf("step %q: optional and critical are mutually exclusive", c.Name))
	}
	return nil
}

// critical reports whether a failure of this step must stop the workflow.
// Critical is the default; Optional turns it off.
func (c *StepConfig) critical() bool {
	return !c.Options.Optional
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	Step         string           `json:"step"`
	Status       StepStatus       `json:"status"`
	Output       any              `json:"output,omitempty"`
	SkipReason   string           `json:"skip_reason,omitempty"`
	Err          error            `json:"-"`
	Usage        types.TokenUsage `json:"usage"`
	Duration     time.Duration    `json:"duration"`
	Attempts     int              `json:"attempts"`
	AgentUsed    string           `json:"agent_used,omitempty"`
	FallbackUsed bool             `json:"fallback_used,omitempty"`
	Optional     bool             `json:"optional,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
}

// Success reports whether the step completed (skip counts as success).
func (r *StepResult) Success() bool {
	return r.Status == StepCompleted || r.Status == StepSkipped || r.Status == StepHalted
}

// Context is the read surface of a running workflow exposed to conditions,
// input resolvers, and step bodies. Results are written by the walker (and
// by parallel members) and read by later steps.
type Context struct {
	WorkflowID   string
	WorkflowType string
	Input        any

	mu      sync.RWMutex
	results map[string]*StepResult
	order   []string
}

func newContext(id, workflowType string, input any) *Context {
	return &Context{
		WorkflowID:   id,
		WorkflowType: workflowType,
		Input:        input,
		results:      make(map[string]*StepResult),
	}
}

// Result returns the recorded result of a named step.
func (c *Context) Result(name string) (*StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[name]
	return r, ok
}

// Output returns the output of a named step, or nil if absent.
func (c *Context) Output(name string) any {
	if r, ok := c.Result(name); ok {
		return r.Output
	}
	return nil
}

// Results returns all recorded results keyed by step name.
func (c *Context) Results() map[string]*StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*StepResult, len(c.results))
	for name, r := range c.results {
		out[name] = r
	}
	return out
}

// Order returns step names in recording order.
func (c *Context) Order() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

func (c *Context) record(r *StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[r.Step]; !exists {
		c.order = append(c.order, r.Step)
	}
	c.results[r.Step] = r
}

// StepContext is handed to step bodies, error handlers, and item mappers.
// It exposes the resolved input, prior results, and the three control
// signals for non-local exits.
type StepContext struct {
	*Context
	Step  string
	Input any

	// Item and Index are set only inside iteration steps.
	Item  any
	Index int
}

// Skip ends the step with a skipped result carrying defaultValue.
func (s *StepContext) Skip(reason string, defaultValue any) error {
	return &skipSignal{reason: reason, defaultValue: defaultValue}
}

// Halt ends the whole workflow successfully with result.
func (s *StepContext) Halt(result any) error {
	return &types.WorkflowHaltedError{Result: result}
}

// Fail ends the step with an explicit failure.
func (s *StepContext) Fail(message string) error {
	return &types.StepFailedError{Step: s.Step, Message: message}
}

// skipSignal is the non-local exit produced by StepContext.Skip. It stays
// package-private: callers observe a skipped StepResult, never the signal.
type skipSignal struct {
	reason       string
	defaultValue any
}

func (s *skipSignal) Error() string {
	return "step skipped: " + s.reason
}
