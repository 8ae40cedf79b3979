package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adham90/agentrun/approval"
	"github.com/adham90/agentrun/internal/metrics"
	"github.com/adham90/agentrun/notify"
	"github.com/adham90/agentrun/types"
)

// WaitKind discriminates the four wait behaviors.
type WaitKind string

const (
	WaitDelay    WaitKind = "delay"
	WaitUntil    WaitKind = "until"
	WaitSchedule WaitKind = "schedule"
	WaitApproval WaitKind = "approval"
)

// TimeoutAction is what the walker does when a wait times out.
type TimeoutAction string

const (
	TimeoutFail     TimeoutAction = "fail"
	TimeoutContinue TimeoutAction = "continue"
	TimeoutSkipNext TimeoutAction = "skip_next"
	TimeoutEscalate TimeoutAction = "escalate"
)

// WaitStatus is the terminal state of a wait step.
type WaitStatus string

const (
	WaitSucceeded   WaitStatus = "success"
	WaitTimedOut    WaitStatus = "timeout"
	WaitWasApproved WaitStatus = "approved"
	WaitWasRejected WaitStatus = "rejected"
)

// ApprovalSpec configures an approval wait: the gate name, who may decide,
// and which channels to notify when the gate opens.
type ApprovalSpec struct {
	Name           string
	Approvers      []string
	NotifyChannels []string
	Message        string
	Metadata       map[string]any
}

// WaitConfig defines one wait step, discriminated by Kind.
type WaitConfig struct {
	Name string
	Kind WaitKind

	// Duration is the fixed sleep for WaitDelay.
	Duration time.Duration
	// Until is polled for WaitUntil; the wait ends on the first true.
	Until Condition
	// ScheduleAt computes the absolute target time for WaitSchedule. A
	// return value that is not a time.Time is a configuration error.
	ScheduleAt func(wf *Context) any
	// Approval configures the gate for WaitApproval.
	Approval *ApprovalSpec

	// PollInterval is the base poll period for until/approval waits.
	PollInterval time.Duration
	// Backoff multiplies the poll interval after each miss; values <= 1
	// keep the interval fixed. MaxInterval caps the growth.
	Backoff     float64
	MaxInterval time.Duration
	// Timeout bounds until/approval waits. Zero means wait forever.
	Timeout time.Duration
	// OnTimeout picks the walker's reaction; default is TimeoutFail.
	OnTimeout TimeoutAction
	// EscalateTo names the channels notified for TimeoutEscalate.
	EscalateTo []string

	// Optional applies the usual step policy to a failing wait.
	Optional bool
}

// Validate reports configuration errors for the declared kind.
func (c *WaitConfig) Validate() error {
	if c.Name == "" {
		return types.NewError(types.ErrInvalidWaitConfig, "wait step name is required")
	}
	switch c.Kind {
	case WaitDelay:
		if c.Duration <= 0 {
			return types.NewError(types.ErrInvalidWaitConfig,
				"wait step "+c.Name+": delay needs a positive duration")
		}
	case WaitUntil:
		if c.Until == nil {
			return types.NewError(types.ErrInvalidWaitConfig,
				"wait step "+c.Name+": until needs a predicate")
		}
	case WaitSchedule:
		if c.ScheduleAt == nil {
			return types.NewError(types.ErrInvalidWaitConfig,
				"wait step "+c.Name+": schedule needs a target-time predicate")
		}
	case WaitApproval:
		if c.Approval == nil || c.Approval.Name == "" {
			return types.NewError(types.ErrInvalidWaitConfig,
				"wait step "+c.Name+": approval needs a named gate")
		}
	default:
		return types.NewError(types.ErrInvalidWaitConfig,
			fmt.Sprintf("wait step %s: unknown kind %q", c.Name, c.Kind))
	}
	switch c.OnTimeout {
	case "", TimeoutFail, TimeoutContinue, TimeoutSkipNext, TimeoutEscalate:
	default:
		return types.NewError(types.ErrInvalidWaitConfig,
			fmt.Sprintf("wait step %s: unknown on_timeout %q", c.Name, c.OnTimeout))
	}
	return nil
}

func (c *WaitConfig) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return time.Second
}

func (c *WaitConfig) timeoutAction() TimeoutAction {
	if c.OnTimeout == "" {
		return TimeoutFail
	}
	return c.OnTimeout
}

// WaitResult is the outcome of one wait step. The walker acts on the
// ShouldContinue/ShouldSkipNext predicates instead of inspecting internals.
type WaitResult struct {
	Name          string             `json:"name"`
	Status        WaitStatus         `json:"status"`
	TimeoutAction TimeoutAction      `json:"timeout_action,omitempty"`
	Polls         int                `json:"polls"`
	Elapsed       time.Duration      `json:"elapsed"`
	Approval      *approval.Approval `json:"approval,omitempty"`
}

// ShouldContinue reports whether the workflow keeps scheduling after this
// wait. Timeouts continue under the continue, skip_next, and escalate
// actions; rejection and a fail-action timeout stop the workflow.
func (r *WaitResult) ShouldContinue() bool {
	switch r.Status {
	case WaitSucceeded, WaitWasApproved:
		return true
	case WaitTimedOut:
		return r.TimeoutAction != TimeoutFail
	default:
		return false
	}
}

// ShouldSkipNext reports whether the step after this wait must be skipped.
func (r *WaitResult) ShouldSkipNext() bool {
	return r.Status == WaitTimedOut && r.TimeoutAction == TimeoutSkipNext
}

// WaitExecutor runs wait steps against an approval store and a notifier
// registry. Both collaborators are optional for kinds that do not use them.
type WaitExecutor struct {
	workflow     string
	workflowType string
	approvals    approval.Store
	notifiers    *notify.Registry
	collector    *metrics.Collector
	logger       *zap.Logger
}

// NewWaitExecutor creates a wait executor scoped to one workflow name.
func NewWaitExecutor(workflow, workflowType string, approvals approval.Store, notifiers *notify.Registry, collector *metrics.Collector, logger *zap.Logger) *WaitExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WaitExecutor{
		workflow:     workflow,
		workflowType: workflowType,
		approvals:    approvals,
		notifiers:    notifiers,
		collector:    collector,
		logger:       logger.With(zap.String("component", "workflow.wait"), zap.String("workflow", workflow)),
	}
}

// Execute runs one wait step to its terminal state. Configuration errors
// and missing collaborators surface as errors; timeouts do not.
func (e *WaitExecutor) Execute(ctx context.Context, wf *Context, config WaitConfig) (*WaitResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &WaitResult{Name: config.Name}

	var err error
	switch config.Kind {
	case WaitDelay:
		err = e.waitDelay(ctx, config, result)
	case WaitUntil:
		err = e.waitUntil(ctx, wf, config, result)
	case WaitSchedule:
		err = e.waitSchedule(ctx, wf, config, result)
	case WaitApproval:
		err = e.waitApproval(ctx, wf, config, result)
	}
	result.Elapsed = time.Since(start)
	if err != nil {
		return nil, err
	}

	if result.Status == WaitTimedOut {
		result.TimeoutAction = config.timeoutAction()
		if result.TimeoutAction == TimeoutEscalate {
			e.escalate(ctx, wf, config, result)
		}
	}

	e.logger.Debug("wait finished",
		zap.String("wait", config.Name),
		zap.String("kind", string(config.Kind)),
		zap.String("status", string(result.Status)),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// waitDelay blocks for the fixed duration. No timeout applies.
func (e *WaitExecutor) waitDelay(ctx context.Context, config WaitConfig, result *WaitResult) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(config.Duration):
		result.Status = WaitSucceeded
		return nil
	}
}

// waitUntil polls the predicate, growing the interval by the backoff factor
// up to MaxInterval, until it is true or the timeout elapses.
func (e *WaitExecutor) waitUntil(ctx context.Context, wf *Context, config WaitConfig, result *WaitResult) error {
	deadline := waitDeadline(config.Timeout)
	interval := config.pollInterval()

	for {
		result.Polls++
		e.collector.RecordWaitPoll(e.workflow, string(WaitUntil))
		if config.Until(wf) {
			result.Status = WaitSucceeded
			return nil
		}
		if expired(deadline) {
			result.Status = WaitTimedOut
			return nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
		interval = nextInterval(interval, config.Backoff, config.MaxInterval)
	}
}

// waitSchedule asks the predicate for an absolute target time and sleeps the
// remaining delta, floored at zero.
func (e *WaitExecutor) waitSchedule(ctx context.Context, wf *Context, config WaitConfig, result *WaitResult) error {
	target, ok := config.ScheduleAt(wf).(time.Time)
	if !ok {
		return types.NewError(types.ErrInvalidWaitConfig,
			"wait step "+config.Name+": schedule predicate did not return a time")
	}

	delta := time.Until(target)
	if delta > 0 {
		if err := sleepCtx(ctx, delta); err != nil {
			return err
		}
	}
	result.Status = WaitSucceeded
	return nil
}

// waitApproval finds or creates the named gate, notifies the configured
// channels, and polls the store until the approval leaves pending or the
// timeout elapses. A timed-out gate is expired in the store.
func (e *WaitExecutor) waitApproval(ctx context.Context, wf *Context, config WaitConfig, result *WaitResult) error {
	if e.approvals == nil {
		return types.NewError(types.ErrInvalidWaitConfig,
			"wait step "+config.Name+": no approval store configured")
	}
	spec := config.Approval

	a, err := e.approvals.FindByName(ctx, wf.WorkflowID, spec.Name)
	var notFound *approval.ErrNotFound
	if errors.As(err, &notFound) {
		opts := []approval.Option{approval.WithApprovers(spec.Approvers...)}
		if config.Timeout > 0 {
			opts = append(opts, approval.WithExpiry(time.Now().Add(config.Timeout)))
		}
		if spec.Metadata != nil {
			opts = append(opts, approval.WithMetadata(spec.Metadata))
		}
		a = approval.New(wf.WorkflowID, e.workflowType, spec.Name, opts...)
		if err := e.approvals.Save(ctx, a); err != nil {
			return fmt.Errorf("create approval %s: %w", spec.Name, err)
		}
		e.notifyChannels(ctx, a, spec)
	} else if err != nil {
		return fmt.Errorf("find approval %s: %w", spec.Name, err)
	}
	result.Approval = a

	deadline := waitDeadline(config.Timeout)
	interval := config.pollInterval()

	for {
		result.Polls++
		e.collector.RecordWaitPoll(e.workflow, string(WaitApproval))

		current, err := e.approvals.Find(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("poll approval %s: %w", a.ID, err)
		}
		result.Approval = current

		switch current.Status {
		case approval.StatusApproved:
			result.Status = WaitWasApproved
			return nil
		case approval.StatusRejected:
			result.Status = WaitWasRejected
			return nil
		case approval.StatusExpired:
			result.Status = WaitTimedOut
			return nil
		}

		if expired(deadline) {
			// Close the gate so a late decision cannot land after the
			// workflow moved on.
			updated, expireErr := e.approvals.Update(ctx, a.ID, func(pending *approval.Approval) error {
				return pending.Expire()
			})
			if expireErr == nil {
				result.Approval = updated
			}
			result.Status = WaitTimedOut
			return nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
		interval = nextInterval(interval, config.Backoff, config.MaxInterval)
	}
}

func (e *WaitExecutor) notifyChannels(ctx context.Context, a *approval.Approval, spec *ApprovalSpec) {
	if e.notifiers == nil || len(spec.NotifyChannels) == 0 {
		return
	}
	message := spec.Message
	if message == "" {
		message = fmt.Sprintf("Workflow %s is waiting on approval %q", a.WorkflowID, a.Name)
	}
	e.notifiers.NotifyAll(ctx, a, message, spec.NotifyChannels)
}

func (e *WaitExecutor) escalate(ctx context.Context, wf *Context, config WaitConfig, result *WaitResult) {
	if e.notifiers == nil || len(config.EscalateTo) == 0 {
		return
	}
	a := result.Approval
	if a == nil {
		a = approval.New(wf.WorkflowID, e.workflowType, config.Name)
	}
	message := fmt.Sprintf("Wait step %q timed out after %s", config.Name, result.Elapsed.Round(time.Millisecond))
	e.notifiers.Escalate(ctx, a, message, config.EscalateTo)
}

// sleepCtx sleeps for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func waitDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func nextInterval(current time.Duration, backoff float64, max time.Duration) time.Duration {
	if backoff <= 1 {
		return current
	}
	next := time.Duration(float64(current) * backoff)
	if max > 0 && next > max {
		return max
	}
	return next
}
