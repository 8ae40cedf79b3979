package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/adham90/agentrun/approval"
	"github.com/adham90/agentrun/internal/metrics"
	"github.com/adham90/agentrun/notify"
	"github.com/adham90/agentrun/types"
)

// Status is the overall outcome of a workflow execution.
type Status string

const (
	// StatusCompleted means every step succeeded or was skipped.
	StatusCompleted Status = "completed"
	// StatusPartial means at least one optional step failed but scheduling
	// ran to the end.
	StatusPartial Status = "partial"
	// StatusError means a critical step failed and scheduling stopped.
	StatusError Status = "error"
	// StatusHalted means a step ended the workflow early via Halt.
	StatusHalted Status = "halted"
)

const tracerName = "github.com/adham90/agentrun/workflow"

type entryKind string

const (
	entryStep     entryKind = "step"
	entryParallel entryKind = "parallel"
	entryEach     entryKind = "each"
	entryWait     entryKind = "wait"
	entryRoute    entryKind = "route"
)

// entry is one scheduled unit of the workflow walk.
type entry struct {
	kind  entryKind
	step  *StepConfig
	group *ParallelGroup
	each  *EachConfig
	wait  *WaitConfig
	route *RouteConfig
}

func (e *entry) name() string {
	switch e.kind {
	case entryStep:
		return e.step.Name
	case entryParallel:
		return e.group.Name
	case entryEach:
		return e.each.Name
	case entryWait:
		return e.wait.Name
	case entryRoute:
		return e.route.Name
	}
	return ""
}

// Workflow is an ordered list of entries executed per the step state
// machine. Build it once, execute it many times; each execution gets its
// own Context and result map.
type Workflow struct {
	name      string
	entries   []entry
	timeout   time.Duration
	approvals approval.Store
	notifiers *notify.Registry
	collector *metrics.Collector
	logger    *zap.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithTimeout bounds the whole execution wall-clock time.
func WithTimeout(timeout time.Duration) Option {
	return func(w *Workflow) {
		w.timeout = timeout
	}
}

// WithApprovalStore wires the store backing approval wait steps.
func WithApprovalStore(store approval.Store) Option {
	return func(w *Workflow) {
		w.approvals = store
	}
}

// WithNotifiers wires the registry used by approval and escalation sends.
func WithNotifiers(registry *notify.Registry) Option {
	return func(w *Workflow) {
		w.notifiers = registry
	}
}

// WithMetrics records step and workflow outcomes to the collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(w *Workflow) {
		w.collector = collector
	}
}

// WithLogger sets the workflow logger; nil falls back to a no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// New creates an empty workflow with the given type name.
func New(name string, opts ...Option) *Workflow {
	w := &Workflow{name: name}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.With(zap.String("component", "workflow"), zap.String("workflow", name))
	return w
}

// Step appends a sequential step.
func (w *Workflow) Step(config StepConfig) *Workflow {
	w.entries = append(w.entries, entry{kind: entryStep, step: &config})
	return w
}

// Parallel appends a group whose members run concurrently.
func (w *Workflow) Parallel(group ParallelGroup) *Workflow {
	w.entries = append(w.entries, entry{kind: entryParallel, group: &group})
	return w
}

// Each appends an iteration step.
func (w *Workflow) Each(config EachConfig) *Workflow {
	w.entries = append(w.entries, entry{kind: entryEach, each: &config})
	return w
}

// Wait appends a wait step.
func (w *Workflow) Wait(config WaitConfig) *Workflow {
	w.entries = append(w.entries, entry{kind: entryWait, wait: &config})
	return w
}

// Route appends a routing step.
func (w *Workflow) Route(config RouteConfig) *Workflow {
	w.entries = append(w.entries, entry{kind: entryRoute, route: &config})
	return w
}

// Result is the outcome of one workflow execution.
type Result struct {
	WorkflowID string                 `json:"workflow_id"`
	Workflow   string                 `json:"workflow"`
	Status     Status                 `json:"status"`
	Output     any                    `json:"output,omitempty"`
	Steps      map[string]*StepResult `json:"steps"`
	Order      []string               `json:"order"`
	Usage      types.TokenUsage       `json:"usage"`
	Duration   time.Duration          `json:"duration"`
	Err        error                  `json:"-"`
}

// Success reports whether the execution ended without a critical failure.
func (r *Result) Success() bool {
	return r.Status != StatusError
}

// Execute walks the entries in order. The walk is single-threaded; only
// parallel groups and concurrent iteration fan out, and both join before
// the walk continues.
func (w *Workflow) Execute(ctx context.Context, input any) (*Result, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	id := "run_" + uuid.NewString()
	wfCtx := newContext(id, w.name, input)
	stepExec := NewStepExecutor(w.name, w.collector, w.logger)
	waitExec := NewWaitExecutor(w.name, w.name, w.approvals, w.notifiers, w.collector, w.logger)
	tracer := otel.Tracer(tracerName)

	start := time.Now()
	w.logger.Info("workflow started", zap.String("workflow_id", id))

	walk := &walkState{}
	for i := range w.entries {
		ent := &w.entries[i]

		spanCtx, span := tracer.Start(ctx, "workflow."+string(ent.kind))
		span.SetAttributes(
			attribute.String("workflow.name", w.name),
			attribute.String("workflow.id", id),
			attribute.String("workflow.entry", ent.name()),
		)

		w.executeEntry(spanCtx, wfCtx, stepExec, waitExec, ent, walk)

		if walk.err != nil {
			span.SetAttributes(attribute.String("error", walk.err.Error()))
		}
		span.End()

		if walk.stopped() {
			break
		}
	}

	result := w.buildResult(id, wfCtx, walk, time.Since(start))
	w.collector.RecordWorkflow(w.name, string(result.Status), result.Duration)
	w.logger.Info("workflow finished",
		zap.String("workflow_id", id),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration))
	return result, result.Err
}

// walkState accumulates the walker's control decisions across entries.
type walkState struct {
	partial    bool
	skipNext   bool
	halted     bool
	haltResult any
	failed     bool
	err        error
	lastOutput any
}

func (s *walkState) stopped() bool {
	return s.halted || s.failed
}

// fail applies the optional/critical policy to an entry failure.
func (s *walkState) fail(optional bool, err error) {
	if optional {
		s.partial = true
		return
	}
	s.failed = true
	s.err = err
}

func (w *Workflow) executeEntry(
	ctx context.Context,
	wfCtx *Context,
	stepExec *StepExecutor,
	waitExec *WaitExecutor,
	ent *entry,
	walk *walkState,
) {
	if walk.skipNext {
		walk.skipNext = false
		wfCtx.record(&StepResult{
			Step:       ent.name(),
			Status:     StepSkipped,
			SkipReason: "skipped by previous wait timeout",
		})
		return
	}

	switch ent.kind {
	case entryStep:
		w.applyStepResult(wfCtx, walk, stepExec.Execute(ctx, wfCtx, *ent.step), ent.step.critical())

	case entryParallel:
		w.applyGroupResult(wfCtx, walk, stepExec.executeGroup(ctx, wfCtx, *ent.group), ent.group)

	case entryEach:
		w.applyEachResult(ctx, wfCtx, walk, stepExec, ent.each)

	case entryWait:
		w.applyWaitResult(ctx, wfCtx, walk, waitExec, ent.wait)

	case entryRoute:
		result, err := stepExec.executeRoute(ctx, wfCtx, *ent.route)
		if err != nil {
			wfCtx.record(&StepResult{Step: ent.route.Name, Status: StepFailed, Err: err})
			walk.fail(false, err)
			return
		}
		w.applyStepResult(wfCtx, walk, result, !result.Optional)
	}
}

func (w *Workflow) applyStepResult(wfCtx *Context, walk *walkState, r *StepResult, critical bool) {
	wfCtx.record(r)
	switch r.Status {
	case StepHalted:
		walk.halted = true
		walk.haltResult = r.Output
	case StepFailed:
		walk.fail(!critical, r.Err)
	default:
		walk.lastOutput = r.Output
	}
}

func (w *Workflow) applyGroupResult(wfCtx *Context, walk *walkState, gr *GroupResult, group *ParallelGroup) {
	// Member results are already recorded; the group-level record carries
	// the aggregate view. Usage stays on the members to avoid double counts.
	groupResult := &StepResult{
		Step:   group.Name,
		Status: StepCompleted,
		Output: gr.Content,
	}
	if gr.Halted != nil {
		walk.halted = true
		walk.haltResult = gr.Halted.Output
		groupResult.Status = StepHalted
		wfCtx.record(groupResult)
		return
	}
	if !gr.Success {
		groupResult.Status = StepFailed
		groupResult.Err = &types.StepFailedError{
			Step:    group.Name,
			Message: "parallel group member failed",
			Cause:   firstError(gr.Errors),
		}
		wfCtx.record(groupResult)
		walk.fail(group.Optional, groupResult.Err)
		return
	}
	if len(gr.Errors) > 0 {
		// Optional members failed; the group stands but the workflow is
		// no longer fully clean.
		walk.partial = true
	}
	wfCtx.record(groupResult)
	walk.lastOutput = gr.Content
}

func (w *Workflow) applyEachResult(ctx context.Context, wfCtx *Context, walk *walkState, stepExec *StepExecutor, config *EachConfig) {
	ir, err := stepExec.executeEach(ctx, wfCtx, *config)
	if err != nil {
		wfCtx.record(&StepResult{Step: config.Name, Status: StepFailed, Err: err})
		walk.fail(config.Optional, err)
		return
	}

	result := &StepResult{
		Step:   config.Name,
		Status: StepCompleted,
		Output: ir,
		Usage:  ir.Usage,
	}
	if ir.Success() {
		wfCtx.record(result)
		walk.lastOutput = ir
		return
	}
	if config.ContinueOnError {
		// Ran to completion with per-item errors collected.
		walk.partial = true
		wfCtx.record(result)
		walk.lastOutput = ir
		return
	}
	result.Status = StepFailed
	result.Err = &types.StepFailedError{
		Step:    config.Name,
		Message: "iteration aborted on item error",
		Cause:   firstIndexError(ir.Errors),
	}
	wfCtx.record(result)
	walk.fail(config.Optional, result.Err)
}

func (w *Workflow) applyWaitResult(ctx context.Context, wfCtx *Context, walk *walkState, waitExec *WaitExecutor, config *WaitConfig) {
	wr, err := waitExec.Execute(ctx, wfCtx, *config)
	if err != nil {
		wfCtx.record(&StepResult{Step: config.Name, Status: StepFailed, Err: err})
		walk.fail(config.Optional, err)
		return
	}

	result := &StepResult{Step: config.Name, Status: StepCompleted, Output: wr}
	if !wr.ShouldContinue() {
		result.Status = StepFailed
		result.Err = &types.StepFailedError{
			Step:    config.Name,
			Message: "wait ended with status " + string(wr.Status),
		}
		wfCtx.record(result)
		walk.fail(config.Optional, result.Err)
		return
	}
	wfCtx.record(result)
	walk.skipNext = wr.ShouldSkipNext()
	walk.lastOutput = wr
}

func (w *Workflow) buildResult(id string, wfCtx *Context, walk *walkState, duration time.Duration) *Result {
	result := &Result{
		WorkflowID: id,
		Workflow:   w.name,
		Steps:      wfCtx.Results(),
		Order:      wfCtx.Order(),
		Duration:   duration,
	}
	for _, r := range result.Steps {
		result.Usage.Add(r.Usage)
	}

	switch {
	case walk.halted:
		result.Status = StatusHalted
		result.Output = walk.haltResult
	case walk.failed:
		result.Status = StatusError
		result.Err = walk.err
	case walk.partial:
		result.Status = StatusPartial
		result.Output = walk.lastOutput
	default:
		result.Status = StatusCompleted
		result.Output = walk.lastOutput
	}
	return result
}

func firstError(errs map[string]error) error {
	for _, err := range errs {
		return err
	}
	return nil
}

func firstIndexError(errs map[int]error) error {
	for _, err := range errs {
		return err
	}
	return nil
}
