package workflow

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/adham90/agentrun/types"
)

// SourceResolver produces the collection an each-step iterates over. It is
// resolved exactly once per execution.
type SourceResolver func(wf *Context) ([]any, error)

// ItemInputFunc maps one source item to a step input. Nil means passthrough.
type ItemInputFunc func(wf *Context, item any, index int) any

// EachConfig defines an iteration step: a source collection, a per-item
// body (agent or run block), and the error policy.
type EachConfig struct {
	Name      string
	Source    SourceResolver
	ItemInput ItemInputFunc
	Agent     types.Agent
	Run       RunFunc

	// Concurrency > 1 processes up to that many items at once; otherwise
	// items run sequentially in source order.
	Concurrency int
	// FailFast stops dispatching new items after the first error.
	FailFast bool
	// ContinueOnError collects per-index errors and keeps going.
	ContinueOnError bool

	// Optional marks iteration failure as non-fatal for the workflow.
	Optional bool
	Options  StepOptions
}

// Validate reports configuration errors.
func (c *EachConfig) Validate() error {
	if c.Name == "" {
		return types.NewError(types.ErrInvalidStepConfig, "each step name is required")
	}
	if c.Source == nil {
		return types.NewError(types.ErrInvalidStepConfig,
			"each step "+c.Name+" needs a source resolver")
	}
	if (c.Agent == nil) == (c.Run == nil) {
		return types.NewError(types.ErrInvalidStepConfig,
			"each step "+c.Name+" needs exactly one of agent or run block")
	}
	if c.FailFast && c.ContinueOnError {
		return types.NewError(types.ErrInvalidStepConfig,
			"each step "+c.Name+": fail_fast and continue_on_error are mutually exclusive")
	}
	return nil
}

// IterationResult is the outcome of one each-step. ItemResults holds the
// outputs of successful items in source order (failed items leave no entry);
// Errors is keyed by source index.
//
// Success policy: a run with any per-item error is not a success, even under
// ContinueOnError; Completed answers the separate question "did the loop run
// to the end without aborting".
type IterationResult struct {
	Step        string           `json:"step"`
	ItemResults []any            `json:"item_results"`
	Errors      map[int]error    `json:"-"`
	Usage       types.TokenUsage `json:"usage"`
	Processed   int              `json:"processed"`
	Completed   bool             `json:"completed"`
}

// Success reports whether every processed item succeeded.
func (r *IterationResult) Success() bool {
	return len(r.Errors) == 0
}

// executeEach resolves the source once and runs the body per item. A source
// resolver failure surfaces as IterationSourceError without touching items.
func (e *StepExecutor) executeEach(ctx context.Context, wf *Context, config EachConfig) (*IterationResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	items, err := config.Source(wf)
	if err != nil {
		return nil, &types.IterationSourceError{Step: config.Name, Cause: err}
	}

	result := &IterationResult{
		Step:   config.Name,
		Errors: make(map[int]error),
	}
	if len(items) == 0 {
		result.Completed = true
		return result, nil
	}

	var outputs []any
	var usages []types.TokenUsage
	var done []bool
	if config.Concurrency > 1 {
		outputs, usages, done, result.Completed = e.eachConcurrent(ctx, wf, config, items, result.Errors)
	} else {
		outputs, usages, done, result.Completed = e.eachSequential(ctx, wf, config, items, result.Errors)
	}

	// Reassemble in source order by index, not completion order. Failed
	// items leave no ItemResults entry.
	for i := range items {
		if !done[i] {
			continue
		}
		result.Processed++
		if _, failed := result.Errors[i]; failed {
			continue
		}
		result.ItemResults = append(result.ItemResults, outputs[i])
	}
	for _, u := range usages {
		result.Usage.Add(u)
	}

	e.logger.Debug("iteration finished",
		zap.String("step", config.Name),
		zap.Int("items", len(items)),
		zap.Int("processed", result.Processed),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("completed", result.Completed))
	return result, nil
}

func (e *StepExecutor) eachSequential(
	ctx context.Context,
	wf *Context,
	config EachConfig,
	items []any,
	errs map[int]error,
) (outputs []any, usages []types.TokenUsage, done []bool, completed bool) {
	outputs = make([]any, len(items))
	usages = make([]types.TokenUsage, len(items))
	done = make([]bool, len(items))

	for i, item := range items {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			done[i] = true
			return outputs, usages, done, false
		}
		output, usage, err := e.runItem(ctx, wf, config, item, i)
		done[i] = true
		usages[i] = usage
		if err != nil {
			errs[i] = err
			e.collector.RecordIterationItem(e.workflow, config.Name, "error")
			if !config.ContinueOnError {
				// FailFast and the default both stop here.
				return outputs, usages, done, false
			}
			continue
		}
		outputs[i] = output
		e.collector.RecordIterationItem(e.workflow, config.Name, "success")
	}
	return outputs, usages, done, true
}

func (e *StepExecutor) eachConcurrent(
	ctx context.Context,
	wf *Context,
	config EachConfig,
	items []any,
	errs map[int]error,
) (outputs []any, usages []types.TokenUsage, done []bool, completed bool) {
	outputs = make([]any, len(items))
	usages = make([]types.TokenUsage, len(items))
	done = make([]bool, len(items))

	sem := semaphore.NewWeighted(int64(config.Concurrency))
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	dispatched := 0

	for i, item := range items {
		if err := sem.Acquire(dispatchCtx, 1); err != nil {
			// FailFast canceled dispatch; items already running finish on
			// their own.
			break
		}
		mu.Lock()
		stopped := config.FailFast && len(errs) > 0
		mu.Unlock()
		if stopped {
			sem.Release(1)
			break
		}

		dispatched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			output, usage, err := e.runItem(ctx, wf, config, item, i)

			mu.Lock()
			defer mu.Unlock()
			done[i] = true
			usages[i] = usage
			if err != nil {
				errs[i] = err
				e.collector.RecordIterationItem(e.workflow, config.Name, "error")
				if config.FailFast {
					cancel()
				}
				return
			}
			outputs[i] = output
			e.collector.RecordIterationItem(e.workflow, config.Name, "success")
		}()
	}
	wg.Wait()

	return outputs, usages, done, dispatched == len(items)
}

// runItem executes the body once for a single item under the step timeout.
func (e *StepExecutor) runItem(
	ctx context.Context,
	wf *Context,
	config EachConfig,
	item any,
	index int,
) (any, types.TokenUsage, error) {
	input := item
	if config.ItemInput != nil {
		input = config.ItemInput(wf, item, index)
	}

	if config.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Options.Timeout)
		defer cancel()
	}

	if config.Agent != nil {
		result, err := config.Agent.Invoke(ctx, input)
		if err != nil {
			return nil, types.TokenUsage{}, err
		}
		return result.Content, result.Usage(), nil
	}

	stepCtx := &StepContext{Context: wf, Step: config.Name, Input: input, Item: item, Index: index}
	output, err := config.Run(ctx, stepCtx)
	return output, types.TokenUsage{}, err
}
