package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adham90/agentrun/internal/metrics"
	"github.com/adham90/agentrun/reliability"
	"github.com/adham90/agentrun/types"
)

// StepExecutor drives one step through its state machine:
// pending → condition-check → {skipped | executing} → {success | retrying |
// falling-back | error-handled | failed}.
type StepExecutor struct {
	workflow  string
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewStepExecutor creates a step executor scoped to one workflow name.
func NewStepExecutor(workflow string, collector *metrics.Collector, logger *zap.Logger) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{
		workflow:  workflow,
		collector: collector,
		logger:    logger.With(zap.String("component", "workflow"), zap.String("workflow", workflow)),
	}
}

// Execute runs config against the workflow state and returns its result.
// Failures never propagate as errors; they are carried in the result so the
// walker can apply the optional/critical policy in one place.
func (e *StepExecutor) Execute(ctx context.Context, wf *Context, config StepConfig) *StepResult {
	start := time.Now()
	result := e.execute(ctx, wf, config)
	result.Duration = time.Since(start)
	result.Optional = config.Options.Optional
	result.Tags = config.Options.Tags

	e.collector.RecordStep(e.workflow, config.Name, string(result.Status), result.Duration)

	switch result.Status {
	case StepSkipped:
		e.logger.Debug("step skipped",
			zap.String("step", config.Name),
			zap.String("reason", result.SkipReason))
	case StepFailed:
		e.logger.Warn("step failed",
			zap.String("step", config.Name),
			zap.Bool("optional", result.Optional),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err))
	default:
		e.logger.Debug("step finished",
			zap.String("step", config.Name),
			zap.String("status", string(result.Status)),
			zap.Duration("duration", result.Duration))
	}
	return result
}

func (e *StepExecutor) execute(ctx context.Context, wf *Context, config StepConfig) *StepResult {
	if err := config.Validate(); err != nil {
		return &StepResult{Step: config.Name, Status: StepFailed, Err: err}
	}

	// Condition check: a false If or a true Unless skips with no side effects.
	if config.Options.If != nil && !config.Options.If(wf) {
		return skippedResult(config, "if condition false")
	}
	if config.Options.Unless != nil && config.Options.Unless(wf) {
		return skippedResult(config, "unless condition true")
	}

	input := wf.Input
	if config.Options.Input != nil {
		resolved, err := config.Options.Input(wf)
		if err != nil {
			return e.failed(config, &types.StepFailedError{
				Step: config.Name, Message: "input resolver failed", Cause: err,
			})
		}
		input = resolved
	}

	stepCtx := &StepContext{Context: wf, Step: config.Name, Input: input}

	output, usage, attempts, agentUsed, fallbackUsed, err := e.invoke(ctx, config, stepCtx)
	result := &StepResult{
		Step:         config.Name,
		Usage:        usage,
		Attempts:     attempts,
		AgentUsed:    agentUsed,
		FallbackUsed: fallbackUsed,
	}

	if err == nil {
		result.Status = StepCompleted
		result.Output = output
		return result
	}

	// Control signals end the step without going through error handling.
	var skip *skipSignal
	if errors.As(err, &skip) {
		result.Status = StepSkipped
		result.SkipReason = skip.reason
		result.Output = skip.defaultValue
		return result
	}
	var halted *types.WorkflowHaltedError
	if errors.As(err, &halted) {
		result.Status = StepHalted
		result.Output = halted.Result
		return result
	}

	if config.Options.OnError != nil {
		substitute, handlerErr := config.Options.OnError(ctx, stepCtx, err)
		if handlerErr == nil {
			result.Status = StepCompleted
			result.Output = substitute
			return result
		}
		// A handler may itself halt the workflow.
		if errors.As(handlerErr, &halted) {
			result.Status = StepHalted
			result.Output = halted.Result
			return result
		}
		err = handlerErr
	}

	result.Status = StepFailed
	result.Err = wrapStepError(config.Name, err)
	return result
}

// invoke runs the step body: the primary agent (or run block) with its retry
// spec, then each fallback agent in order. The first success wins.
func (e *StepExecutor) invoke(
	ctx context.Context,
	config StepConfig,
	stepCtx *StepContext,
) (output any, usage types.TokenUsage, attempts int, agentUsed string, fallbackUsed bool, err error) {
	output, usage, attempts, err = e.attemptLoop(ctx, config, stepCtx, config.Agent, config.Options.Retry)
	if config.Agent != nil {
		agentUsed = config.Agent.Name()
	} else {
		agentUsed = config.Name
	}
	if err == nil || isControlSignal(err) {
		return output, usage, attempts, agentUsed, false, err
	}

	for _, fallback := range config.Options.Fallbacks {
		e.logger.Info("trying fallback agent",
			zap.String("step", config.Name),
			zap.String("agent", fallback.Name()),
			zap.Error(err))

		fbOutput, fbUsage, fbAttempts, fbErr := e.attemptLoop(ctx, config, stepCtx, fallback, config.Options.FallbackRetry)
		usage.Add(fbUsage)
		attempts += fbAttempts
		if fbErr == nil || isControlSignal(fbErr) {
			return fbOutput, usage, attempts, fallback.Name(), true, fbErr
		}
		err = fbErr
	}

	return nil, usage, attempts, agentUsed, fallbackUsed, err
}

// attemptLoop re-invokes one agent (or the run block) per the retry spec.
// A nil spec means a single attempt.
func (e *StepExecutor) attemptLoop(
	ctx context.Context,
	config StepConfig,
	stepCtx *StepContext,
	agent types.Agent,
	retry *reliability.RetryStrategy,
) (any, types.TokenUsage, int, error) {
	var usage types.TokenUsage
	attempt := 1

	for {
		output, attemptUsage, err := e.attemptOnce(ctx, config, stepCtx, agent)
		usage.Add(attemptUsage)

		if err == nil || isControlSignal(err) {
			return output, usage, attempt, err
		}
		if retry == nil || !retry.Retryable(err) || !retry.ShouldRetry(attempt) {
			return nil, usage, attempt, err
		}

		delay := retry.DelayFor(attempt)
		e.logger.Debug("retrying step",
			zap.String("step", config.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, usage, attempt, fmt.Errorf("step retry canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
		attempt++
	}
}

// attemptOnce performs a single invocation under the step's own timeout.
func (e *StepExecutor) attemptOnce(
	ctx context.Context,
	config StepConfig,
	stepCtx *StepContext,
	agent types.Agent,
) (any, types.TokenUsage, error) {
	if config.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Options.Timeout)
		defer cancel()
	}

	if agent != nil {
		result, err := agent.Invoke(ctx, stepCtx.Input)
		if err != nil {
			return nil, types.TokenUsage{}, err
		}
		return result.Content, result.Usage(), nil
	}
	output, err := config.Run(ctx, stepCtx)
	return output, types.TokenUsage{}, err
}

func (e *StepExecutor) failed(config StepConfig, err error) *StepResult {
	return &StepResult{Step: config.Name, Status: StepFailed, Err: err}
}

func skippedResult(config StepConfig, reason string) *StepResult {
	return &StepResult{
		Step:       config.Name,
		Status:     StepSkipped,
		SkipReason: reason,
		Output:     config.Options.Default,
	}
}

// isControlSignal reports whether err is a skip or halt signal rather than a
// genuine failure. Signals bypass retries, fallbacks, and error handlers.
func isControlSignal(err error) bool {
	var skip *skipSignal
	var halted *types.WorkflowHaltedError
	return errors.As(err, &skip) || errors.As(err, &halted)
}

// wrapStepError normalizes a step failure into a StepFailedError unless it
// already is one for this step.
func wrapStepError(step string, err error) error {
	var sfe *types.StepFailedError
	if errors.As(err, &sfe) && sfe.Step == step {
		return err
	}
	return &types.StepFailedError{Step: step, Message: "step execution failed", Cause: err}
}
