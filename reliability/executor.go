package reliability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adham90/agentrun/internal/metrics"
	"github.com/adham90/agentrun/types"
)

// InvokeFunc 是调用方提供的单次 Agent 调用。调用方负责把 model
// 应用到实际请求上；框架只决定何时、以哪个模型、调用多少次。
type InvokeFunc func(ctx context.Context, model string) (*types.InvokeResult, error)

// AgentInvoke 把 Agent 适配为 InvokeFunc。实现了 types.ModelAgent 的
// Agent 按降级链请求的 model 改写目标模型；普通 Agent 忽略 model，
// 始终走自己的主模型。
func AgentInvoke(agent types.Agent, input any) InvokeFunc {
	if ma, ok := agent.(types.ModelAgent); ok {
		return func(ctx context.Context, model string) (*types.InvokeResult, error) {
			return ma.InvokeWithModel(ctx, input, model)
		}
	}
	return func(ctx context.Context, model string) (*types.InvokeResult, error) {
		return agent.Invoke(ctx, input)
	}
}

// AttemptRecord 是单次调用尝试的审计记录，提供给持久化协作方。
type AttemptRecord struct {
	Agent      string        `json:"agent"`
	Model      string        `json:"model"`
	Attempt    int           `json:"attempt"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	ErrorClass string        `json:"error_class,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// AttemptRecorder 接收每次尝试的审计记录。存储模式由实现方决定。
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, record AttemptRecord)
}

// BudgetChecker 是外部预算协作方的边界。Check 返回非 nil 即否决执行。
type BudgetChecker interface {
	// Check 在每次尝试前调用；否决时应返回 *types.BudgetExceededError。
	Check(ctx context.Context, agent string) error
	// Record 在成功调用后上报实际用量。
	Record(ctx context.Context, agent, model string, usage types.TokenUsage)
}

// ExecutorConfig 配置可靠性执行器。除 Agent 外均可选。
type ExecutorConfig struct {
	// Agent 用于熔断器键和审计记录的 Agent 标识
	Agent string
	// Retry 重试策略（nil 表示不重试）
	Retry *RetryStrategy
	// Breakers 熔断器注册表（nil 表示不熔断）
	Breakers *Registry
	// TotalTimeout 跨所有尝试与降级的总执行时限（0 表示不限制）
	TotalTimeout time.Duration
	// Recorder 审计记录接收方
	Recorder AttemptRecorder
	// Budget 预算协作方
	Budget BudgetChecker
	// Metrics 指标收集器
	Metrics *metrics.Collector
}

// Executor 把重试策略、熔断器、降级链和总时限组合为单一的执行循环。
// 这是跨模型重试逻辑存在的唯一位置。
type Executor struct {
	agent        string
	retry        *RetryStrategy
	breakers     *Registry
	totalTimeout time.Duration
	recorder     AttemptRecorder
	budget       BudgetChecker
	collector    *metrics.Collector
	logger       *zap.Logger
}

// NewExecutor 创建可靠性执行器
func NewExecutor(config ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := config.Retry
	if retry == nil {
		retry = &RetryStrategy{MaxAttempts: 0, Backoff: BackoffNone}
	}
	return &Executor{
		agent:        config.Agent,
		retry:        retry,
		breakers:     config.Breakers,
		totalTimeout: config.TotalTimeout,
		recorder:     config.Recorder,
		budget:       config.Budget,
		collector:    config.Metrics,
		logger:       logger.With(zap.String("component", "reliability"), zap.String("agent", config.Agent)),
	}
}

// Execute 沿降级链执行 fn：
//  1. 熔断器打开的模型直接跳过，推进到下一个模型。
//  2. 对当前模型循环尝试：先检查总时限与预算，成功则记录熔断成功并返回；
//     失败记录熔断失败，可重试且有额度时按退避延迟后重试同一模型，
//     否则推进到下一个模型。
//  3. 所有模型耗尽时返回携带已试列表与最后错误的 AllModelsExhaustedError。
func (e *Executor) Execute(ctx context.Context, chain *FallbackChain, fn InvokeFunc) (*types.InvokeResult, error) {
	constraints := NewExecutionConstraints(e.totalTimeout)

	var tried []string
	var lastErr error

	for !chain.Exhausted() {
		model := chain.Current()
		tried = append(tried, model)

		var breaker *Breaker
		if e.breakers != nil {
			breaker = e.breakers.Get(e.agent, model)
			if breaker.Open() {
				e.logger.Warn("skipping model, circuit breaker open", zap.String("model", model))
				e.collector.RecordBreakerSkip(e.agent, model)
				e.collector.SetBreakerOpen(e.agent, model, true)
				lastErr = types.NewError(types.ErrCircuitOpen,
					fmt.Sprintf("circuit breaker open for model %s", model))
				chain.Advance()
				continue
			}
			e.collector.SetBreakerOpen(e.agent, model, false)
		}

		result, err := e.executeModel(ctx, constraints, model, breaker, fn)
		if err == nil {
			return result, nil
		}
		if types.IsTotalTimeout(err) || types.IsBudgetExceeded(err) || ctx.Err() != nil {
			// 时限、预算否决和取消立即终止，不再降级
			return nil, err
		}
		lastErr = err
		chain.Advance()
	}

	e.logger.Error("all models exhausted",
		zap.Strings("tried", tried),
		zap.Error(lastErr))
	e.collector.RecordModelsExhausted(e.agent)

	return nil, &types.AllModelsExhaustedError{
		Agent:       e.agent,
		TriedModels: tried,
		LastErr:     lastErr,
	}
}

// executeModel 对单个模型执行尝试循环
func (e *Executor) executeModel(
	ctx context.Context,
	constraints *ExecutionConstraints,
	model string,
	breaker *Breaker,
	fn InvokeFunc,
) (*types.InvokeResult, error) {
	attempt := 1

	for {
		if err := constraints.EnforceTimeout(); err != nil {
			e.logger.Warn("total timeout exceeded",
				zap.String("model", model),
				zap.Duration("elapsed", constraints.Elapsed()))
			return nil, err
		}
		if e.budget != nil {
			if err := e.budget.Check(ctx, e.agent); err != nil {
				e.collector.RecordBudgetVeto(e.agent)
				return nil, err
			}
		}

		start := time.Now()
		result, err := fn(ctx, model)
		duration := time.Since(start)

		e.recordAttempt(ctx, model, attempt, err, duration)

		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			if e.budget != nil {
				e.budget.Record(ctx, e.agent, model, result.Usage())
			}
			e.collector.RecordUsage(e.agent, model, result.InputTokens, result.OutputTokens, result.Cost)
			if attempt > 1 {
				e.logger.Info("attempt succeeded after retry",
					zap.String("model", model),
					zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if breaker != nil {
			breaker.RecordFailure()
			e.collector.SetBreakerOpen(e.agent, model, breaker.Open())
		}

		if !e.retry.Retryable(err) || !e.retry.ShouldRetry(attempt) {
			e.logger.Warn("model attempt failed, advancing to next model",
				zap.String("model", model),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}

		delay := e.retry.DelayFor(attempt)
		e.logger.Debug("retrying model",
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		e.collector.RecordRetry(e.agent, model)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-time.After(delay):
		}

		attempt++
	}
}

func (e *Executor) recordAttempt(ctx context.Context, model string, attempt int, err error, duration time.Duration) {
	e.collector.RecordAttempt(e.agent, model, err == nil, duration)

	if e.recorder == nil {
		return
	}
	record := AttemptRecord{
		Agent:     e.agent,
		Model:     model,
		Attempt:   attempt,
		Success:   err == nil,
		Duration:  duration,
		Timestamp: time.Now(),
	}
	if err != nil {
		record.ErrorClass = errorClass(err)
	}
	e.recorder.RecordAttempt(ctx, record)
}

// errorClass 提取用于审计的错误分类：优先用结构化错误码，否则用 Go 类型名。
func errorClass(err error) string {
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return fmt.Sprintf("%T", err)
}
