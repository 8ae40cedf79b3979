package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adham90/agentrun/types"
)

type recordedAttempts struct {
	mu      sync.Mutex
	records []AttemptRecord
}

func (r *recordedAttempts) RecordAttempt(_ context.Context, record AttemptRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recordedAttempts) all() []AttemptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AttemptRecord, len(r.records))
	copy(out, r.records)
	return out
}

func retryableErr(msg string) error {
	return types.NewError(types.ErrUpstreamTimeout, msg)
}

func okResult(model string) *types.InvokeResult {
	return &types.InvokeResult{Content: "ok", Model: model, InputTokens: 10, OutputTokens: 5, Cost: 0.001}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestExecutor_FirstModelSucceeds(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Agent: "research"}, zap.NewNop())

	calls := 0
	result, err := e.Execute(context.Background(), NewFallbackChain("gpt-4o", "fallback"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			calls++
			assert.Equal(t, "gpt-4o", model)
			return okResult(model), nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 1, calls)
}

// ---------------------------------------------------------------------------
// Retry same model before falling back
// ---------------------------------------------------------------------------

func TestExecutor_RetriesSameModelThenSucceeds(t *testing.T) {
	recorder := &recordedAttempts{}
	e := NewExecutor(ExecutorConfig{
		Agent:    "research",
		Retry:    &RetryStrategy{MaxAttempts: 3, Backoff: BackoffNone, BaseDelay: time.Millisecond},
		Recorder: recorder,
	}, zap.NewNop())

	calls := 0
	result, err := e.Execute(context.Background(), NewFallbackChain("gpt-4o"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			calls++
			if calls < 3 {
				return nil, retryableErr("overloaded")
			}
			return okResult(model), nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "gpt-4o", result.Model)
	assert.Equal(t, "ok", result.Content)

	records := recorder.all()
	require.Len(t, records, 3)
	assert.False(t, records[0].Success)
	assert.Equal(t, "UPSTREAM_TIMEOUT", records[0].ErrorClass)
	assert.True(t, records[2].Success)
	assert.Equal(t, 3, records[2].Attempt)
}

func TestExecutor_NonRetryableAdvancesImmediately(t *testing.T) {
	e := NewExecutor(ExecutorConfig{
		Agent: "research",
		Retry: &RetryStrategy{MaxAttempts: 5, Backoff: BackoffNone, BaseDelay: time.Millisecond},
	}, zap.NewNop())

	var models []string
	result, err := e.Execute(context.Background(), NewFallbackChain("primary", "backup"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			models = append(models, model)
			if model == "primary" {
				return nil, types.NewError(types.ErrInvalidRequest, "bad prompt")
			}
			return okResult(model), nil
		})

	require.NoError(t, err)
	assert.Equal(t, "backup", result.Model)
	// 不可重试错误不消耗重试额度，直接降级
	assert.Equal(t, []string{"primary", "backup"}, models)
}

// ---------------------------------------------------------------------------
// All models exhausted
// ---------------------------------------------------------------------------

func TestExecutor_AllModelsExhausted(t *testing.T) {
	e := NewExecutor(ExecutorConfig{
		Agent: "research",
		Retry: &RetryStrategy{MaxAttempts: 2, Backoff: BackoffNone, BaseDelay: time.Millisecond},
	}, zap.NewNop())

	calls := 0
	_, err := e.Execute(context.Background(), NewFallbackChain("A", "B"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			calls++
			return nil, retryableErr("down")
		})

	require.Error(t, err)
	var exhausted *types.AllModelsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"A", "B"}, exhausted.TriedModels)
	assert.Equal(t, "research", exhausted.Agent)
	// 每个模型各 2 次尝试
	assert.Equal(t, 4, calls)
}

// ---------------------------------------------------------------------------
// Circuit breaker integration
// ---------------------------------------------------------------------------

func TestExecutor_SkipsOpenBreakerModel(t *testing.T) {
	registry := NewRegistry(BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Hour}, zap.NewNop())
	registry.Get("research", "primary").RecordFailure() // 预先熔断 primary

	e := NewExecutor(ExecutorConfig{Agent: "research", Breakers: registry}, zap.NewNop())

	var models []string
	result, err := e.Execute(context.Background(), NewFallbackChain("primary", "backup"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			models = append(models, model)
			return okResult(model), nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"backup"}, models)
	assert.Equal(t, "backup", result.Model)
}

func TestExecutor_RecordsBreakerFailures(t *testing.T) {
	registry := NewRegistry(BreakerConfig{Threshold: 2, Window: time.Minute, Cooldown: time.Hour}, zap.NewNop())
	e := NewExecutor(ExecutorConfig{
		Agent:    "research",
		Breakers: registry,
		Retry:    &RetryStrategy{MaxAttempts: 2, Backoff: BackoffNone, BaseDelay: time.Millisecond},
	}, zap.NewNop())

	_, err := e.Execute(context.Background(), NewFallbackChain("only"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			return nil, retryableErr("down")
		})

	require.Error(t, err)
	assert.True(t, registry.Get("research", "only").Open())
}

func TestExecutor_AllBreakersOpen(t *testing.T) {
	registry := NewRegistry(BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Hour}, zap.NewNop())
	registry.Get("research", "A").RecordFailure()
	registry.Get("research", "B").RecordFailure()

	e := NewExecutor(ExecutorConfig{Agent: "research", Breakers: registry}, zap.NewNop())

	calls := 0
	_, err := e.Execute(context.Background(), NewFallbackChain("A", "B"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			calls++
			return okResult(model), nil
		})

	require.Error(t, err)
	var exhausted *types.AllModelsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 0, calls)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(exhausted.LastErr))
}

// ---------------------------------------------------------------------------
// Total timeout
// ---------------------------------------------------------------------------

func TestExecutor_TotalTimeoutStopsRetrying(t *testing.T) {
	e := NewExecutor(ExecutorConfig{
		Agent:        "research",
		Retry:        &RetryStrategy{MaxAttempts: 100, Backoff: BackoffNone, BaseDelay: 20 * time.Millisecond},
		TotalTimeout: 50 * time.Millisecond,
	}, zap.NewNop())

	_, err := e.Execute(context.Background(), NewFallbackChain("slow"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			return nil, retryableErr("down")
		})

	require.Error(t, err)
	assert.True(t, types.IsTotalTimeout(err))
}

func TestExecutor_ContextCancelDuringBackoff(t *testing.T) {
	e := NewExecutor(ExecutorConfig{
		Agent: "research",
		Retry: &RetryStrategy{MaxAttempts: 10, Backoff: BackoffNone, BaseDelay: time.Second},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, NewFallbackChain("slow"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			return nil, retryableErr("down")
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Budget veto
// ---------------------------------------------------------------------------

type vetoBudget struct {
	vetoed   bool
	recorded []types.TokenUsage
}

func (b *vetoBudget) Check(_ context.Context, _ string) error {
	if b.vetoed {
		return &types.BudgetExceededError{Reason: "daily cost limit reached"}
	}
	return nil
}

func (b *vetoBudget) Record(_ context.Context, _, _ string, usage types.TokenUsage) {
	b.recorded = append(b.recorded, usage)
}

func TestExecutor_BudgetVeto(t *testing.T) {
	e := NewExecutor(ExecutorConfig{
		Agent:  "research",
		Budget: &vetoBudget{vetoed: true},
	}, zap.NewNop())

	calls := 0
	_, err := e.Execute(context.Background(), NewFallbackChain("A", "B"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			calls++
			return okResult(model), nil
		})

	require.Error(t, err)
	assert.True(t, types.IsBudgetExceeded(err))
	// 否决立即终止，不尝试降级模型
	assert.Equal(t, 0, calls)
}

func TestExecutor_BudgetRecordsUsageOnSuccess(t *testing.T) {
	budget := &vetoBudget{}
	e := NewExecutor(ExecutorConfig{Agent: "research", Budget: budget}, zap.NewNop())

	_, err := e.Execute(context.Background(), NewFallbackChain("A"),
		func(ctx context.Context, model string) (*types.InvokeResult, error) {
			return okResult(model), nil
		})

	require.NoError(t, err)
	require.Len(t, budget.recorded, 1)
	assert.Equal(t, 15, budget.recorded[0].TotalTokens)
}

// ---------------------------------------------------------------------------
// Agent adapter
// ---------------------------------------------------------------------------

type overridableAgent struct {
	types.AgentFunc
	failModels map[string]bool
	calls      []string
}

func (a *overridableAgent) InvokeWithModel(ctx context.Context, input any, model string) (*types.InvokeResult, error) {
	a.calls = append(a.calls, model)
	if a.failModels[model] {
		return nil, retryableErr("overloaded")
	}
	return okResult(model), nil
}

func TestAgentInvoke_ModelAgentFollowsFallbackChain(t *testing.T) {
	agent := &overridableAgent{
		AgentFunc:  types.AgentFunc{AgentName: "research", AgentModel: "gpt-4o"},
		failModels: map[string]bool{"gpt-4o": true},
	}
	e := NewExecutor(ExecutorConfig{Agent: "research"}, zap.NewNop())

	result, err := e.Execute(context.Background(),
		NewFallbackChain("gpt-4o", "gpt-4o-mini"),
		AgentInvoke(agent, "prompt"))

	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, agent.calls)
}

func TestAgentInvoke_PlainAgentIgnoresOverride(t *testing.T) {
	calls := 0
	agent := &types.AgentFunc{
		AgentName:  "research",
		AgentModel: "gpt-4o",
		Fn: func(ctx context.Context, input any) (*types.InvokeResult, error) {
			calls++
			return okResult("gpt-4o"), nil
		},
	}

	result, err := AgentInvoke(agent, "prompt")(context.Background(), "gpt-4o-mini")

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	// 不支持模型覆盖的 Agent 始终走主模型
	assert.Equal(t, "gpt-4o", result.Model)
}
