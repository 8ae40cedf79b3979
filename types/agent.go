package types

import "context"

// InvokeResult is the outcome of a single agent invocation. The framework
// never inspects Content; it only accounts for tokens and cost.
type InvokeResult struct {
	Content      string  `json:"content"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Usage returns the token usage of the invocation.
func (r *InvokeResult) Usage() TokenUsage {
	return TokenUsage{
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		TotalTokens:  r.InputTokens + r.OutputTokens,
		Cost:         r.Cost,
	}
}

// Agent is an opaque callable that sends input to a model and returns
// content, token counts, and cost. Implementations own prompt construction
// and response parsing; the framework owns when, how many times, with which
// fallback, and in what order the call runs.
type Agent interface {
	// Name returns the agent identity used for breaker keying and audit.
	Name() string
	// Model returns the primary model identifier of the agent.
	Model() string
	// Invoke executes the agent against input.
	Invoke(ctx context.Context, input any) (*InvokeResult, error)
}

// ModelAgent is implemented by agents that accept a per-call model override,
// used by fallback routing to retarget the same agent at another model.
type ModelAgent interface {
	Agent
	// InvokeWithModel executes the agent against input using model instead
	// of the agent's primary model.
	InvokeWithModel(ctx context.Context, input any, model string) (*InvokeResult, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	AgentName  string
	AgentModel string
	Fn         func(ctx context.Context, input any) (*InvokeResult, error)
}

func (a *AgentFunc) Name() string  { return a.AgentName }
func (a *AgentFunc) Model() string { return a.AgentModel }

func (a *AgentFunc) Invoke(ctx context.Context, input any) (*InvokeResult, error) {
	return a.Fn(ctx, input)
}
