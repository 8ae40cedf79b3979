package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/adham90/agentrun/types"
)

// ParallelGroup 并行步骤组:成员并发执行,组整体相对前后步骤保持有序。
// 每个成员仍独立走完整的步骤状态机。
type ParallelGroup struct {
	Name    string
	Members []StepConfig
	// Optional 使关键成员失败只让组失败而不终止工作流。
	Optional bool
}

// GroupResult aggregates the member results of one parallel group.
type GroupResult struct {
	Name    string                 `json:"name"`
	Success bool                   `json:"success"`
	Results map[string]*StepResult `json:"results"`
	Content map[string]any         `json:"content"`
	Errors  map[string]error       `json:"-"`
	Usage   types.TokenUsage       `json:"usage"`
	Halted  *StepResult            `json:"-"`
}

// Validate checks the group and every member configuration.
func (g *ParallelGroup) Validate() error {
	if len(g.Members) == 0 {
		return types.NewError(types.ErrInvalidStepConfig,
			"parallel group needs at least one member")
	}
	for i := range g.Members {
		if err := g.Members[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// executeGroup runs all members concurrently and aggregates. Success is true
// only when every member succeeded; optional-member failures are recorded
// without failing the group. Member results are also written into wf so
// later steps can read them by name.
func (e *StepExecutor) executeGroup(ctx context.Context, wf *Context, group ParallelGroup) *GroupResult {
	result := &GroupResult{
		Name:    group.Name,
		Results: make(map[string]*StepResult, len(group.Members)),
		Content: make(map[string]any, len(group.Members)),
		Errors:  make(map[string]error),
	}
	if err := group.Validate(); err != nil {
		result.Errors[group.Name] = err
		return result
	}

	// 不用 errgroup.WithContext:一个成员失败不应取消其余成员,
	// 可选成员语义要求所有成员都跑完。
	var g errgroup.Group
	memberResults := make([]*StepResult, len(group.Members))

	for i, member := range group.Members {
		g.Go(func() error {
			memberResults[i] = e.Execute(ctx, wf, member)
			return nil
		})
	}
	_ = g.Wait()

	result.Success = true
	for i, member := range group.Members {
		r := memberResults[i]
		wf.record(r)
		result.Results[r.Step] = r
		result.Usage.Add(r.Usage)

		switch r.Status {
		case StepHalted:
			result.Halted = r
		case StepFailed:
			result.Errors[r.Step] = r.Err
			// 可选成员失败只记录,关键成员失败使组失败
			if member.critical() {
				result.Success = false
			}
		default:
			result.Content[r.Step] = r.Output
		}
	}
	return result
}
