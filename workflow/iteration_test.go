package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adham90/agentrun/types"
)

func intSource(items ...int) SourceResolver {
	return func(wf *Context) ([]any, error) {
		out := make([]any, len(items))
		for i, v := range items {
			out[i] = v
		}
		return out, nil
	}
}

// failOn returns a run body that errors for one specific item value and
// records every processed item.
func failOn(bad int, processed *[]int, mu *sync.Mutex) RunFunc {
	return func(ctx context.Context, step *StepContext) (any, error) {
		item := step.Item.(int)
		mu.Lock()
		*processed = append(*processed, item)
		mu.Unlock()
		if item == bad {
			return nil, fmt.Errorf("item %d exploded", item)
		}
		return item * 10, nil
	}
}

func TestEach_Sequential(t *testing.T) {
	exec := newStepExecutor()
	ir, err := exec.executeEach(context.Background(), testContext(nil), EachConfig{
		Name:   "double",
		Source: intSource(1, 2, 3),
		Run: func(ctx context.Context, step *StepContext) (any, error) {
			return step.Item.(int) * 2, nil
		},
	})

	require.NoError(t, err)
	assert.True(t, ir.Success())
	assert.True(t, ir.Completed)
	assert.Equal(t, []any{2, 4, 6}, ir.ItemResults)
	assert.Equal(t, 3, ir.Processed)
}

func TestEach_FailFastStopsAtError(t *testing.T) {
	var mu sync.Mutex
	var processed []int

	exec := newStepExecutor()
	ir, err := exec.executeEach(context.Background(), testContext(nil), EachConfig{
		Name:     "strict",
		Source:   intSource(1, 2, 3),
		Run:      failOn(2, &processed, &mu),
		FailFast: true,
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, processed, "item 3 must never run")
	assert.Len(t, ir.Errors, 1)
	assert.Contains(t, ir.Errors, 1, "error keyed by source index")
	assert.Equal(t, []any{10}, ir.ItemResults)
	assert.False(t, ir.Success())
	assert.False(t, ir.Completed)
}

func TestEach_ContinueOnErrorProcessesAll(t *testing.T) {
	var mu sync.Mutex
	var processed []int

	exec := newStepExecutor()
	ir, err := exec.executeEach(context.Background(), testContext(nil), EachConfig{
		Name:            "lenient",
		Source:          intSource(1, 2, 3),
		Run:             failOn(2, &processed, &mu),
		ContinueOnError: true,
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, processed)
	assert.Len(t, ir.Errors, 1)
	assert.Contains(t, ir.Errors, 1)
	assert.Len(t, ir.ItemResults, 2, "failed item leaves no result entry")
	assert.Equal(t, []any{10, 30}, ir.ItemResults)
	// 策略:出现过条目错误就不算成功,Completed 单独回答"是否跑完"
	assert.False(t, ir.Success())
	assert.True(t, ir.Completed)
}

func TestEach_SourceResolverFailure(t *testing.T) {
	exec := newStepExecutor()
	_, err := exec.executeEach(context.Background(), testContext(nil), EachConfig{
		Name:   "broken-source",
		Source: func(wf *Context) ([]any, error) { return nil, errors.New("query failed") },
		Run:    func(ctx context.Context, step *StepContext) (any, error) { return nil, nil },
	})

	var ise *types.IterationSourceError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "broken-source", ise.Step)
}

func TestEach_EmptySource(t *testing.T) {
	exec := newStepExecutor()
	ir, err := exec.executeEach(context.Background(), testContext(nil), EachConfig{
		Name:   "empty",
		Source: intSource(),
		Run:    func(ctx context.Context, step *StepContext) (any, error) { return nil, nil },
	})

	require.NoError(t, err)
	assert.True(t, ir.Success())
	assert.True(t, ir.Completed)
	assert.Empty(t, ir.ItemResults)
}

func TestEach_ConcurrentPreservesSourceOrder(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak atomic.Int32
	exec := newStepExecutor()
	ir, err := exec.executeEach(context.Background(), testContext(nil), EachConfig{
		Name:        "fanout",
		Source:      intSource(items...),
		Concurrency: 4,
		Run: func(ctx context.Context, step *StepContext) (any, error) {
			current := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			return step.Item.(int), nil
		},
	})

	require.NoError(t, err)
	assert.True(t, ir.Success())
	assert.LessOrEqual(t, peak.Load(), int32(4), "concurrency bound violated")

	// 无论完成顺序如何,结果按源顺序重组
	want := make([]any, len(items))
	for i, v := range items {
		want[i] = v
	}
	assert.Equal(t, want, ir.ItemResults)
}

func TestEach_ConcurrentContinueOnError(t *testing.T) {
	exec := newStepExecutor()
	ir, err := exec.executeEach(context.Background(), testContext(nil), EachConfig{
		Name:            "fanout-lenient",
		Source:          intSource(1, 2, 3, 4),
		Concurrency:     2,
		ContinueOnError: true,
		Run: func(ctx context.Context, step *StepContext) (any, error) {
			if step.Item.(int)%2 == 0 {
				return nil, fmt.Errorf("even item %d", step.Item)
			}
			return step.Item, nil
		},
	})

	require.NoError(t, err)
	assert.True(t, ir.Completed)
	assert.Len(t, ir.Errors, 2)
	assert.Equal(t, []any{1, 3}, ir.ItemResults)
}

func TestEach_ItemInputMapper(t *testing.T) {
	exec := newStepExecutor()
	var seen []any
	var mu sync.Mutex

	ir, err := exec.executeEach(context.Background(), testContext("shared"), EachConfig{
		Name:   "mapped",
		Source: intSource(1, 2),
		ItemInput: func(wf *Context, item any, index int) any {
			return fmt.Sprintf("%v-%d-%v", wf.Input, index, item)
		},
		Run: func(ctx context.Context, step *StepContext) (any, error) {
			mu.Lock()
			seen = append(seen, step.Input)
			mu.Unlock()
			return step.Input, nil
		},
	})

	require.NoError(t, err)
	assert.True(t, ir.Success())
	assert.Equal(t, []any{"shared-0-1", "shared-1-2"}, seen)
}

func TestEach_ValidateRejectsContradictoryPolicy(t *testing.T) {
	config := EachConfig{
		Name:            "bad",
		Source:          intSource(1),
		Run:             func(ctx context.Context, step *StepContext) (any, error) { return nil, nil },
		FailFast:        true,
		ContinueOnError: true,
	}
	err := config.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidStepConfig, types.GetErrorCode(err))
}
