package reliability

import (
	"time"

	"github.com/adham90/agentrun/types"
)

// ExecutionConstraints 在一次可靠性包装调用开始时计算一次绝对截止时间，
// 之后在每次尝试前执行检查。未配置总时限时所有检查均为空操作。
type ExecutionConstraints struct {
	limit    time.Duration
	start    time.Time
	deadline time.Time
}

// NewExecutionConstraints 创建执行约束。totalTimeout <= 0 表示不限制。
func NewExecutionConstraints(totalTimeout time.Duration) *ExecutionConstraints {
	c := &ExecutionConstraints{
		limit: totalTimeout,
		start: time.Now(),
	}
	if totalTimeout > 0 {
		c.deadline = c.start.Add(totalTimeout)
	}
	return c
}

// EnforceTimeout 超过截止时间时返回携带已耗时长的 TotalTimeoutError。
func (c *ExecutionConstraints) EnforceTimeout() error {
	if c.deadline.IsZero() {
		return nil
	}
	if time.Now().After(c.deadline) {
		return &types.TotalTimeoutError{
			Limit:   c.limit,
			Elapsed: time.Since(c.start),
		}
	}
	return nil
}

// Remaining 返回距截止时间的剩余时长；未配置时限时返回 0。
func (c *ExecutionConstraints) Remaining() time.Duration {
	if c.deadline.IsZero() {
		return 0
	}
	return time.Until(c.deadline)
}

// Elapsed 返回自约束创建以来的耗时
func (c *ExecutionConstraints) Elapsed() time.Duration {
	return time.Since(c.start)
}
