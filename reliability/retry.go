package reliability

import (
	"regexp"
	"time"

	"github.com/adham90/agentrun/types"
)

// BackoffKind 退避算法类型
type BackoffKind string

const (
	// BackoffNone 固定延迟：每次重试延迟 BaseDelay
	BackoffNone BackoffKind = "none"
	// BackoffLinear 线性退避：delay = base * attempt
	BackoffLinear BackoffKind = "linear"
	// BackoffExponential 指数退避：delay = min(base * 2^(attempt-1), max)
	BackoffExponential BackoffKind = "exponential"
)

// defaultRetryableCodes 默认可重试的错误码集合。
// 未分类的错误一律视为不可重试（快速失败，避免对程序性错误静默循环）。
var defaultRetryableCodes = map[types.ErrorCode]bool{
	types.ErrRateLimit:           true,
	types.ErrUpstreamTimeout:     true,
	types.ErrUpstreamError:       true,
	types.ErrModelOverloaded:     true,
	types.ErrServiceUnavailable:  true,
	types.ErrProviderUnavailable: true,
}

// RetryStrategy 定义重试策略配置。
// 无副作用的纯决策组件：只回答"是否重试"和"延迟多久"，睡眠由调用方执行。
type RetryStrategy struct {
	// MaxAttempts 最大重试次数（0 表示不重试）
	MaxAttempts int
	// Backoff 退避算法
	Backoff BackoffKind
	// BaseDelay 基础延迟时间
	BaseDelay time.Duration
	// MaxDelay 最大延迟时间（仅对指数退避生效）
	MaxDelay time.Duration
	// RetryableCodes 可重试的错误码（为空则使用默认集合）
	RetryableCodes []types.ErrorCode
	// RetryablePatterns 按错误消息匹配的可重试模式
	RetryablePatterns []*regexp.Regexp
}

// DefaultRetryStrategy 返回默认的重试策略，适用于大部分 LLM API 调用场景。
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Retryable 检查错误是否可重试。
// 结构化错误按错误码（或 Retryable 标记）判断；普通错误仅在命中
// RetryablePatterns 时可重试。
func (s *RetryStrategy) Retryable(err error) bool {
	if err == nil {
		return false
	}

	if code := types.GetErrorCode(err); code != "" {
		if len(s.RetryableCodes) > 0 {
			for _, c := range s.RetryableCodes {
				if c == code {
					return true
				}
			}
		} else if defaultRetryableCodes[code] {
			return true
		}
		if types.IsRetryable(err) {
			return true
		}
	}

	msg := err.Error()
	for _, pattern := range s.RetryablePatterns {
		if pattern.MatchString(msg) {
			return true
		}
	}

	return false
}

// ShouldRetry 检查还有没有重试额度。attempt 从 1 开始计数。
func (s *RetryStrategy) ShouldRetry(attempt int) bool {
	return attempt < s.MaxAttempts
}

// DelayFor 计算第 attempt 次重试前的延迟时间。
// MaxAttempts == 0 时恒为 0。
func (s *RetryStrategy) DelayFor(attempt int) time.Duration {
	if s.MaxAttempts == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	switch s.Backoff {
	case BackoffLinear:
		return s.BaseDelay * time.Duration(attempt)

	case BackoffExponential:
		delay := s.BaseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if s.MaxDelay > 0 && delay >= s.MaxDelay {
				return s.MaxDelay
			}
		}
		if s.MaxDelay > 0 && delay > s.MaxDelay {
			return s.MaxDelay
		}
		return delay

	default:
		return s.BaseDelay
	}
}
