package reliability

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// Threshold 滚动窗口内的失败次数阈值，达到后触发熔断
	Threshold int `json:"threshold" yaml:"threshold"`
	// Window 失败计数的滚动时间窗口
	Window time.Duration `json:"window" yaml:"window"`
	// Cooldown 熔断后等待恢复的时间
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Window:    60 * time.Second,
		Cooldown:  30 * time.Second,
	}
}

// Breaker 按 (agent, model) 维度的熔断器。
//
// 简化的两态状态机（closed ↔ open）：窗口内失败数达到阈值即熔断，
// 冷却期满自动完全恢复，不经过半开探测状态。这是刻意的设计简化，
// 不是疏漏 —— 对单个模型的探测由降级链路上的下一次调用天然承担。
type Breaker struct {
	agent  string
	model  string
	config BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	failures []time.Time // 窗口内的失败时间戳
	openedAt time.Time   // 零值表示未熔断
}

// NewBreaker 创建熔断器
func NewBreaker(agent, model string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Breaker{
		agent:  agent,
		model:  model,
		config: config,
		logger: logger.With(zap.String("agent", agent), zap.String("model", model)),
	}
}

// Key 返回熔断器的 (agent, model) 键
func (b *Breaker) Key() string {
	return breakerKey(b.agent, b.model)
}

// Open 检查熔断器是否处于打开状态。
// 冷却期满时自动复位为关闭并清空失败窗口。
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return false
	}

	if time.Since(b.openedAt) >= b.config.Cooldown {
		b.logger.Info("circuit breaker cooldown elapsed, closing",
			zap.Duration("cooldown", b.config.Cooldown))
		b.openedAt = time.Time{}
		b.failures = nil
		return false
	}

	return true
}

// RecordSuccess 记录成功调用，立即重置失败窗口。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = nil
	if !b.openedAt.IsZero() {
		b.logger.Info("circuit breaker closed after success")
		b.openedAt = time.Time{}
	}
}

// RecordFailure 记录失败调用：清理窗口外的旧记录，追加本次失败，
// 达到阈值则触发熔断。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-b.config.Window)

	pruned := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	b.failures = append(pruned, now)

	if b.openedAt.IsZero() && len(b.failures) >= b.config.Threshold {
		b.openedAt = now
		b.logger.Warn("circuit breaker opened",
			zap.Int("failures", len(b.failures)),
			zap.Int("threshold", b.config.Threshold),
			zap.Duration("window", b.config.Window))
	}
}

// FailureCount 返回当前窗口内的失败次数（不触发清理）
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failures)
}

func breakerKey(agent, model string) string {
	return agent + "/" + model
}

// Registry 熔断器注册表。
// 同一 (agent, model) 键在进程生命周期内返回同一个熔断器实例，
// 保证并发调用方观察到一致的熔断状态。
type Registry struct {
	breakers map[string]*Breaker
	config   BreakerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config BreakerConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// Get 获取或创建 (agent, model) 的熔断器
func (r *Registry) Get(agent, model string) *Breaker {
	key := breakerKey(agent, model)

	r.mu.RLock()
	if b, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if b, ok := r.breakers[key]; ok {
		return b
	}

	b := NewBreaker(agent, model, r.config, r.logger)
	r.breakers[key] = b
	return b
}

// OpenKeys 返回所有当前处于熔断状态的键
func (r *Registry) OpenKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, b := range r.breakers {
		if b.Open() {
			keys = append(keys, key)
		}
	}
	return keys
}
