package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adham90/agentrun/types"
)

// Limits 定义单个 agent(或全局)的预算上限,零值字段表示不限制。
type Limits struct {
	MaxTokensPerMinute int64   `json:"max_tokens_per_minute" yaml:"max_tokens_per_minute"`
	MaxTokensPerDay    int64   `json:"max_tokens_per_day" yaml:"max_tokens_per_day"`
	MaxCostPerDay      float64 `json:"max_cost_per_day" yaml:"max_cost_per_day"`
	AlertThreshold     float64 `json:"alert_threshold" yaml:"alert_threshold"`
}

// DefaultLimits 返回保守的默认预算。
func DefaultLimits() Limits {
	return Limits{
		MaxTokensPerMinute: 500000,
		MaxTokensPerDay:    50000000,
		MaxCostPerDay:      1000.0,
		AlertThreshold:     0.8,
	}
}

// Status 是某个 agent 当前的预算状况快照。
type Status struct {
	Agent             string  `json:"agent"`
	TokensUsedMinute  int64   `json:"tokens_used_minute"`
	TokensUsedDay     int64   `json:"tokens_used_day"`
	CostUsedDay       float64 `json:"cost_used_day"`
	MinuteUtilization float64 `json:"minute_utilization"`
	DayUtilization    float64 `json:"day_utilization"`
	CostUtilization   float64 `json:"cost_utilization"`
}

// Alert 表示某项预算接近或达到上限。
type Alert struct {
	Agent     string    `json:"agent"`
	Dimension string    `json:"dimension"` // "tokens_minute" | "tokens_day" | "cost_day"
	Threshold float64   `json:"threshold"`
	Current   float64   `json:"current"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertHandler 处理预算告警,在独立 goroutine 中调用。
type AlertHandler func(alert Alert)

// agentUsage 跟踪单个 agent 的窗口计数。窗口按首次写入时间滚动,
// 到期即清零,与计费周期无需对齐。
type agentUsage struct {
	tokensMinute int64
	tokensDay    int64
	costDay      float64
	minuteStart  time.Time
	dayStart     time.Time

	alertedMinute bool
	alertedDay    bool
	alertedCost   bool
}

// Manager 按 agent 执行预算检查与用量记账。
// 实现 reliability.BudgetChecker。
type Manager struct {
	defaults Limits
	perAgent map[string]Limits
	usage    map[string]*agentUsage
	handlers []AlertHandler
	logger   *zap.Logger
	mu       sync.Mutex

	now func() time.Time
}

// ManagerOption 配置 Manager。
type ManagerOption func(*Manager)

// WithAgentLimits 为指定 agent 设置独立预算,覆盖默认值。
func WithAgentLimits(agent string, limits Limits) ManagerOption {
	return func(m *Manager) {
		m.perAgent[agent] = limits
	}
}

// WithClock 替换时间源,仅用于测试。
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager 创建预算管理器,defaults 适用于未单独配置的 agent。
func NewManager(defaults Limits, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		defaults: defaults,
		perAgent: make(map[string]Limits),
		usage:    make(map[string]*agentUsage),
		logger:   logger.With(zap.String("component", "budget")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnAlert 注册告警回调。
func (m *Manager) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check 判断 agent 是否仍在预算内。超限时返回 *types.BudgetExceededError,
// 调用方应立即终止执行且不做降级。
func (m *Manager) Check(ctx context.Context, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	limits := m.limitsFor(agent)
	u := m.usageFor(agent)
	m.rollWindows(u)

	if limits.MaxTokensPerMinute > 0 && u.tokensMinute >= limits.MaxTokensPerMinute {
		return &types.BudgetExceededError{
			Reason: fmt.Sprintf("agent %s used %d tokens this minute (limit %d)",
				agent, u.tokensMinute, limits.MaxTokensPerMinute),
		}
	}
	if limits.MaxTokensPerDay > 0 && u.tokensDay >= limits.MaxTokensPerDay {
		return &types.BudgetExceededError{
			Reason: fmt.Sprintf("agent %s used %d tokens today (limit %d)",
				agent, u.tokensDay, limits.MaxTokensPerDay),
		}
	}
	if limits.MaxCostPerDay > 0 && u.costDay >= limits.MaxCostPerDay {
		return &types.BudgetExceededError{
			Reason: fmt.Sprintf("agent %s spent %.4f today (limit %.4f)",
				agent, u.costDay, limits.MaxCostPerDay),
		}
	}
	return nil
}

// Record 记录一次调用的实际用量并触发阈值告警。
func (m *Manager) Record(ctx context.Context, agent, model string, usage types.TokenUsage) {
	m.mu.Lock()

	limits := m.limitsFor(agent)
	u := m.usageFor(agent)
	m.rollWindows(u)

	u.tokensMinute += int64(usage.TotalTokens)
	u.tokensDay += int64(usage.TotalTokens)
	u.costDay += usage.Cost

	alerts := m.pendingAlerts(agent, limits, u)
	handlers := m.handlers
	m.mu.Unlock()

	m.logger.Debug("用量已记账",
		zap.String("agent", agent),
		zap.String("model", model),
		zap.Int("tokens", usage.TotalTokens),
		zap.Float64("cost", usage.Cost))

	for _, alert := range alerts {
		m.logger.Warn("预算告警",
			zap.String("agent", alert.Agent),
			zap.String("dimension", alert.Dimension),
			zap.Float64("threshold", alert.Threshold),
			zap.Float64("current", alert.Current))
		for _, handler := range handlers {
			go handler(alert)
		}
	}
}

// Status 返回 agent 当前的预算快照。
func (m *Manager) Status(agent string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	limits := m.limitsFor(agent)
	u := m.usageFor(agent)
	m.rollWindows(u)

	status := Status{
		Agent:            agent,
		TokensUsedMinute: u.tokensMinute,
		TokensUsedDay:    u.tokensDay,
		CostUsedDay:      u.costDay,
	}
	if limits.MaxTokensPerMinute > 0 {
		status.MinuteUtilization = float64(u.tokensMinute) / float64(limits.MaxTokensPerMinute)
	}
	if limits.MaxTokensPerDay > 0 {
		status.DayUtilization = float64(u.tokensDay) / float64(limits.MaxTokensPerDay)
	}
	if limits.MaxCostPerDay > 0 {
		status.CostUtilization = u.costDay / limits.MaxCostPerDay
	}
	return status
}

// Reset 清零所有计数器,仅用于测试。
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = make(map[string]*agentUsage)
}

func (m *Manager) limitsFor(agent string) Limits {
	if limits, ok := m.perAgent[agent]; ok {
		return limits
	}
	return m.defaults
}

func (m *Manager) usageFor(agent string) *agentUsage {
	u, ok := m.usage[agent]
	if !ok {
		now := m.now()
		u = &agentUsage{minuteStart: now, dayStart: now}
		m.usage[agent] = u
	}
	return u
}

func (m *Manager) rollWindows(u *agentUsage) {
	now := m.now()
	if now.Sub(u.minuteStart) >= time.Minute {
		u.tokensMinute = 0
		u.minuteStart = now
		u.alertedMinute = false
	}
	if now.Sub(u.dayStart) >= 24*time.Hour {
		u.tokensDay = 0
		u.costDay = 0
		u.dayStart = now
		u.alertedDay = false
		u.alertedCost = false
	}
}

// pendingAlerts 在持锁状态下收集本次记账触发的告警,每个维度每窗口只报一次。
func (m *Manager) pendingAlerts(agent string, limits Limits, u *agentUsage) []Alert {
	threshold := limits.AlertThreshold
	if threshold <= 0 {
		return nil
	}
	now := m.now()
	var alerts []Alert

	if limits.MaxTokensPerMinute > 0 && !u.alertedMinute {
		util := float64(u.tokensMinute) / float64(limits.MaxTokensPerMinute)
		if util >= threshold {
			u.alertedMinute = true
			alerts = append(alerts, Alert{
				Agent: agent, Dimension: "tokens_minute",
				Threshold: threshold, Current: util, Timestamp: now,
			})
		}
	}
	if limits.MaxTokensPerDay > 0 && !u.alertedDay {
		util := float64(u.tokensDay) / float64(limits.MaxTokensPerDay)
		if util >= threshold {
			u.alertedDay = true
			alerts = append(alerts, Alert{
				Agent: agent, Dimension: "tokens_day",
				Threshold: threshold, Current: util, Timestamp: now,
			})
		}
	}
	if limits.MaxCostPerDay > 0 && !u.alertedCost {
		util := u.costDay / limits.MaxCostPerDay
		if util >= threshold {
			u.alertedCost = true
			alerts = append(alerts, Alert{
				Agent: agent, Dimension: "cost_day",
				Threshold: threshold, Current: util, Timestamp: now,
			})
		}
	}
	return alerts
}
