package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 指标收集器
type Collector struct {
	// 可靠性执行指标
	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	breakerOpen      *prometheus.GaugeVec
	breakerSkips     *prometheus.CounterVec
	modelsExhausted  *prometheus.CounterVec
	budgetVetosTotal *prometheus.CounterVec

	// 工作流指标
	stepDuration     *prometheus.HistogramVec
	workflowDuration *prometheus.HistogramVec
	waitPollsTotal   *prometheus.CounterVec
	iterationItems   *prometheus.CounterVec

	// 通知指标
	notificationsTotal *prometheus.CounterVec

	// 用量指标
	tokensUsed *prometheus.CounterVec
	costTotal  *prometheus.CounterVec
}

// NewCollector 创建指标收集器。
// reg 为 nil 时注册到 prometheus 默认注册表；测试应传入独立的 Registry。
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.attemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_attempts_total",
			Help:      "Total number of agent invocation attempts",
		},
		[]string{"agent", "model", "outcome"},
	)

	c.attemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_attempt_duration_seconds",
			Help:      "Agent invocation attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent", "model"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_retries_total",
			Help:      "Total number of retried agent attempts",
		},
		[]string{"agent", "model"},
	)

	c.breakerOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "Whether the circuit breaker for an (agent, model) pair is open (1) or closed (0)",
		},
		[]string{"agent", "model"},
	)

	c.breakerSkips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_skips_total",
			Help:      "Total number of models skipped due to an open circuit breaker",
		},
		[]string{"agent", "model"},
	)

	c.modelsExhausted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_exhausted_total",
			Help:      "Total number of executions that exhausted every fallback model",
		},
		[]string{"agent"},
	)

	c.budgetVetosTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_vetos_total",
			Help:      "Total number of executions vetoed by the budget collaborator",
		},
		[]string{"agent"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow", "step", "status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"workflow", "status"},
	)

	c.waitPollsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_polls_total",
			Help:      "Total number of wait-state polls",
		},
		[]string{"workflow", "kind"},
	)

	c.iterationItems = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_items_total",
			Help:      "Total number of iteration items processed",
		},
		[]string{"workflow", "step", "outcome"},
	)

	c.notificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of approval notifications delivered",
		},
		[]string{"channel", "outcome"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens consumed",
		},
		[]string{"agent", "model", "direction"},
	)

	c.costTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total execution cost in account currency units",
		},
		[]string{"agent", "model"},
	)

	return c
}

// RecordAttempt 记录一次 Agent 调用尝试
func (c *Collector) RecordAttempt(agent, model string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.attemptsTotal.WithLabelValues(agent, model, outcome).Inc()
	c.attemptDuration.WithLabelValues(agent, model).Observe(duration.Seconds())
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(agent, model string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(agent, model).Inc()
}

// SetBreakerOpen 记录熔断器状态
func (c *Collector) SetBreakerOpen(agent, model string, open bool) {
	if c == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	c.breakerOpen.WithLabelValues(agent, model).Set(v)
}

// RecordBreakerSkip 记录因熔断跳过的模型
func (c *Collector) RecordBreakerSkip(agent, model string) {
	if c == nil {
		return
	}
	c.breakerSkips.WithLabelValues(agent, model).Inc()
}

// RecordModelsExhausted 记录降级链耗尽
func (c *Collector) RecordModelsExhausted(agent string) {
	if c == nil {
		return
	}
	c.modelsExhausted.WithLabelValues(agent).Inc()
}

// RecordBudgetVeto 记录预算否决
func (c *Collector) RecordBudgetVeto(agent string) {
	if c == nil {
		return
	}
	c.budgetVetosTotal.WithLabelValues(agent).Inc()
}

// RecordStep 记录工作流步骤完成
func (c *Collector) RecordStep(workflow, step, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(workflow, step, status).Observe(duration.Seconds())
}

// RecordWorkflow 记录工作流完成
func (c *Collector) RecordWorkflow(workflow, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
}

// RecordWaitPoll 记录一次等待轮询
func (c *Collector) RecordWaitPoll(workflow, kind string) {
	if c == nil {
		return
	}
	c.waitPollsTotal.WithLabelValues(workflow, kind).Inc()
}

// RecordIterationItem 记录迭代项处理结果
func (c *Collector) RecordIterationItem(workflow, step, outcome string) {
	if c == nil {
		return
	}
	c.iterationItems.WithLabelValues(workflow, step, outcome).Inc()
}

// RecordNotification 记录通知投递结果
func (c *Collector) RecordNotification(channel string, delivered bool) {
	if c == nil {
		return
	}
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	c.notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordUsage 记录 token 与成本用量
func (c *Collector) RecordUsage(agent, model string, inputTokens, outputTokens int, cost float64) {
	if c == nil {
		return
	}
	c.tokensUsed.WithLabelValues(agent, model, "input").Add(float64(inputTokens))
	c.tokensUsed.WithLabelValues(agent, model, "output").Add(float64(outputTokens))
	c.costTotal.WithLabelValues(agent, model).Add(cost)
}
