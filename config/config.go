package config

import (
	"fmt"
	"time"

	"github.com/adham90/agentrun/budget"
	"github.com/adham90/agentrun/reliability"
)

// Config 顶层配置。字段通过 yaml 标签从文件加载，通过 env 标签从
// 环境变量覆盖（前缀默认 AGENTRUN，如 AGENTRUN_RETRY_MAX_ATTEMPTS）。
type Config struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Budget  BudgetConfig  `yaml:"budget"`
	Execute ExecuteConfig `yaml:"execute"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

// RetryConfig 重试策略配置。
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	Backoff     string        `yaml:"backoff" env:"RETRY_BACKOFF"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY"`
}

// BreakerConfig 熔断器配置。
type BreakerConfig struct {
	Threshold int           `yaml:"threshold" env:"BREAKER_THRESHOLD"`
	Window    time.Duration `yaml:"window" env:"BREAKER_WINDOW"`
	Cooldown  time.Duration `yaml:"cooldown" env:"BREAKER_COOLDOWN"`
}

// BudgetConfig 预算限额配置，零值表示对应维度不限制。
type BudgetConfig struct {
	MaxTokensPerMinute int64   `yaml:"max_tokens_per_minute" env:"BUDGET_MAX_TOKENS_PER_MINUTE"`
	MaxTokensPerDay    int64   `yaml:"max_tokens_per_day" env:"BUDGET_MAX_TOKENS_PER_DAY"`
	MaxCostPerDay      float64 `yaml:"max_cost_per_day" env:"BUDGET_MAX_COST_PER_DAY"`
	AlertThreshold     float64 `yaml:"alert_threshold" env:"BUDGET_ALERT_THRESHOLD"`
}

// ExecuteConfig 执行约束配置。
type ExecuteConfig struct {
	// TotalTimeout 单次执行（含全部重试与降级）的总时长上限，0 表示不限制。
	TotalTimeout time.Duration `yaml:"total_timeout" env:"EXECUTE_TOTAL_TIMEOUT"`
}

// NotifyConfig 审批通知渠道配置。
type NotifyConfig struct {
	SlackWebhookURL string   `yaml:"slack_webhook_url" env:"NOTIFY_SLACK_WEBHOOK_URL"`
	SlackChannel    string   `yaml:"slack_channel" env:"NOTIFY_SLACK_CHANNEL"`
	WebhookURL      string   `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL"`
	SMTPAddr        string   `yaml:"smtp_addr" env:"NOTIFY_SMTP_ADDR"`
	EmailFrom       string   `yaml:"email_from" env:"NOTIFY_EMAIL_FROM"`
	EmailTo         []string `yaml:"email_to" env:"NOTIFY_EMAIL_TO"`
	// RatePerSecond 通知发送速率限制，0 表示不限速。
	RatePerSecond float64 `yaml:"rate_per_second" env:"NOTIFY_RATE_PER_SECOND"`
	RateBurst     int     `yaml:"rate_burst" env:"NOTIFY_RATE_BURST"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// DefaultConfig 返回带默认值的配置。
func DefaultConfig() *Config {
	retry := reliability.DefaultRetryStrategy()
	breaker := reliability.DefaultBreakerConfig()
	limits := budget.DefaultLimits()
	return &Config{
		Retry: RetryConfig{
			MaxAttempts: retry.MaxAttempts,
			Backoff:     string(retry.Backoff),
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
		},
		Breaker: BreakerConfig{
			Threshold: breaker.Threshold,
			Window:    breaker.Window,
			Cooldown:  breaker.Cooldown,
		},
		Budget: BudgetConfig{
			MaxTokensPerMinute: limits.MaxTokensPerMinute,
			MaxTokensPerDay:    limits.MaxTokensPerDay,
			MaxCostPerDay:      limits.MaxCostPerDay,
			AlertThreshold:     limits.AlertThreshold,
		},
		Notify: NotifyConfig{
			RateBurst: 1,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate 校验配置的合法性。
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts 不能为负数: %d", c.Retry.MaxAttempts)
	}
	switch reliability.BackoffKind(c.Retry.Backoff) {
	case reliability.BackoffNone, reliability.BackoffLinear, reliability.BackoffExponential:
	default:
		return fmt.Errorf("config: 未知的退避算法 %q", c.Retry.Backoff)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("config: retry 延迟不能为负数")
	}
	if c.Breaker.Threshold < 0 {
		return fmt.Errorf("config: breaker.threshold 不能为负数: %d", c.Breaker.Threshold)
	}
	if c.Breaker.Window < 0 || c.Breaker.Cooldown < 0 {
		return fmt.Errorf("config: breaker 时间窗口不能为负数")
	}
	if c.Budget.AlertThreshold < 0 || c.Budget.AlertThreshold > 1 {
		return fmt.Errorf("config: budget.alert_threshold 必须在 [0, 1] 内: %v", c.Budget.AlertThreshold)
	}
	if c.Execute.TotalTimeout < 0 {
		return fmt.Errorf("config: execute.total_timeout 不能为负数")
	}
	if c.Notify.RatePerSecond < 0 {
		return fmt.Errorf("config: notify.rate_per_second 不能为负数")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: 未知的日志级别 %q", c.Log.Level)
	}
	return nil
}

// RetryStrategy 将配置转换为不可变的重试策略快照。
func (c *Config) RetryStrategy() *reliability.RetryStrategy {
	return &reliability.RetryStrategy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     reliability.BackoffKind(c.Retry.Backoff),
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// BreakerConfig 将配置转换为熔断器配置快照。
func (c *Config) BreakerConfig() reliability.BreakerConfig {
	return reliability.BreakerConfig{
		Threshold: c.Breaker.Threshold,
		Window:    c.Breaker.Window,
		Cooldown:  c.Breaker.Cooldown,
	}
}

// BudgetLimits 将配置转换为预算限额快照。
func (c *Config) BudgetLimits() budget.Limits {
	return budget.Limits{
		MaxTokensPerMinute: c.Budget.MaxTokensPerMinute,
		MaxTokensPerDay:    c.Budget.MaxTokensPerDay,
		MaxCostPerDay:      c.Budget.MaxCostPerDay,
		AlertThreshold:     c.Budget.AlertThreshold,
	}
}
