// Package notify delivers approval notifications over swappable channels
// (Slack, email, generic webhook). Delivery failure degrades to false and
// never raises, so a notification outage cannot fail a workflow.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adham90/agentrun/approval"
	"github.com/adham90/agentrun/internal/metrics"
)

// Notifier delivers one message about an approval to one channel.
// Implementations report delivery success as a bool; they must not panic
// and must not return errors to the caller.
type Notifier interface {
	Notify(ctx context.Context, a *approval.Approval, message string) bool
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, a *approval.Approval, message string) bool

func (f NotifierFunc) Notify(ctx context.Context, a *approval.Approval, message string) bool {
	return f(ctx, a, message)
}

// Registry is a name → Notifier map with fan-out delivery.
type Registry struct {
	notifiers map[string]Notifier
	limiter   *rate.Limiter
	collector *metrics.Collector
	logger    *zap.Logger
	mu        sync.RWMutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRateLimit bounds outbound deliveries to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) RegistryOption {
	return func(r *Registry) {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMetrics records delivery outcomes to the collector.
func WithMetrics(collector *metrics.Collector) RegistryOption {
	return func(r *Registry) {
		r.collector = collector
	}
}

// NewRegistry creates an empty notifier registry.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		notifiers: make(map[string]Notifier),
		logger:    logger.With(zap.String("component", "notify")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a notifier under name, replacing any previous registration.
func (r *Registry) Register(name string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[name] = n
}

// Get returns the notifier registered under name.
func (r *Registry) Get(name string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[name]
	return n, ok
}

// Channels returns the registered channel names.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.notifiers))
	for name := range r.notifiers {
		names = append(names, name)
	}
	return names
}

// NotifyAll fans out message to each named channel and returns a
// channel → delivered map. Unregistered channel names resolve to false.
func (r *Registry) NotifyAll(ctx context.Context, a *approval.Approval, message string, channels []string) map[string]bool {
	results := make(map[string]bool, len(channels))

	for _, channel := range channels {
		notifier, ok := r.Get(channel)
		if !ok {
			r.logger.Warn("notification channel not registered", zap.String("channel", channel))
			results[channel] = false
			r.collector.RecordNotification(channel, false)
			continue
		}

		delivered := r.deliver(ctx, channel, notifier, a, message)
		results[channel] = delivered
		r.collector.RecordNotification(channel, delivered)
	}

	return results
}

// Remind is a message-prefixing convenience over NotifyAll; it is not a
// separate wire operation.
func (r *Registry) Remind(ctx context.Context, a *approval.Approval, message string, channels []string) map[string]bool {
	return r.NotifyAll(ctx, a, "[Reminder] "+message, channels)
}

// Escalate is a message-prefixing convenience over NotifyAll.
func (r *Registry) Escalate(ctx context.Context, a *approval.Approval, message string, channels []string) map[string]bool {
	return r.NotifyAll(ctx, a, "[Escalation] "+message, channels)
}

func (r *Registry) deliver(ctx context.Context, channel string, n Notifier, a *approval.Approval, message string) (delivered bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("notifier panicked", zap.String("channel", channel), zap.Any("panic", rec))
			delivered = false
		}
	}()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.logger.Warn("notification rate limit wait canceled",
				zap.String("channel", channel), zap.Error(err))
			return false
		}
	}

	delivered = n.Notify(ctx, a, message)
	if !delivered {
		r.logger.Warn("notification delivery failed",
			zap.String("channel", channel),
			zap.String("approval_id", a.ID))
	}
	return delivered
}
