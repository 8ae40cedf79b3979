package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adham90/agentrun/approval"
)

// Reminder re-notifies approvers of gates that stay pending too long. A
// gate gets its first reminder once it has been pending for one interval,
// then one more per interval until it leaves pending.
type Reminder struct {
	store    approval.Store
	registry *Registry
	interval time.Duration
	channels []string
	logger   *zap.Logger
}

// NewReminder creates a reminder sweep over the given store and channels.
func NewReminder(store approval.Store, registry *Registry, interval time.Duration, channels []string, logger *zap.Logger) *Reminder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reminder{
		store:    store,
		registry: registry,
		interval: interval,
		channels: channels,
		logger:   logger.With(zap.String("component", "reminder")),
	}
}

// Sweep sends one reminder for every pending approval that is due and
// records the send time on the gate. Returns the number of reminders sent.
func (r *Reminder) Sweep(ctx context.Context) (int, error) {
	pending, err := r.store.AllPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("reminder sweep: %w", err)
	}

	sent := 0
	for _, a := range pending {
		if !r.due(a) {
			continue
		}
		message := fmt.Sprintf("Approval %q for workflow %s is still pending", a.Name, a.WorkflowID)
		r.registry.Remind(ctx, a, message, r.channels)
		if _, err := r.store.Update(ctx, a.ID, func(p *approval.Approval) error {
			p.MarkReminded()
			return nil
		}); err != nil {
			r.logger.Warn("failed to record reminder",
				zap.String("approval", a.ID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// Run sweeps on every interval tick until ctx is canceled.
func (r *Reminder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("reminder sweep failed", zap.Error(err))
			}
		}
	}
}

// due reports whether the gate has reached its next reminder point.
// Expired gates are left for the waiting side to close, not reminded.
func (r *Reminder) due(a *approval.Approval) bool {
	if a.Expired() {
		return false
	}
	last := a.CreatedAt
	if a.RemindedAt != nil {
		last = *a.RemindedAt
	}
	return time.Since(last) >= r.interval
}
