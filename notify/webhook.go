package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/adham90/agentrun/approval"
)

// WebhookNotifier POSTs a JSON envelope to an arbitrary HTTP endpoint.
// Any 2xx response counts as delivered.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *resty.Client
	logger  *zap.Logger
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookHeaders adds static headers to every request, e.g. auth tokens.
func WithWebhookHeaders(headers map[string]string) WebhookOption {
	return func(w *WebhookNotifier) {
		w.headers = headers
	}
}

// WithWebhookClient substitutes the HTTP client, mainly for tests.
func WithWebhookClient(client *resty.Client) WebhookOption {
	return func(w *WebhookNotifier) {
		w.client = client
	}
}

// NewWebhookNotifier creates a notifier targeting url.
func NewWebhookNotifier(url string, logger *zap.Logger, opts ...WebhookOption) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WebhookNotifier{
		url: url,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
		logger: logger.With(zap.String("component", "notify.webhook")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type webhookEnvelope struct {
	Event       string             `json:"event"`
	Message     string             `json:"message"`
	Approval    *approval.Approval `json:"approval"`
	DeliveredAt time.Time          `json:"delivered_at"`
}

// Notify delivers the envelope. Network errors and non-2xx responses
// both report false.
func (w *WebhookNotifier) Notify(ctx context.Context, a *approval.Approval, message string) bool {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(w.headers).
		SetBody(webhookEnvelope{
			Event:       "approval.notify",
			Message:     message,
			Approval:    a,
			DeliveredAt: time.Now().UTC(),
		}).
		Post(w.url)
	if err != nil {
		w.logger.Warn("webhook delivery failed", zap.String("approval_id", a.ID), zap.Error(err))
		return false
	}
	if resp.IsError() {
		w.logger.Warn("webhook endpoint rejected message",
			zap.String("approval_id", a.ID),
			zap.Int("status", resp.StatusCode()))
		return false
	}
	return true
}
