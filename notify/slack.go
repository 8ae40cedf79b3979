package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/adham90/agentrun/approval"
)

// SlackNotifier posts approval messages to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *resty.Client
	logger     *zap.Logger
}

// SlackOption configures a SlackNotifier.
type SlackOption func(*SlackNotifier)

// WithSlackChannel overrides the webhook's default channel.
func WithSlackChannel(channel string) SlackOption {
	return func(s *SlackNotifier) {
		s.channel = channel
	}
}

// WithSlackClient substitutes the HTTP client, mainly for tests.
func WithSlackClient(client *resty.Client) SlackOption {
	return func(s *SlackNotifier) {
		s.client = client
	}
}

// NewSlackNotifier creates a Slack notifier for the given webhook URL.
func NewSlackNotifier(webhookURL string, logger *zap.Logger, opts ...SlackOption) *SlackNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SlackNotifier{
		webhookURL: webhookURL,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
		logger: logger.With(zap.String("component", "notify.slack")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type slackPayload struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks,omitempty"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify posts message with approval context to the webhook.
func (s *SlackNotifier) Notify(ctx context.Context, a *approval.Approval, message string) bool {
	payload := slackPayload{
		Channel: s.channel,
		Text:    message,
		Blocks: []slackBlock{
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: message}},
			{Type: "section", Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Approval:* `%s`\n*Workflow:* %s\n*Gate:* %s", a.ID, a.WorkflowID, a.Name),
			}},
		},
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(s.webhookURL)
	if err != nil {
		s.logger.Warn("Slack delivery failed", zap.String("approval_id", a.ID), zap.Error(err))
		return false
	}
	if resp.IsError() {
		s.logger.Warn("Slack webhook rejected message",
			zap.String("approval_id", a.ID),
			zap.Int("status", resp.StatusCode()))
		return false
	}
	return true
}
