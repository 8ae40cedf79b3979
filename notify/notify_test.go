package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adham90/agentrun/approval"
)

func newTestApproval() *approval.Approval {
	return approval.New("wf-1", "deploy", "production-gate",
		approval.WithApprovers("alice@example.com", "bob@example.com"))
}

// --- Registry ---

func TestRegistry_NotifyAll(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.Register("ok", NotifierFunc(func(ctx context.Context, a *approval.Approval, message string) bool {
		return true
	}))
	registry.Register("down", NotifierFunc(func(ctx context.Context, a *approval.Approval, message string) bool {
		return false
	}))

	results := registry.NotifyAll(context.Background(), newTestApproval(), "needs approval",
		[]string{"ok", "down", "missing"})

	assert.True(t, results["ok"])
	assert.False(t, results["down"])
	assert.False(t, results["missing"], "unregistered channel reports false, not error")
	assert.Len(t, results, 3)
}

func TestRegistry_PanickingNotifierReportsFalse(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.Register("broken", NotifierFunc(func(ctx context.Context, a *approval.Approval, message string) bool {
		panic("boom")
	}))

	results := registry.NotifyAll(context.Background(), newTestApproval(), "msg", []string{"broken"})
	assert.False(t, results["broken"])
}

func TestRegistry_RemindPrefixesMessage(t *testing.T) {
	var got atomic.Value
	registry := NewRegistry(zap.NewNop())
	registry.Register("capture", NotifierFunc(func(ctx context.Context, a *approval.Approval, message string) bool {
		got.Store(message)
		return true
	}))

	registry.Remind(context.Background(), newTestApproval(), "still waiting", []string{"capture"})
	assert.Equal(t, "[Reminder] still waiting", got.Load())

	registry.Escalate(context.Background(), newTestApproval(), "overdue", []string{"capture"})
	assert.Equal(t, "[Escalation] overdue", got.Load())
}

func TestRegistry_RateLimitCanceledContext(t *testing.T) {
	// 1 token burst, near-zero refill: the second delivery must wait, and a
	// canceled context turns that wait into a failed delivery.
	registry := NewRegistry(zap.NewNop(), WithRateLimit(0.001, 1))
	registry.Register("slow", NotifierFunc(func(ctx context.Context, a *approval.Approval, message string) bool {
		return true
	}))

	ctx, cancel := context.WithCancel(context.Background())
	first := registry.NotifyAll(ctx, newTestApproval(), "msg", []string{"slow"})
	require.True(t, first["slow"])

	cancel()
	second := registry.NotifyAll(ctx, newTestApproval(), "msg", []string{"slow"})
	assert.False(t, second["slow"])
}

// --- Slack ---

func TestSlackNotifier_Notify(t *testing.T) {
	var received slackPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, zap.NewNop(), WithSlackChannel("#approvals"))
	a := newTestApproval()

	ok := notifier.Notify(context.Background(), a, "deploy needs sign-off")

	assert.True(t, ok)
	assert.Equal(t, "#approvals", received.Channel)
	assert.Equal(t, "deploy needs sign-off", received.Text)
	require.Len(t, received.Blocks, 2)
	assert.Contains(t, received.Blocks[1].Text.Text, a.ID)
}

func TestSlackNotifier_ServerErrorReportsFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, zap.NewNop())
	notifier.client.SetRetryCount(0)

	assert.False(t, notifier.Notify(context.Background(), newTestApproval(), "msg"))
}

// --- Webhook ---

func TestWebhookNotifier_Notify(t *testing.T) {
	var envelope webhookEnvelope
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, zap.NewNop(),
		WithWebhookHeaders(map[string]string{"Authorization": "Bearer t0k3n"}))
	a := newTestApproval()

	ok := notifier.Notify(context.Background(), a, "gate open")

	assert.True(t, ok)
	assert.Equal(t, "Bearer t0k3n", gotAuth)
	assert.Equal(t, "approval.notify", envelope.Event)
	assert.Equal(t, "gate open", envelope.Message)
	require.NotNil(t, envelope.Approval)
	assert.Equal(t, a.ID, envelope.Approval.ID)
}

func TestWebhookNotifier_UnreachableEndpoint(t *testing.T) {
	notifier := NewWebhookNotifier("http://127.0.0.1:1", zap.NewNop())
	notifier.client.SetRetryCount(0).SetTimeout(500 * time.Millisecond)

	assert.False(t, notifier.Notify(context.Background(), newTestApproval(), "msg"))
}

// --- Email ---

func TestEmailNotifier_SendsToApprovers(t *testing.T) {
	var gotTo []string
	var gotMsg string
	send := func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	notifier := NewEmailNotifier("smtp.example.com:587", "bot@example.com", nil,
		zap.NewNop(), WithSendMail(send))
	a := newTestApproval()

	ok := notifier.Notify(context.Background(), a, "please review")

	assert.True(t, ok)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "please review")
	assert.Contains(t, gotMsg, a.ID)
}

func TestEmailNotifier_NoRecipients(t *testing.T) {
	notifier := NewEmailNotifier("smtp.example.com:587", "bot@example.com", nil,
		zap.NewNop(), WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			t.Fatal("sendMail must not be called without recipients")
			return nil
		}))

	a := approval.New("wf-1", "deploy", "gate")
	assert.False(t, notifier.Notify(context.Background(), a, "msg"))
}
