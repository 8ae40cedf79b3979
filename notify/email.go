package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adham90/agentrun/approval"
)

// SendMailFunc matches smtp.SendMail and is swappable for tests.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends approval messages over SMTP to the approval's
// approver list, falling back to a configured default recipient list.
type EmailNotifier struct {
	addr      string
	auth      smtp.Auth
	from      string
	defaultTo []string
	subject   string
	sendMail  SendMailFunc
	logger    *zap.Logger
}

// EmailOption configures an EmailNotifier.
type EmailOption func(*EmailNotifier)

// WithEmailAuth sets SMTP authentication.
func WithEmailAuth(auth smtp.Auth) EmailOption {
	return func(e *EmailNotifier) {
		e.auth = auth
	}
}

// WithEmailSubject overrides the default subject line.
func WithEmailSubject(subject string) EmailOption {
	return func(e *EmailNotifier) {
		e.subject = subject
	}
}

// WithSendMail substitutes the SMTP send function, mainly for tests.
func WithSendMail(fn SendMailFunc) EmailOption {
	return func(e *EmailNotifier) {
		e.sendMail = fn
	}
}

// NewEmailNotifier creates an SMTP notifier. addr is host:port.
func NewEmailNotifier(addr, from string, defaultTo []string, logger *zap.Logger, opts ...EmailOption) *EmailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &EmailNotifier{
		addr:      addr,
		from:      from,
		defaultTo: defaultTo,
		subject:   "Approval required",
		sendMail:  smtp.SendMail,
		logger:    logger.With(zap.String("component", "notify.email")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Notify sends message to the approval's approvers, or the default
// recipients when the approval names none.
func (e *EmailNotifier) Notify(ctx context.Context, a *approval.Approval, message string) bool {
	to := a.Approvers
	if len(to) == 0 {
		to = e.defaultTo
	}
	if len(to) == 0 {
		e.logger.Warn("no recipients for approval email", zap.String("approval_id", a.ID))
		return false
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", e.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&body, "Subject: %s [%s/%s]\r\n", e.subject, a.WorkflowID, a.Name)
	fmt.Fprintf(&body, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	body.WriteString("\r\n")
	body.WriteString(message)
	fmt.Fprintf(&body, "\r\n\r\nApproval ID: %s\r\n", a.ID)

	// smtp.SendMail has no context hook; run it in a goroutine so a hung
	// SMTP server cannot outlive the caller's deadline.
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.sendMail(e.addr, e.auth, e.from, to, []byte(body.String()))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			e.logger.Warn("email delivery failed", zap.String("approval_id", a.ID), zap.Error(err))
			return false
		}
		return true
	case <-ctx.Done():
		e.logger.Warn("email delivery canceled", zap.String("approval_id", a.ID), zap.Error(ctx.Err()))
		return false
	}
}
