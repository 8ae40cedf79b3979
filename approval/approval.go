// Package approval provides human-in-the-loop approval gates for workflows:
// a strict four-state approval record and interchangeable stores (in-memory,
// Redis, GORM) with atomic status transitions.
package approval

import (
	"time"

	"github.com/google/uuid"

	"github.com/adham90/agentrun/types"
)

// Status represents the lifecycle state of an approval.
type Status string

const (
	// StatusPending is the only non-terminal state.
	StatusPending Status = "pending"
	// StatusApproved indicates a human approved the gate.
	StatusApproved Status = "approved"
	// StatusRejected indicates a human rejected the gate.
	StatusRejected Status = "rejected"
	// StatusExpired indicates the gate expired before a decision.
	StatusExpired Status = "expired"
)

// Terminal reports whether the status is terminal. Approvals are never
// reopened once they leave pending.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Approval is a named human-in-the-loop gate a workflow suspends on.
// Mutate only through Approve/Reject/Expire; each is valid only from pending.
type Approval struct {
	ID           string         `json:"id" gorm:"primaryKey"`
	WorkflowID   string         `json:"workflow_id" gorm:"index"`
	WorkflowType string         `json:"workflow_type"`
	Name         string         `json:"name" gorm:"index"`
	Status       Status         `json:"status" gorm:"index"`
	Approvers    []string       `json:"approvers,omitempty" gorm:"serializer:json"`
	ApprovedBy   string         `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time     `json:"approved_at,omitempty"`
	RejectedBy   string         `json:"rejected_by,omitempty"`
	RejectedAt   *time.Time     `json:"rejected_at,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	RemindedAt   *time.Time     `json:"reminded_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Option customizes a new approval.
type Option func(*Approval)

// WithApprovers restricts who may decide the approval.
func WithApprovers(users ...string) Option {
	return func(a *Approval) {
		a.Approvers = users
	}
}

// WithExpiry sets the deadline after which the approval can be expired.
func WithExpiry(at time.Time) Option {
	return func(a *Approval) {
		a.ExpiresAt = &at
	}
}

// WithMetadata attaches arbitrary context for notifiers and audit trails.
func WithMetadata(metadata map[string]any) Option {
	return func(a *Approval) {
		a.Metadata = metadata
	}
}

// New creates a pending approval for a workflow gate.
func New(workflowID, workflowType, name string, opts ...Option) *Approval {
	a := &Approval{
		ID:           "apr_" + uuid.NewString(),
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		Name:         name,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Pending reports whether the approval is still awaiting a decision.
func (a *Approval) Pending() bool {
	return a.Status == StatusPending
}

// CanDecide reports whether user is allowed to decide this approval.
// An empty approver list allows anyone.
func (a *Approval) CanDecide(user string) bool {
	if len(a.Approvers) == 0 {
		return true
	}
	for _, approver := range a.Approvers {
		if approver == user {
			return true
		}
	}
	return false
}

// Approve transitions pending → approved and records who and when.
func (a *Approval) Approve(by string) error {
	if err := a.ensurePending("approve"); err != nil {
		return err
	}
	if !a.CanDecide(by) {
		return types.NewError(types.ErrInvalidApprovalState,
			"user "+by+" is not in the approver list for "+a.Name)
	}
	now := time.Now()
	a.Status = StatusApproved
	a.ApprovedBy = by
	a.ApprovedAt = &now
	return nil
}

// Reject transitions pending → rejected and records who, when, and why.
func (a *Approval) Reject(by, reason string) error {
	if err := a.ensurePending("reject"); err != nil {
		return err
	}
	if !a.CanDecide(by) {
		return types.NewError(types.ErrInvalidApprovalState,
			"user "+by+" is not in the approver list for "+a.Name)
	}
	now := time.Now()
	a.Status = StatusRejected
	a.RejectedBy = by
	a.RejectedAt = &now
	a.Reason = reason
	return nil
}

// Expire transitions pending → expired.
func (a *Approval) Expire() error {
	if err := a.ensurePending("expire"); err != nil {
		return err
	}
	a.Status = StatusExpired
	return nil
}

// MarkReminded records when a reminder notification was last sent.
func (a *Approval) MarkReminded() {
	now := time.Now()
	a.RemindedAt = &now
}

// Expired reports whether the approval has a deadline in the past.
func (a *Approval) Expired() bool {
	return a.ExpiresAt != nil && time.Now().After(*a.ExpiresAt)
}

func (a *Approval) ensurePending(op string) error {
	if a.Status != StatusPending {
		return &types.InvalidApprovalStateError{
			ID:     a.ID,
			Status: string(a.Status),
			Op:     op,
		}
	}
	return nil
}
