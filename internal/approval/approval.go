// Package approval implements the Approval Workflow: persistent
// ApprovalRequests that gate a pipeline's Deploy stage behind a human
// decision, with durable timeout expiry via a background sweeper.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// ErrAlreadyExists is returned by Create when an ApprovalRequest already
// exists for the given deployment execution (the 1:1 invariant).
var ErrAlreadyExists = errors.New("approval: request already exists for this execution")

// Store is the durable persistence contract for approval requests.
type Store interface {
	// Create persists a new Pending ApprovalRequest.
	Create(ctx context.Context, req *domain.ApprovalRequest) error

	// GetByExecutionID loads the ApprovalRequest for a deployment execution.
	GetByExecutionID(ctx context.Context, executionID string) (*domain.ApprovalRequest, error)

	// Decide atomically transitions a Pending request to Approved or
	// Rejected, recording the approver and reason. Returns the request as
	// updated by the call, or domain.ErrApprovalTerminal when the request
	// is no longer Pending.
	Decide(ctx context.Context, executionID string, status domain.ApprovalStatus, approver, reason string) (*domain.ApprovalRequest, error)

	// ExpirePending atomically transitions every Pending row with
	// timeoutAt <= now to Expired, returning the expired rows.
	ExpirePending(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error)
}

// Notifier delivers the human-facing notification when a gate opens.
// Transport (SMS/email) is out of scope; this is a narrow
// seam the surrounding service implements.
type Notifier interface {
	NotifyApprovalRequested(ctx context.Context, req *domain.ApprovalRequest) error
}

// NoopNotifier discards notifications, the default when none is wired.
type NoopNotifier struct{}

func (NoopNotifier) NotifyApprovalRequested(context.Context, *domain.ApprovalRequest) error { return nil }

// Workflow is the facade: creation, decision, and expiry over a Store.
type Workflow struct {
	store    Store
	notifier Notifier
	wake     func()
}

// Option configures a Workflow at construction.
type Option func(*Workflow)

// WithWake installs a function called after every decision or expiry so a
// suspended pipeline can re-check its approval gate immediately.
func WithWake(fn func()) Option { return func(w *Workflow) { w.wake = fn } }

func New(store Store, notifier Notifier, opts ...Option) *Workflow {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	w := &Workflow{store: store, notifier: notifier, wake: func() {}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Request creates a new Pending ApprovalRequest for execution and emits the
// human-facing notification.
func (w *Workflow) Request(ctx context.Context, execution *domain.DeploymentExecution, approverEmails []string, ttl time.Duration) (*domain.ApprovalRequest, error) {
	now := time.Now()
	req := &domain.ApprovalRequest{
		ApprovalID:       domain.NewApprovalID(),
		DeploymentExecID: execution.ExecutionID,
		ModuleName:       execution.ModuleName,
		Version:          execution.TargetVersion,
		Environment:      execution.Environment,
		RequesterEmail:   execution.RequesterEmail,
		ApproverEmails:   approverEmails,
		Status:           domain.ApprovalPending,
		RequestedAt:      now,
		TimeoutAt:        now.Add(ttl),
	}
	if err := w.store.Create(ctx, req); err != nil {
		return nil, err
	}
	if err := w.notifier.NotifyApprovalRequested(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// Get loads the ApprovalRequest for an execution.
func (w *Workflow) Get(ctx context.Context, executionID string) (*domain.ApprovalRequest, error) {
	return w.store.GetByExecutionID(ctx, executionID)
}

// authorize reports whether approver is permitted to decide req: the empty
// approverEmails list means any authorized caller.
func authorize(req *domain.ApprovalRequest, approver string) bool {
	if len(req.ApproverEmails) == 0 {
		return true
	}
	for _, e := range req.ApproverEmails {
		if e == approver {
			return true
		}
	}
	return false
}

// Approve transitions execution's approval request to Approved. Idempotent
// on an already-terminal request: it returns the current (unchanged) state
// without error.
func (w *Workflow) Approve(ctx context.Context, executionID, approver, reason string) (*domain.ApprovalRequest, error) {
	return w.decide(ctx, executionID, domain.ApprovalApproved, approver, reason)
}

// Reject transitions execution's approval request to Rejected, subject to
// the same idempotence as Approve.
func (w *Workflow) Reject(ctx context.Context, executionID, approver, reason string) (*domain.ApprovalRequest, error) {
	return w.decide(ctx, executionID, domain.ApprovalRejected, approver, reason)
}

func (w *Workflow) decide(ctx context.Context, executionID string, status domain.ApprovalStatus, approver, reason string) (*domain.ApprovalRequest, error) {
	current, err := w.store.GetByExecutionID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}
	if !authorize(current, approver) {
		return nil, domain.ErrUnauthorized
	}
	decided, err := w.store.Decide(ctx, executionID, status, approver, reason)
	if err == nil {
		w.wake()
	}
	return decided, err
}

// SweepExpired transitions every Pending request whose timeout has passed
// to Expired, returning the newly expired rows so
// the caller can wake the corresponding pipelines.
func (w *Workflow) SweepExpired(ctx context.Context) ([]*domain.ApprovalRequest, error) {
	expired, err := w.store.ExpirePending(ctx, time.Now())
	if err == nil && len(expired) > 0 {
		w.wake()
	}
	return expired, err
}
