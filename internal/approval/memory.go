package approval

import (
	"context"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// MemoryStore is an in-process Store for the Lite profile and tests.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*domain.ApprovalRequest // keyed by execution ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*domain.ApprovalRequest)}
}

func clone(req *domain.ApprovalRequest) *domain.ApprovalRequest {
	cp := *req
	cp.ApproverEmails = append([]string(nil), req.ApproverEmails...)
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[req.DeploymentExecID]; exists {
		return ErrAlreadyExists
	}
	s.byID[req.DeploymentExecID] = clone(req)
	return nil
}

func (s *MemoryStore) GetByExecutionID(_ context.Context, executionID string) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[executionID]
	if !ok {
		return nil, domain.ErrApprovalNotFound
	}
	return clone(req), nil
}

func (s *MemoryStore) Decide(_ context.Context, executionID string, status domain.ApprovalStatus, approver, reason string) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[executionID]
	if !ok {
		return nil, domain.ErrApprovalNotFound
	}
	if req.Status != domain.ApprovalPending {
		return nil, domain.ErrApprovalTerminal
	}
	req.Status = status
	req.RespondedAt = time.Now()
	req.RespondedByEmail = approver
	req.ResponseReason = reason
	return clone(req), nil
}

func (s *MemoryStore) ExpirePending(_ context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*domain.ApprovalRequest
	for _, req := range s.byID {
		if req.Status == domain.ApprovalPending && !req.TimeoutAt.After(now) {
			req.Status = domain.ApprovalExpired
			req.RespondedAt = now
			req.ResponseReason = "approval timed out"
			expired = append(expired, clone(req))
		}
	}
	return expired, nil
}
