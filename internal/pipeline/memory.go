package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// MemoryStore is an in-process Store for the Lite profile and tests.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*domain.DeploymentExecution
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*domain.DeploymentExecution)}
}

func cloneExecution(e *domain.DeploymentExecution) *domain.DeploymentExecution {
	cp := *e
	cp.Stages = append([]domain.Stage(nil), e.Stages...)
	cp.NodeResults = append([]domain.NodeResult(nil), e.NodeResults...)
	cp.PreviousVersions = make(map[string]domain.Version, len(e.PreviousVersions))
	for k, v := range e.PreviousVersions {
		cp.PreviousVersions[k] = v
	}
	cp.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, exec *domain.DeploymentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[exec.ExecutionID] = cloneExecution(exec)
	s.order = append(s.order, exec.ExecutionID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (*domain.DeploymentExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[executionID]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	return cloneExecution(e), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*domain.DeploymentExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*domain.DeploymentExecution
	for _, id := range s.order {
		e := s.byID[id]
		if filter.ModuleName != "" && e.ModuleName != filter.ModuleName {
			continue
		}
		if filter.Environment != "" && e.Environment != filter.Environment {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.CreatedFrom != nil && e.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && e.CreatedAt.After(*filter.CreatedTo) {
			continue
		}
		matched = append(matched, e)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]*domain.DeploymentExecution, len(matched))
	for i, e := range matched {
		out[i] = cloneExecution(e)
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, executionID string, status domain.ExecutionStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[executionID]
	if !ok {
		return domain.ErrExecutionNotFound
	}
	if !domain.CanTransition(e.Status, status) {
		return &domain.TransitionError{From: string(e.Status), To: string(status)}
	}
	e.Status = status
	e.Message = message
	now := time.Now()
	if e.StartedAt.IsZero() && status != domain.StatusCreated {
		e.StartedAt = now
	}
	if status.Terminal() {
		e.EndedAt = now
	}
	return nil
}

func (s *MemoryStore) UpsertStage(_ context.Context, executionID string, stage domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[executionID]
	if !ok {
		return domain.ErrExecutionNotFound
	}
	for i := len(e.Stages) - 1; i >= 0; i-- {
		if e.Stages[i].Name == stage.Name && e.Stages[i].Status == domain.StageRunning {
			e.Stages[i] = stage
			return nil
		}
	}
	e.Stages = append(e.Stages, stage)
	return nil
}

func (s *MemoryStore) AppendNodeResult(_ context.Context, executionID string, result domain.NodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[executionID]
	if !ok {
		return domain.ErrExecutionNotFound
	}
	e.NodeResults = append(e.NodeResults, result)
	return nil
}

func (s *MemoryStore) SetPreviousVersions(_ context.Context, executionID string, versions map[string]domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[executionID]
	if !ok {
		return domain.ErrExecutionNotFound
	}
	e.PreviousVersions = versions
	return nil
}

func (s *MemoryStore) HasActiveForModuleEnv(_ context.Context, module domain.ModuleName, env domain.Environment, excludeExecutionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byID {
		if e.ExecutionID == excludeExecutionID {
			continue
		}
		if e.ModuleName == module && e.Environment == env && !e.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) HasTerminalDuplicate(_ context.Context, module domain.ModuleName, version domain.Version, env domain.Environment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.byID {
		if e.ModuleName == module && e.Environment == env && e.TargetVersion.Equal(version) && e.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}
