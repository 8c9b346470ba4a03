package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// MemoryStore is an in-process Store for the Lite profile and tests.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*domain.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*domain.Message)}
}

func (s *MemoryStore) Insert(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.MessageID] = &cp
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, topic, workerID string, n int, lease time.Duration) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var claimable []*domain.Message
	for _, m := range s.messages {
		if m.Topic != topic || m.Status != domain.MessagePending {
			continue
		}
		if !m.LockedUntil.IsZero() && m.LockedUntil.After(now) {
			continue
		}
		claimable = append(claimable, m)
	}
	sort.Slice(claimable, func(i, k int) bool {
		if claimable[i].Priority != claimable[k].Priority {
			return claimable[i].Priority > claimable[k].Priority
		}
		return claimable[i].CreatedAt.Before(claimable[k].CreatedAt)
	})
	if len(claimable) > n {
		claimable = claimable[:n]
	}

	out := make([]*domain.Message, 0, len(claimable))
	for _, m := range claimable {
		m.Status = domain.MessageProcessing
		m.LockedUntil = now.Add(lease)
		m.ProcessingInstance = workerID
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Ack(ctx context.Context, messageID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	m.Status = domain.MessageAcked
	m.AcknowledgedAt = time.Now()
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, messageID, workerID, errMessage string, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	m.DeliveryAttempts++
	m.ErrorMessage = errMessage
	m.LockedUntil = time.Time{}
	if m.DeliveryAttempts >= maxRetries {
		m.Status = domain.MessageDeadLetter
	} else {
		m.Status = domain.MessagePending
	}
	return nil
}

func (s *MemoryStore) SweepStaleLeases(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, m := range s.messages {
		if m.Status == domain.MessageProcessing && m.LockedUntil.Before(now) {
			m.Status = domain.MessagePending
			n++
		}
	}
	return n, nil
}
