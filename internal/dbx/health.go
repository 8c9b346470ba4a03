package dbx

import (
	"context"
	"time"
)

type HealthChecker interface {
	CheckHealth(ctx context.Context) error
	GetStats() PoolStats
	IsHealthy() bool
	LastCheckTime() time.Time
}

type DefaultHealthChecker struct {
	pool      *PostgresPool
	lastCheck time.Time
	isHealthy bool
}

func NewHealthChecker(pool *PostgresPool) HealthChecker {
	return &DefaultHealthChecker{
		pool:      pool,
		lastCheck: time.Now(),
		isHealthy: false,
	}
}

func (h *DefaultHealthChecker) CheckHealth(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := h.pool.pool.Query(checkCtx, "SELECT 1")
	if err != nil {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return ErrHealthCheckFailed
	}

	var result int
	if err := rows.Scan(&result); err != nil {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return err
	}

	if result != 1 {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return ErrHealthCheckFailed
	}

	h.pool.metrics.RecordHealthCheck(true)
	h.isHealthy = true
	h.lastCheck = time.Now()
	return nil
}

func (h *DefaultHealthChecker) GetStats() PoolStats {
	return h.pool.metrics.Snapshot()
}

func (h *DefaultHealthChecker) IsHealthy() bool {
	return h.isHealthy
}

func (h *DefaultHealthChecker) LastCheckTime() time.Time {
	return h.lastCheck
}

type PeriodicHealthChecker struct {
	checker   HealthChecker
	interval  time.Duration
	stopCh    chan struct{}
	isRunning bool
}

func NewPeriodicHealthChecker(checker HealthChecker, interval time.Duration) *PeriodicHealthChecker {
	return &PeriodicHealthChecker{
		checker:   checker,
		interval:  interval,
		stopCh:    make(chan struct{}),
		isRunning: false,
	}
}

func (p *PeriodicHealthChecker) Start(ctx context.Context) {
	if p.isRunning {
		return
	}

	p.isRunning = true

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.isRunning = false
				return
			case <-p.stopCh:
				p.isRunning = false
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

				if err := p.checker.CheckHealth(checkCtx); err != nil {
				}

				cancel()
			}
		}
	}()
}

func (p *PeriodicHealthChecker) Stop() {
	if !p.isRunning {
		return
	}

	select {
	case p.stopCh <- struct{}{}:
	default:
	}
}

func (p *PeriodicHealthChecker) IsRunning() bool {
	return p.isRunning
}
