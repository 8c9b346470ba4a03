// Package worker implements the job-queue consumer: it claims pending
// jobs and runs the pipeline for each. It is deliberately thin — all
// state-machine and rollback logic lives in internal/pipeline; this
// package only owns claim/complete/retry bookkeeping against the durable
// job queue, on a bounded-poll-plus-wakeup-signal loop.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/pipeline"
	"github.com/kubedeploy/orchestrator/internal/queue"
)

// Settings tunes a Runner's polling and leasing behavior.
type Settings struct {
	// ID identifies this worker as processingInstance on claimed jobs.
	ID string
	// Concurrency bounds how many jobs this worker runs at once.
	Concurrency int
	// PollInterval is the safety-net poll cadence.
	PollInterval time.Duration
	// LeaseDuration is how long a claimed job is held before it is
	// eligible for the stale-lease sweep.
	LeaseDuration time.Duration
}

// DefaultSettings returns the Runner's stock settings. The poll interval
// matches config.JobConfig's 30s default; the 5-minute lease is longer
// than config.JobConfig's 30s default lease.
func DefaultSettings(id string) Settings {
	return Settings{
		ID:            id,
		Concurrency:   4,
		PollInterval:  30 * time.Second,
		LeaseDuration: 5 * time.Minute,
	}
}

// Runner repeatedly claims jobs from a queue.Queue and drives each one
// through a pipeline.Executor until Stop is called.
type Runner struct {
	jobs     queue.Queue
	executor *pipeline.Executor
	store    pipeline.Store
	settings Settings
	logger   *slog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Runner. store must be the same Store the Executor was
// constructed with, so the worker can tell a suspended execution from a
// terminal one after Run returns. Wake is always safe to call even with
// no Runner listening.
func New(jobs queue.Queue, executor *pipeline.Executor, store pipeline.Store, settings Settings, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 30 * time.Second
	}
	if settings.LeaseDuration <= 0 {
		settings.LeaseDuration = 5 * time.Minute
	}
	return &Runner{
		jobs:     jobs,
		executor: executor,
		store:    store,
		settings: settings,
		logger:   logger.With("component", "worker", "worker_id", settings.ID),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Wake nudges the poll loop to run a claim cycle immediately rather than
// waiting for the next tick.
func (r *Runner) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the poll loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.settings.PollInterval)
		defer ticker.Stop()

		r.pollOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.pollOnce(ctx)
			case <-r.wakeCh:
				r.pollOnce(ctx)
			}
		}
	}()
}

// Stop signals the poll loop to exit and waits for in-flight claims to
// return.
func (r *Runner) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.wg.Wait()
}

func (r *Runner) pollOnce(ctx context.Context) {
	jobs, err := r.jobs.Claim(ctx, r.settings.ID, r.settings.Concurrency, r.settings.LeaseDuration)
	if err != nil {
		r.logger.Error("claim failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *domain.Job) {
			defer wg.Done()
			r.runOne(ctx, j)
		}(j)
	}
	wg.Wait()
}

// runOne drives a single claimed job to either Succeeded, re-armed
// Pending (retryable), or Failed. pipeline.Executor.Run returns a non-nil
// error only for the Infrastructure category: any business
// failure (Validate/Verify/Deploy rejection, policy violation) is
// absorbed into the execution's own terminal status and Run returns nil.
func (r *Runner) runOne(ctx context.Context, job *domain.Job) {
	log := r.logger.With("job_id", job.ID, "execution_id", job.DeploymentExecID)

	err := r.executor.Run(ctx, job.DeploymentExecID)
	if err != nil {
		r.handleRunError(ctx, job, err, log)
		return
	}

	exec, getErr := r.execStatus(ctx, job.DeploymentExecID)
	if getErr != nil {
		log.Error("reload execution after run failed", "error", getErr)
		return
	}
	if !exec.Terminal() {
		// Suspended at an approval gate, a rolling/canary wait, or a
		// stabilization window. Leave the job Running; Claim only takes
		// Pending jobs, so a Wake does not pick it up again: it is
		// reclaimed once its lease expires and SweepStaleLeases re-arms it.
		return
	}
	if err := r.jobs.Complete(ctx, job.ID, r.settings.ID); err != nil && !errors.Is(err, queue.ErrNotOwner) {
		log.Error("complete failed", "error", err)
	}
}

func (r *Runner) handleRunError(ctx context.Context, job *domain.Job, err error, log *slog.Logger) {
	if job.RetryCount+1 >= job.MaxRetries {
		log.Error("job failed, retries exhausted", "error", err, "retry_count", job.RetryCount)
		if failErr := r.jobs.Fail(ctx, job.ID, r.settings.ID, err.Error()); failErr != nil && !errors.Is(failErr, queue.ErrNotOwner) {
			log.Error("fail failed", "error", failErr)
		}
		return
	}
	log.Warn("job failed, will retry", "error", err, "retry_count", job.RetryCount)
	if retryErr := r.jobs.Retry(ctx, job.ID, r.settings.ID, err.Error()); retryErr != nil && !errors.Is(retryErr, queue.ErrNotOwner) {
		log.Error("retry failed", "error", retryErr)
	}
}

func (r *Runner) execStatus(ctx context.Context, executionID string) (domain.ExecutionStatus, error) {
	exec, err := r.store.Get(ctx, executionID)
	if err != nil {
		return "", err
	}
	return exec.Status, nil
}
