package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
)

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // idle poll cadence
	JobsPerSec   float64       `json:"jobs_per_sec"`  // dispatch rate limit, 0 disables
	Burst        int           `json:"burst"`         // rate limiter burst
}

// DefaultWorkerPoolConfig returns sensible defaults: a small pool that will
// not saturate SQLite with concurrent recomputation.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: time.Second,
		JobsPerSec:   10,
		Burst:        5,
	}
}

// WorkerPool runs registered handlers against queued jobs. Dispatch is
// paced by a token-bucket limiter so a storm of recalculation jobs after a
// bulk rule change drains gradually instead of hammering the database.
type WorkerPool struct {
	queue    *Queue
	registry *HandlerRegistry
	config   WorkerPoolConfig
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// NewWorkerPool creates a worker pool. Handlers must be registered on
// Registry() before Start. logger may be nil.
func NewWorkerPool(ctx context.Context, queue *Queue, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	var limiter *rate.Limiter
	if cfg.JobsPerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.JobsPerSec), burst)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:     queue,
		registry:  NewHandlerRegistry(),
		config:    cfg,
		limiter:   limiter,
		logger:    log,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}
}

// Registry returns the handler registry for registering job handlers
// before Start.
func (wp *WorkerPool) Registry() *HandlerRegistry { return wp.registry }

// Queue returns the underlying queue, for enqueuing.
func (wp *WorkerPool) Queue() *Queue { return wp.queue }

// Start recovers orphaned jobs and launches the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// Restart after Stop: derive a fresh context from the parent.
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.mu.Unlock()

	// Jobs left running by a crash are safe to rerun; handlers are
	// idempotent.
	recovered, err := wp.queue.store.RequeueRunning(wp.ctx)
	if err != nil {
		if wp.logger != nil {
			wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		}
	} else if recovered > 0 && wp.logger != nil {
		wp.logger.Infow("Recovered orphaned jobs", logger.FieldCount, recovered)
	}

	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	if wp.logger != nil {
		wp.logger.Infow("Worker pool started",
			"workers", wp.config.Workers,
			"poll_interval", wp.config.PollInterval,
		)
	}
}

// Stop cancels the workers and waits for in-flight jobs to wind down.
// Jobs interrupted mid-execution are re-queued by the worker loop.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	const timeout = 30 * time.Second
	select {
	case <-done:
		if wp.logger != nil {
			wp.logger.Infow("Worker pool stopped")
		}
	case <-time.After(timeout):
		if wp.logger != nil {
			wp.logger.Warnw("Worker pool stop timed out", "timeout", timeout)
		}
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed under us during shutdown.
					return
				}
				if wp.logger != nil {
					wp.logger.Errorw("Worker error",
						"worker_id", id,
						logger.FieldError, err,
					)
				}
			}
		}
	}
}

func (wp *WorkerPool) processNextJob() error {
	if wp.limiter != nil {
		if err := wp.limiter.Wait(wp.ctx); err != nil {
			return nil // context cancelled while waiting for a token
		}
	}

	job, err := wp.queue.Dequeue(wp.ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	ctx := logger.WithJobID(wp.ctx, job.ID)
	start := time.Now()
	execErr := wp.registry.Execute(ctx, job)
	if execErr != nil {
		select {
		case <-wp.ctx.Done():
			// Interrupted by shutdown, not a handler failure.
			if err := wp.queue.Requeue(context.Background(), job); err != nil && wp.logger != nil {
				wp.logger.Errorw("Failed to re-queue interrupted job",
					logger.FieldJobID, job.ID,
					logger.FieldError, err,
				)
			}
			return nil
		default:
		}

		retrying, err := wp.queue.Fail(wp.ctx, job, execErr)
		if err != nil {
			return err
		}
		if wp.logger != nil {
			wp.logger.Warnw("Job failed",
				logger.FieldJobID, job.ID,
				logger.FieldHandler, job.HandlerName,
				logger.FieldError, execErr,
				"retrying", retrying,
				"retry_count", job.RetryCount,
			)
		}
		return nil
	}

	if err := wp.queue.Complete(wp.ctx, job); err != nil {
		return err
	}
	if wp.logger != nil {
		wp.logger.Debugw("Job completed",
			logger.FieldJobID, job.ID,
			logger.FieldHandler, job.HandlerName,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	}
	return nil
}
