// Package postproc runs the fire-and-forget work that follows a reply:
// code review, learned-memory extraction, session summaries, and
// context updates. Nothing here may block the reply path.
package postproc

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Job is one named unit of background work.
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Runner is a bounded worker pool with a small retry budget per job.
// Submissions on a full queue are dropped, never blocked on.
type Runner struct {
	jobs    chan Job
	wg      sync.WaitGroup
	log     *zap.Logger
	retries uint64
	backoff time.Duration

	closeOnce sync.Once
}

func NewRunner(workers, queueDepth int, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	r := &Runner{
		jobs:    make(chan Job, queueDepth),
		log:     log,
		retries: 2,
		backoff: 500 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for job := range r.jobs {
		r.execute(job)
	}
}

func (r *Runner) execute(job Job) {
	ctx := context.Background()
	err := retry.Do(ctx, retry.WithMaxRetries(r.retries, retry.NewExponential(r.backoff)),
		func(ctx context.Context) error {
			if err := job.Fn(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
	if err != nil {
		r.log.Warn("background job gave up",
			zap.String("job", job.Name), zap.Error(err))
	}
}

// Submit queues a job. Returns false when the queue is full; the job is
// dropped and the caller carries on.
func (r *Runner) Submit(job Job) bool {
	select {
	case r.jobs <- job:
		return true
	default:
		r.log.Warn("background queue full, job dropped", zap.String("job", job.Name))
		return false
	}
}

// Close stops intake and waits for in-flight jobs.
func (r *Runner) Close() {
	r.closeOnce.Do(func() { close(r.jobs) })
	r.wg.Wait()
}
