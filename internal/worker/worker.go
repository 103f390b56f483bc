// Package worker runs background jobs, such as asynchronous workflow runs, on
// a bounded in-process queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/genroute/internal/logging"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrNoExec    = errors.New("job has nothing to execute")
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// AsyncJob is owned by the queue once enqueued; callers track progress through
// whatever Exec writes to, not through Status.
type AsyncJob struct {
	ID        string
	Kind      string
	UserID    string
	Status    JobStatus
	CreatedAt time.Time
	Exec      func(ctx context.Context) error
}

type Queue interface {
	Enqueue(ctx context.Context, job *AsyncJob) error
	Process(ctx context.Context) error // starts the worker loop
}

type Stats struct {
	Queued  int   `json:"queued"`
	Running int64 `json:"running"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
}

// Pool is a Queue backed by a buffered channel and a fixed number of
// goroutines.
type Pool struct {
	jobs        chan *AsyncJob
	concurrency int
	log         logrus.FieldLogger

	running atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
}

func NewPool(size, concurrency int, log logrus.FieldLogger) *Pool {
	if size < 1 {
		size = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		jobs:        make(chan *AsyncJob, size),
		concurrency: concurrency,
		log:         logging.WithComponent(log, "worker"),
	}
}

// Enqueue never blocks. It returns ErrQueueFull when the buffer is at
// capacity.
func (p *Pool) Enqueue(ctx context.Context, job *AsyncJob) error {
	if job.Exec == nil {
		return ErrNoExec
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Status = JobStatusPending

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs the workers until ctx is cancelled, then waits for in-flight
// jobs. Jobs still queued at that point are not started.
func (p *Pool) Process(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.run(ctx, job)
				}
			}
		}()
	}
	wg.Wait()

	if n := len(p.jobs); n > 0 {
		p.log.WithField("queued", n).Warn("worker pool stopped with jobs still queued")
	}
	return nil
}

func (p *Pool) run(ctx context.Context, job *AsyncJob) {
	job.Status = JobStatusRunning
	p.running.Add(1)
	defer p.running.Add(-1)

	log := p.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_kind": job.Kind,
		"user_id":  job.UserID,
	})

	err := safeExec(ctx, job)
	if err != nil {
		job.Status = JobStatusFailed
		p.failed.Add(1)
		log.WithError(err).Error("job failed")
		return
	}
	job.Status = JobStatusDone
	p.done.Add(1)
	log.WithField("waited_ms", time.Since(job.CreatedAt).Milliseconds()).Debug("job done")
}

func safeExec(ctx context.Context, job *AsyncJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Exec(ctx)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Queued:  len(p.jobs),
		Running: p.running.Load(),
		Done:    p.done.Load(),
		Failed:  p.failed.Load(),
	}
}
