// Package queue dispatches build jobs to a worker pool with per-book
// single-flight: a book already queued or building cannot be enqueued
// again. This is the in-process guard; the on-disk lock remains the
// cross-process one, and the orchestrator still checks it independently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"git.home.luguber.info/inful/bookpub/internal/logfields"
	"git.home.luguber.info/inful/bookpub/internal/metrics"
	"github.com/google/uuid"
)

// ErrAlreadyRunning means a job for the same book is queued or in flight.
var ErrAlreadyRunning = errors.New("build already running for this book")

// ErrQueueFull means the job channel is at capacity.
var ErrQueueFull = errors.New("build queue is full")

// ErrStopped means the queue is shutting down and takes no new jobs.
var ErrStopped = errors.New("build queue is stopped")

// Job is one scheduled build.
type Job struct {
	ID         string
	Identity   book.Identity
	RemoteURL  string
	EnqueuedAt time.Time
}

// JobRunner executes one build job. Satisfied by the orchestrator.
type JobRunner interface {
	Run(ctx context.Context, jobID string, identity book.Identity, remoteURL string) error
}

// Queue is the build job dispatcher.
type Queue struct {
	jobs    chan *Job
	workers int
	runner  JobRunner
	metrics metrics.Recorder

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	wg sync.WaitGroup
}

// New creates a queue with the given worker count.
func New(runner JobRunner, workers int, rec metrics.Recorder) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Queue{
		jobs:     make(chan *Job, 64),
		workers:  workers,
		runner:   runner,
		metrics:  rec,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	slog.Info("Starting build queue", slog.Int("workers", q.workers))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop closes intake and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.jobs)
		slog.Info("Stopping build queue")
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Submit enqueues a build for identity. Exactly one submission per book can
// be in flight; the rest observe ErrAlreadyRunning.
func (q *Queue) Submit(identity book.Identity, remoteURL string) (*Job, error) {
	key := identity.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrStopped
	}
	if _, busy := q.inflight[key]; busy {
		return nil, ErrAlreadyRunning
	}

	job := &Job{
		ID:         uuid.NewString(),
		Identity:   identity,
		RemoteURL:  remoteURL,
		EnqueuedAt: time.Now(),
	}
	select {
	case q.jobs <- job:
	default:
		return nil, ErrQueueFull
	}
	q.inflight[key] = struct{}{}
	q.metrics.QueueDepth(len(q.jobs))
	slog.Info("Build job enqueued", logfields.JobID(job.ID), logfields.Book(key))
	return job, nil
}

// InFlight reports whether a job for identity is queued or running.
func (q *Queue) InFlight(identity book.Identity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.inflight[identity.Key()]
	return busy
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context, name string) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.metrics.QueueDepth(len(q.jobs))
		slog.Debug("Worker picked up job", slog.String("worker", name), logfields.JobID(job.ID))
		// Errors are already recorded in the build log and history; the
		// worker only logs and moves on. No retry.
		if err := q.runner.Run(ctx, job.ID, job.Identity, job.RemoteURL); err != nil {
			slog.Debug("Job finished with error", logfields.JobID(job.ID), logfields.Error(err))
		}
		q.release(job.Identity.Key())
	}
}
