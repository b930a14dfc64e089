// Package jobs runs session creation work through a bounded queue.
// Worktree setup and first agent start are slow enough that creating
// many sessions at once needs back-pressure; jobs wait their turn and
// broadcast every state change on the event bus.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmalloc/drover/internal/events"
	"github.com/jmalloc/drover/internal/logger"
)

// Job states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one tracked unit of creation work.
type Job struct {
	ID        string
	SessionID string
	State     string
	Err       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fn is the work a job performs. It returns the ID of the session it
// created so watchers can follow the job to its session.
type Fn func(ctx context.Context) (sessionID string, err error)

// Queue runs jobs with bounded concurrency.
type Queue struct {
	bus *events.Bus
	sem chan struct{}
	log *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue that runs at most concurrency jobs at once.
func New(bus *events.Bus, concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		bus:    bus,
		sem:    make(chan struct{}, concurrency),
		log:    logger.ComponentLogger("jobs"),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit enqueues fn and returns immediately with the job ID. The job
// starts once a concurrency slot frees up.
func (q *Queue) Submit(fn Fn) string {
	id := uuid.NewString()
	now := time.Now()

	job := &Job{ID: id, State: StateWaiting, CreatedAt: now, UpdatedAt: now}
	q.mu.Lock()
	q.jobs[id] = job
	q.mu.Unlock()

	q.publish(job)
	q.log.Info("job queued", "jobID", id)

	q.wg.Add(1)
	go q.run(id, fn)
	return id
}

func (q *Queue) run(id string, fn Fn) {
	defer q.wg.Done()

	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-q.ctx.Done():
		q.transition(id, func(j *Job) {
			j.State = StateFailed
			j.Err = "queue shut down before job started"
		})
		return
	}

	// The select is nondeterministic when both channels are ready; a
	// job must not start after shutdown even if it won a slot.
	if q.ctx.Err() != nil {
		q.transition(id, func(j *Job) {
			j.State = StateFailed
			j.Err = "queue shut down before job started"
		})
		return
	}

	q.transition(id, func(j *Job) { j.State = StateActive })
	q.log.Info("job started", "jobID", id)

	sessionID, err := fn(q.ctx)

	if err != nil {
		q.log.Warn("job failed", "jobID", id, "error", err)
		q.transition(id, func(j *Job) {
			j.SessionID = sessionID
			j.State = StateFailed
			j.Err = err.Error()
		})
		return
	}

	q.log.Info("job completed", "jobID", id, "sessionID", sessionID)
	q.transition(id, func(j *Job) {
		j.SessionID = sessionID
		j.State = StateCompleted
	})
}

// transition applies a mutation under the lock and publishes the result.
func (q *Queue) transition(id string, mutate func(*Job)) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	mutate(job)
	job.UpdatedAt = time.Now()
	snapshot := *job
	q.mu.Unlock()

	q.publish(&snapshot)
}

func (q *Queue) publish(job *Job) {
	if q.bus == nil {
		return
	}
	if err := q.bus.PublishJobState(events.JobStateChanged{
		JobID:     job.ID,
		SessionID: job.SessionID,
		State:     job.State,
		Error:     job.Err,
		Timestamp: job.UpdatedAt,
	}); err != nil {
		q.log.Warn("failed to publish job state", "jobID", job.ID, "error", err)
	}
}

// Get returns a snapshot of the job, and whether it exists.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns snapshots of all known jobs.
func (q *Queue) List() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	return out
}

// Shutdown cancels waiting jobs and waits for active ones to finish.
func (q *Queue) Shutdown() {
	q.cancel()
	q.wg.Wait()
}
