package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled" // waiting for its delay
	JobQueued    JobStatus = "queued"    // delay elapsed, waiting for a worker
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ErrStopped is the failure of jobs that never ran because the scheduler stopped.
var ErrStopped = errors.New("scheduler stopped")

// Func is the unit of work.
type Func func(ctx context.Context) error

// Job is a handle to one scheduled unit of work.
type Job struct {
	ID    string
	Name  string
	Delay time.Duration

	mu          sync.RWMutex
	status      JobStatus
	err         error
	scheduledAt time.Time
	startedAt   *time.Time
	finishedAt  *time.Time

	fn   Func
	done chan struct{}
}

// JobInfo is a point-in-time copy of a Job, safe to read concurrently.
type JobInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      JobStatus  `json:"status"`
	Delay       string     `json:"delay"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Done is closed once the job has finished, successfully or not.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx ends. It returns the job's
// error, or ctx's error if ctx ended first.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.RLock()
		defer j.mu.RUnlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the job's state.
func (j *Job) Snapshot() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	info := JobInfo{
		ID:          j.ID,
		Name:        j.Name,
		Status:      j.status,
		Delay:       j.Delay.String(),
		ScheduledAt: j.scheduledAt,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	if j.startedAt != nil {
		t := *j.startedAt
		info.StartedAt = &t
	}
	if j.finishedAt != nil {
		t := *j.finishedAt
		info.FinishedAt = &t
	}
	return info
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) start(now time.Time) {
	j.mu.Lock()
	j.status = JobRunning
	j.startedAt = &now
	j.mu.Unlock()
}

// finish records the outcome and releases waiters. Called exactly once.
func (j *Job) finish(now time.Time, err error) {
	j.mu.Lock()
	j.err = err
	j.finishedAt = &now
	if err != nil {
		j.status = JobFailed
	} else {
		j.status = JobCompleted
	}
	j.mu.Unlock()
	close(j.done)
}
