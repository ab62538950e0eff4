package queue

import (
	"context"
	"sync"
	"time"
)

type State string

const (
	StateQueued State = "queued"
	StateActive State = "active"
	StateDone   State = "done"
	StateFailed State = "failed"
)

// Ticket tracks one enqueued job until a worker settles it.
type Ticket struct {
	ID         string
	Job        Job
	EnqueuedAt time.Time

	mu         sync.Mutex
	state      State
	err        error
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

// Snapshot is a point-in-time copy of a ticket, safe to serialize.
type Snapshot struct {
	ID         string     `json:"id"`
	Job        Job        `json:"job"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func newTicket(job Job) *Ticket {
	return &Ticket{
		ID:         job.ID,
		Job:        job,
		EnqueuedAt: time.Now(),
		state:      StateQueued,
		done:       make(chan struct{}),
	}
}

// Done is closed once the job has settled.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the job settles or ctx ends, and returns the job's error.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Ticket) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		ID:         t.ID,
		Job:        t.Job,
		State:      t.state,
		EnqueuedAt: t.EnqueuedAt,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		s.StartedAt = &started
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

func (t *Ticket) start() {
	t.mu.Lock()
	t.state = StateActive
	t.startedAt = time.Now()
	t.mu.Unlock()
}

func (t *Ticket) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDone || t.state == StateFailed {
		return
	}
	t.err = err
	t.finishedAt = time.Now()
	if err != nil {
		t.state = StateFailed
	} else {
		t.state = StateDone
	}
	close(t.done)
}

func (t *Ticket) settledAt() (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.finishedAt.IsZero(), t.finishedAt
}
