package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConcurrency = 3

	// Finished tickets are kept this long so callers can poll them.
	ticketRetention = time.Hour
)

var (
	ErrQueueStopped = errors.New("queue stopped")
	ErrNoHandler    = errors.New("no handler for job kind")
)

type Kind string

const (
	KindRunPage Kind = "run-page"
	KindURL     Kind = "url"
)

// Job is one unit of work. Run-page jobs carry RunID and Page; url jobs
// carry URL and an optional caller Reference.
type Job struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	RunID     int64  `json:"runId,omitempty"`
	Page      int    `json:"page,omitempty"`
	URL       string `json:"url,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func (j Job) String() string {
	switch j.Kind {
	case KindRunPage:
		return fmt.Sprintf("%s run=%d page=%d", j.Kind, j.RunID, j.Page)
	case KindURL:
		return fmt.Sprintf("%s %s", j.Kind, j.URL)
	}
	return string(j.Kind)
}

// HandlerFunc runs one job to completion. The returned error settles the
// job's ticket.
type HandlerFunc func(ctx context.Context, job Job) error

type Stats struct {
	Queued    int   `json:"queued"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Queue is an unbounded FIFO drained by a fixed number of workers. Each
// worker finishes its job before taking the next one.
type Queue struct {
	mu       sync.Mutex
	pending  []*Ticket
	tickets  map[string]*Ticket
	handlers map[Kind]HandlerFunc
	stopped  bool
	started  bool

	concurrency int
	notify      chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	admission *Admission
	logger    *logrus.Logger
}

func New(concurrency int, logger *logrus.Logger) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Queue{
		tickets:     make(map[string]*Ticket),
		handlers:    make(map[Kind]HandlerFunc),
		concurrency: concurrency,
		notify:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		admission:   NewAdmission(nil),
		logger:      logger,
	}
}

// SetAdmission replaces the address admission check for url jobs.
func (q *Queue) SetAdmission(a *Admission) {
	q.admission = a
}

func (q *Queue) Handle(kind Kind, h HandlerFunc) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

func (q *Queue) Concurrency() int {
	return q.concurrency
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.WithField("workers", q.concurrency).Info("Job queue started")
}

// Stop waits for running jobs to finish. Jobs still waiting are settled
// with ErrQueueStopped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		abandoned := q.pending
		q.pending = nil
		q.mu.Unlock()

		close(q.stopCh)
		q.wg.Wait()

		for _, t := range abandoned {
			t.finish(ErrQueueStopped)
		}
		q.logger.WithField("abandoned", len(abandoned)).Info("Job queue stopped")
	})
}

// Enqueue returns as soon as the job is queued. The ticket settles when a
// worker has run it.
func (q *Queue) Enqueue(job Job) (*Ticket, error) {
	t, err := q.register(job)
	if err != nil {
		return nil, err
	}
	q.push(t)
	return t, nil
}

// EnqueueAfter queues job once delay has passed. The ticket exists (and is
// queued) from the moment of the call.
func (q *Queue) EnqueueAfter(delay time.Duration, job Job) (*Ticket, error) {
	if delay <= 0 {
		return q.Enqueue(job)
	}
	t, err := q.register(job)
	if err != nil {
		return nil, err
	}
	time.AfterFunc(delay, func() { q.push(t) })
	return t, nil
}

// EnqueueURL admits target before queueing a url job. Rejected targets get
// no ticket.
func (q *Queue) EnqueueURL(ctx context.Context, target, reference string) (*Ticket, error) {
	u, err := q.admission.Check(ctx, target)
	if err != nil {
		q.logger.WithFields(logrus.Fields{"target": target, "error": err}).Warn("URL job rejected")
		return nil, err
	}
	return q.Enqueue(Job{Kind: KindURL, URL: u.String(), Reference: reference})
}

// Ticket looks up a job by id. Finished tickets are forgotten after a while.
func (q *Queue) Ticket(id string) (*Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[id]
	return t, ok
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Queued:    queued,
		Active:    q.active.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *Queue) register(job Job) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrQueueStopped
	}
	if _, ok := q.handlers[job.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	t := newTicket(job)
	q.pruneLocked(t.EnqueuedAt)
	q.tickets[job.ID] = t
	return t, nil
}

func (q *Queue) pruneLocked(now time.Time) {
	for id, t := range q.tickets {
		if finished, at := t.settledAt(); finished && now.Sub(at) > ticketRetention {
			delete(q.tickets, id)
		}
	}
}

func (q *Queue) push(t *Ticket) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		t.finish(ErrQueueStopped)
		return
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (*Ticket, HandlerFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || len(q.pending) == 0 {
		return nil, nil, false
	}
	t := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	// Pass the wakeup on so idle workers drain the rest.
	if len(q.pending) > 0 {
		q.signal()
	}
	return t, q.handlers[t.Job.Kind], true
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		t, handler, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-q.notify:
				continue
			}
		}
		q.run(ctx, id, t, handler)
	}
}

func (q *Queue) run(ctx context.Context, workerID int, t *Ticket, handler HandlerFunc) {
	q.active.Add(1)
	defer q.active.Add(-1)

	t.start()
	log := q.logger.WithFields(logrus.Fields{"job_id": t.ID, "worker": workerID})
	log.WithField("job", t.Job.String()).Debug("Job started")

	err := q.safeRun(ctx, handler, t.Job)
	t.finish(err)

	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		log.WithFields(logrus.Fields{"job": t.Job.String(), "error": err}).Warn("Job failed")
		return
	}
	log.WithField("job", t.Job.String()).Debug("Job done")
}

func (q *Queue) safeRun(ctx context.Context, handler HandlerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}
