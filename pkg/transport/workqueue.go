package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Kind names a unit of deferred work
type Kind int

const (
	WorkRX Kind = iota
	WorkTX
	WorkDoorbell
	numKinds
)

func (k Kind) String() string {
	switch k {
	case WorkRX:
		return "rx"
	case WorkTX:
		return "tx"
	case WorkDoorbell:
		return "doorbell"
	default:
		return "unknown"
	}
}

// WorkQueue runs deferred work on a fixed pool of workers. Scheduling a
// kind that is already queued coalesces into the queued run, and a kind
// never runs concurrently with itself.
type WorkQueue struct {
	l       *logrus.Logger
	workers int

	handlers  [numKinds]func()
	scheduled [numKinds]atomic.Bool
	running   [numKinds]sync.Mutex

	// ch holds at most one entry per kind, so sends never block
	ch chan Kind

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	eg     *errgroup.Group
	timers map[*time.Timer]struct{}
}

func NewWorkQueue(l *logrus.Logger, workers int) *WorkQueue {
	if workers < 1 {
		workers = 1
	}
	return &WorkQueue{
		l:       l,
		workers: workers,
		ch:      make(chan Kind, numKinds),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Handle sets the function run for k. It must be called before Start.
func (q *WorkQueue) Handle(k Kind, fn func()) {
	q.handlers[k] = fn
}

// Start launches the workers. Work scheduled before Start is dropped.
func (q *WorkQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	q.cancel = cancel
	q.eg = eg
	q.gen++

	for i := 0; i < q.workers; i++ {
		eg.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
}

func (q *WorkQueue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-q.ch:
			// Stop clears the flag of anything dropped here
			if ctx.Err() != nil {
				return
			}
			q.run(k)
		}
	}
}

func (q *WorkQueue) run(k Kind) {
	q.running[k].Lock()
	defer q.running[k].Unlock()

	// cleared before running so a schedule from inside the handler, or
	// from an interrupt while it runs, queues one more pass
	q.scheduled[k].Store(false)
	if fn := q.handlers[k]; fn != nil {
		fn()
	}
}

// Schedule queues k unless it is already queued. It returns false when
// the queue is stopped or k was already pending.
func (q *WorkQueue) Schedule(k Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel == nil {
		return false
	}

	if !q.scheduled[k].CompareAndSwap(false, true) {
		return false
	}
	q.ch <- k
	return true
}

// ScheduleAfter queues k once d has elapsed, unless the queue is stopped
// first.
func (q *WorkQueue) ScheduleAfter(k Kind, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel == nil {
		return
	}

	gen := q.gen
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, t)
		live := q.gen == gen && q.cancel != nil
		q.mu.Unlock()
		if live {
			q.Schedule(k)
		}
	})
	q.timers[t] = struct{}{}
}

// Stop cancels pending work and waits for running handlers to return.
// Nothing scheduled before Stop runs after it.
func (q *WorkQueue) Stop() {
	q.mu.Lock()
	cancel, eg := q.cancel, q.eg
	q.cancel, q.eg = nil, nil
	q.gen++
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
	}
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	eg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case k := <-q.ch:
			q.l.WithField("work", k).Debug("Dropped pending work on stop")
		default:
			for i := range q.scheduled {
				q.scheduled[i].Store(false)
			}
			return
		}
	}
}

// Running reports whether the workers are started
func (q *WorkQueue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancel != nil
}
