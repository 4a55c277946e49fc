package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler runs deferred continuations: work handed off by a request path
// that has already answered its caller. A fixed worker pool drains a queue;
// panics are recovered and logged because nobody is listening for them.
type Scheduler struct {
	queue  chan func(context.Context)
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewScheduler starts a scheduler with the given worker count and queue size.
func NewScheduler(workers, queueSize int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		queue:  make(chan func(context.Context), queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for fn := range s.queue {
		s.run(fn)
	}
}

func (s *Scheduler) run(fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("deferred continuation panicked", zap.Any("panic", r))
		}
	}()
	fn(s.ctx)
}

// Schedule queues fn to run on a worker. Returns an error when the scheduler
// is shut down or the queue is full; the caller decides whether that matters
// (a dropped auto-advance is recovered by a manual retry).
func (s *Scheduler) Schedule(fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eris.New("scheduler: shut down")
	}

	select {
	case s.queue <- fn:
		return nil
	default:
		return eris.New("scheduler: queue full")
	}
}

// Shutdown stops accepting work and waits for queued continuations to drain,
// up to the context deadline. In-flight work past the deadline is abandoned
// via the workers' context.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return eris.Wrap(ctx.Err(), "scheduler: shutdown")
	}
}
