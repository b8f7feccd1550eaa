// Package scheduler runs callbacks at points in time taken from a clockwork clock.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("scheduler is stopped")

// Scheduler keeps tasks in a min-heap by due time. Due tasks run on their own goroutine.
type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*task // for O(1) lookup by ID
	wakeup  chan struct{}
	stopped bool
	running sync.WaitGroup
}

func New(clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		logger: logger,
		tasks:  make(map[string]*task),
		wakeup: make(chan struct{}, 1),
	}
	heap.Init(&s.heap)
	return s
}

// Schedule runs callback at dueAt, replacing any pending task with the same id.
func (s *Scheduler) Schedule(id string, dueAt time.Time, callback func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	if existing, ok := s.tasks[id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.tasks, id)
	}

	t := &task{id: id, dueAt: dueAt, callback: callback}
	heap.Push(&s.heap, t)
	s.tasks[id] = t

	if s.heap[0] == t {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a pending task.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, t.index)
	delete(s.tasks, id)
	return true
}

// Every runs job now and then interval after each run finishes, so runs never overlap.
func (s *Scheduler) Every(id string, interval time.Duration, job func(ctx context.Context)) error {
	var run func(ctx context.Context)
	run = func(ctx context.Context) {
		job(ctx)
		next := s.clock.Now().Add(interval)
		if err := s.Schedule(id, next, run); err != nil {
			return
		}
		s.logger.Debug("next run scheduled", zap.String("task", id), zap.Time("at", next))
	}
	return s.Schedule(id, s.clock.Now(), run)
}

// Pending returns the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run dispatches due tasks until ctx ends, then waits for running callbacks.
// Callbacks receive ctx.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		now := s.clock.Now()
		if s.heap.Len() > 0 && !s.heap[0].dueAt.After(now) {
			t := heap.Pop(&s.heap).(*task)
			delete(s.tasks, t.id)
			s.running.Add(1)
			go func() {
				defer s.running.Done()
				t.callback(ctx)
			}()
			s.mu.Unlock()
			continue
		}

		var timer clockwork.Timer
		var timerCh <-chan time.Time
		if s.heap.Len() > 0 {
			timer = s.clock.NewTimer(s.heap[0].dueAt.Sub(now))
			timerCh = timer.Chan()
		}
		s.mu.Unlock()

		select {
		case <-timerCh:
		case <-s.wakeup:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.running.Wait()
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
