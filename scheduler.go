package contest

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// scheduler is a bounded task runner shared by a group of contestants. Each
// contestant holds a slot for its initial run, and its deferred
// relinquish-and-rejoin task holds a second one, so a group of n contestants
// needs 2n slots to be free of self-starvation.
type scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	mu   sync.Mutex
	shut bool
	wg   sync.WaitGroup
}

func newScheduler(slots int) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(slots)),
	}
}

// run submits a task. Submission never blocks; the task waits for a free
// slot before it starts. Tasks submitted after (or concurrently with)
// shutdown are discarded. The shut flag and wg.Add share a mutex so a
// submission can never add to the wait group once shutdown has started
// draining it.
func (s *scheduler) run(task func(context.Context)) {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			// NoReturnErr: Shutdown cancelled the queued task.
			return
		}
		defer s.sem.Release(1)
		if s.ctx.Err() == nil {
			task(s.ctx)
		}
	}()
}

// shutdown refuses further submissions, cancels the task context and drains
// outstanding tasks.
func (s *scheduler) shutdown() {
	s.mu.Lock()
	s.shut = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
