package contest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := newScheduler(2)
	defer s.shutdown()

	var running, peak int32
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		go s.run(func(ctx context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			atomic.AddInt32(&running, -1)
		})
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == 2
	}, time.Second, time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == 0
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&peak))
}

func TestSchedulerShutdownDiscardsQueued(t *testing.T) {
	s := newScheduler(1)

	started := make(chan struct{})
	s.run(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	var ran int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(func(ctx context.Context) {
			atomic.AddInt32(&ran, 1)
		})
	}()

	s.shutdown()
	<-done
	assert.EqualValues(t, 0, atomic.LoadInt32(&ran))
}

func TestSchedulerRunAfterShutdown(t *testing.T) {
	s := newScheduler(1)
	s.shutdown()

	var ran int32
	s.run(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	})
	assert.EqualValues(t, 0, atomic.LoadInt32(&ran))
}

func TestSchedulerShutdownDuringSubmission(t *testing.T) {
	s := newScheduler(1)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.run(func(context.Context) {})
		}
	}()

	time.Sleep(time.Millisecond)
	s.shutdown()
	close(stop)
	<-done
}
