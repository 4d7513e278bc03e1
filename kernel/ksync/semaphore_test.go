package ksync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreLimitsConcurrentHolders(t *testing.T) {
	s := testScheduler(t)
	sem := NewSemaphore(s, 2)

	var active int32
	var maxActive int32
	var mu sync.Mutex
	done := make(chan struct{}, 5)

	for i := 0; i < 5; i++ {
		_, err := s.NewTask(context.Background(), func(ctx context.Context) {
			res, err := sem.Take(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, Locked, res)

			n := atomic.AddInt32(&active, 1)
			mu.Lock()
			if n > maxActive {
				maxActive = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)

			sem.Give()
			s.Exit(ctx, 0)
			done <- struct{}{}
		}, 512, 1)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.LessOrEqual(t, int(maxActive), 2)
}

func TestSemaphoreTakeTimesOut(t *testing.T) {
	s := testScheduler(t)
	sem := NewSemaphore(s, 1)
	taken := make(chan struct{})
	release := make(chan struct{})

	_, err := s.NewTask(context.Background(), func(ctx context.Context) {
		res, err := sem.Take(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, Locked, res)
		close(taken)
		// Wait for release at a kernel suspension point so the second
		// task gets the CPU while the slot is held.
		for released := false; !released; {
			select {
			case <-release:
				released = true
			default:
				_ = s.Delay(ctx, time.Millisecond)
			}
		}
		sem.Give()
		s.Exit(ctx, 0)
	}, 512, 1)
	require.NoError(t, err)
	<-taken

	done := make(chan struct{})
	_, err = s.NewTask(context.Background(), func(ctx context.Context) {
		res, _ := sem.Take(ctx, 20*time.Millisecond)
		assert.Equal(t, TimedOut, res)
		s.Exit(ctx, 0)
		close(done)
	}, 512, 1)
	require.NoError(t, err)
	<-done
	close(release)
}
