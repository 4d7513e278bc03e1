package ksync

import (
	"context"
	"testing"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecursiveMutexSameTaskReenters(t *testing.T) {
	s := testScheduler(t)
	m := NewRecursiveMutex(s)
	done := make(chan struct{})
	_, err := s.NewTask(context.Background(), func(ctx context.Context) {
		res, err := m.Lock(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, Locked, res)

		res, err = m.Lock(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, Locked, res)

		require.NoError(t, m.Unlock())
		require.NoError(t, m.Unlock())
		assert.ErrorIs(t, m.Unlock(), errno.EPERM)
		s.Exit(ctx, 0)
		close(done)
	}, 512, 1)
	require.NoError(t, err)
	<-done
}

func TestRecursiveMutexBlocksOtherTaskUntilFullyUnlocked(t *testing.T) {
	s := testScheduler(t)
	m := NewRecursiveMutex(s)
	ownerLocked := make(chan struct{})
	release := make(chan struct{})
	waiterDone := make(chan struct{})

	_, err := s.NewTask(context.Background(), func(ctx context.Context) {
		_, err := m.Lock(ctx, 0)
		require.NoError(t, err)
		_, err = m.Lock(ctx, 0)
		require.NoError(t, err)
		close(ownerLocked)
		<-release
		require.NoError(t, m.Unlock())
		require.NoError(t, m.Unlock())
		s.Exit(ctx, 0)
	}, 512, 1)
	require.NoError(t, err)
	<-ownerLocked

	_, err = s.NewTask(context.Background(), func(ctx context.Context) {
		res, err := m.Lock(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, Locked, res)
		require.NoError(t, m.Unlock())
		s.Exit(ctx, 0)
		close(waiterDone)
	}, 512, 1)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	close(release)
	<-waiterDone
}
