package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestPostPreservesOrder(t *testing.T) {
	l := startLoop(t)
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Call(context.Background(), func() {}))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestCallWaitsForTask(t *testing.T) {
	l := startLoop(t)
	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestCallAbandonsOnTimeout(t *testing.T) {
	l := startLoop(t)
	release := make(chan struct{})
	require.NoError(t, l.Post(func() { <-release }))

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Call(ctx, func() { ran.Store(true) })
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	require.NoError(t, l.Call(context.Background(), func() {}))
	assert.False(t, ran.Load(), "abandoned task must not run")
}

func TestStopUnblocksCall(t *testing.T) {
	l := New(nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Call(context.Background(), func() {})
	}()
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Call did not return after Stop")
	}
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
}

func TestAfterRunsOnLoop(t *testing.T) {
	l := startLoop(t)
	var wg sync.WaitGroup
	wg.Add(1)
	l.After(5*time.Millisecond, wg.Done)
	wg.Wait()

	fired := make(chan struct{}, 1)
	tm := l.After(time.Hour, func() { fired <- struct{}{} })
	assert.True(t, tm.Stop())
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)
	require.NoError(t, l.Post(func() { panic("boom") }))
	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}
