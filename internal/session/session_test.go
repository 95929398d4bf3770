package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzawahab/parley/internal/config"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := config.Default(t.TempDir())
	require.NoError(t, cfg.EnsureDirectories())
	s := New(cfg, nil, "10.0.0.1")
	t.Cleanup(s.Close)
	return s
}

func TestRefreshNetworkState(t *testing.T) {
	s := newTestSession(t)
	var notices []string
	s.OnStatus(func(msg string) { notices = append(notices, msg) })

	assert.False(t, s.RefreshNetworkState("  "))
	assert.False(t, s.RefreshNetworkState("10.0.0.1"))
	assert.True(t, s.RefreshNetworkState("10.0.0.2"))
	assert.Equal(t, "10.0.0.2", s.LocalIP())
	assert.Equal(t, []string{"Network updated: now advertising 10.0.0.2"}, notices)
}

func TestNetworkWatcherPicksUpChange(t *testing.T) {
	s := newTestSession(t)
	changed := make(chan string, 1)
	s.OnStatus(func(msg string) {
		select {
		case changed <- msg:
		default:
		}
	})

	var mu sync.Mutex
	current, lookupErr := "10.0.0.1", errors.New("no route")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.watchNetwork(ctx, 5*time.Millisecond, func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			return current, lookupErr
		})
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "10.0.0.1", s.LocalIP(), "failed lookups change nothing")
	mu.Lock()
	current, lookupErr = "192.168.1.7", nil
	mu.Unlock()

	select {
	case msg := <-changed:
		assert.Contains(t, msg, "192.168.1.7")
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not notice the new address")
	}
	assert.Equal(t, "192.168.1.7", s.LocalIP())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher ignored cancellation")
	}
}

func TestOffloadHandsResultBackToLoop(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	release := make(chan struct{})
	results := make(chan error, 1)
	offloadTo(s.Loop, s.Logger)(func() error {
		<-release
		return errors.New("disk full")
	}, func(err error) { results <- err })

	// The loop stays responsive while the work is blocked.
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	require.NoError(t, s.Loop.Call(callCtx, func() {}))

	close(release)
	select {
	case err := <-results:
		assert.EqualError(t, err, "disk full")
	case <-time.After(2 * time.Second):
		t.Fatal("offloaded result never reached the loop")
	}
}
