package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/loop"
	"github.com/hamzawahab/parley/internal/transfer"
)

type record struct {
	source string
	seq    int
}

type fakeWindow struct {
	w       *fakeWindows
	buddyID string
	texts   []string
	offline int
}

func (f *fakeWindow) Deliver(text string) {
	f.texts = append(f.texts, text)
	var src string
	var seq int
	if _, err := fmt.Sscanf(text, "%s %d", &src, &seq); err == nil {
		f.w.log = append(f.w.log, record{source: src, seq: seq})
	}
}

func (f *fakeWindow) OfflineSent() { f.offline++ }

type fakeWindows struct {
	open   map[string]*fakeWindow
	hidden map[string]bool
	closed []string
	log    []record
}

func newFakeWindows() *fakeWindows {
	return &fakeWindows{open: make(map[string]*fakeWindow), hidden: make(map[string]bool)}
}

func (f *fakeWindows) Find(id string) (Window, bool) {
	w, ok := f.open[id]
	if !ok {
		return nil, false
	}
	return w, true
}

func (f *fakeWindows) Open(b events.Buddy, hidden bool) Window {
	w := &fakeWindow{w: f, buddyID: b.ID}
	f.open[b.ID] = w
	f.hidden[b.ID] = hidden
	return w
}

func (f *fakeWindows) Close(id string) {
	delete(f.open, id)
	f.closed = append(f.closed, id)
}

type fakeBuddies struct {
	w        *fakeWindows
	statuses map[string]events.Status
	avatars  int
	profiles int
	lists    int
	removed  []string
}

func (f *fakeBuddies) StatusChanged(b events.Buddy, s events.Status) {
	f.statuses[b.ID] = s
	var seq int
	if _, err := fmt.Sscanf(string(s), "%d", &seq); err == nil {
		f.w.log = append(f.w.log, record{source: b.ID, seq: seq})
	}
}
func (f *fakeBuddies) AvatarChanged(events.Buddy)  { f.avatars++ }
func (f *fakeBuddies) ProfileChanged(events.Buddy) { f.profiles++ }
func (f *fakeBuddies) ListChanged()                { f.lists++ }
func (f *fakeBuddies) BuddyRemoved(b events.Buddy) { f.removed = append(f.removed, b.ID) }

type fakeHandle struct {
	path      string
	finalized int
	cancelled int
}

func (h *fakeHandle) SetSavePath(p string) error { h.path = p; return nil }
func (h *fakeHandle) Finalize() error            { h.finalized++; return nil }
func (h *fakeHandle) Cancel() error              { h.cancelled++; return nil }

type harness struct {
	loop      *loop.Loop
	windows   *fakeWindows
	buddies   *fakeBuddies
	transfers *transfer.Manager
	d         *Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	l := loop.New(nil)
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
	w := newFakeWindows()
	b := &fakeBuddies{w: w, statuses: make(map[string]events.Status)}
	m := transfer.NewManager(transfer.Options{DownloadDir: t.TempDir()})
	return &harness{loop: l, windows: w, buddies: b, transfers: m, d: New(l, w, b, m, opts)}
}

// sync waits until everything queued so far has run.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.loop.Call(context.Background(), func() {}))
}

var ann = events.Buddy{ID: "ann0000000000000", Name: "Ann"}

func TestChatMessageOpensWindowBeforeReturning(t *testing.T) {
	h := newHarness(t, Options{OpenHidden: true})
	_, err := h.d.Dispatch(context.Background(), events.ChatMessage{Buddy: ann, Text: "hi"})
	require.NoError(t, err)

	// No sync needed: the window exists once Dispatch returned.
	var texts []string
	require.NoError(t, h.loop.Call(context.Background(), func() {
		texts = append(texts, h.windows.open[ann.ID].texts...)
	}))
	assert.Equal(t, []string{"hi"}, texts)
	assert.True(t, h.windows.hidden[ann.ID])

	_, err = h.d.Dispatch(context.Background(), events.OfflineSent{Buddy: ann})
	require.NoError(t, err)
	h.sync(t)
	assert.Equal(t, 1, h.windows.open[ann.ID].offline)
	assert.Len(t, h.windows.open, 1)
}

func TestNonBlockingKinds(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	for _, ev := range []events.Event{
		events.StatusChanged{Buddy: ann, Status: events.StatusAway},
		events.AvatarChanged{Buddy: ann},
		events.ProfileChanged{Buddy: ann},
		events.ListChanged{},
	} {
		_, err := h.d.Dispatch(ctx, ev)
		require.NoError(t, err)
	}
	h.sync(t)
	assert.Equal(t, events.StatusAway, h.buddies.statuses[ann.ID])
	assert.Equal(t, 1, h.buddies.avatars)
	assert.Equal(t, 1, h.buddies.profiles)
	assert.Equal(t, 1, h.buddies.lists)
}

func TestBuddyRemovedClosesWindowAndTransfers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.d.Dispatch(ctx, events.ChatMessage{Buddy: ann, Text: "bye"})
	require.NoError(t, err)
	fh := &fakeHandle{}
	rc, err := h.d.Dispatch(ctx, events.IncomingFile{Buddy: ann, FileName: "x.bin", SizeHint: 10, Handle: fh})
	require.NoError(t, err)

	_, err = h.d.Dispatch(ctx, events.BuddyRemoved{Buddy: ann})
	require.NoError(t, err)
	h.sync(t)
	assert.Equal(t, []string{ann.ID}, h.windows.closed)
	assert.Equal(t, []string{ann.ID}, h.buddies.removed)
	assert.Equal(t, 1, fh.cancelled)

	// Late progress for the dropped session is ignored.
	rc.Progress(10, 10, transfer.TagComplete)
	h.sync(t)
	assert.Zero(t, fh.finalized)
}

func TestIncomingFileReturnsLiveSession(t *testing.T) {
	h := newHarness(t, Options{})
	fh := &fakeHandle{}
	rc, err := h.d.Dispatch(context.Background(), events.IncomingFile{Buddy: ann, FileName: "a.txt", SizeHint: 2048, Handle: fh})
	require.NoError(t, err)
	require.NotEmpty(t, rc.SessionID)
	require.NotNil(t, rc.Progress)
	assert.NotEmpty(t, fh.path, "auto-save bound a path before Dispatch returned")

	var s *transfer.Session
	require.NoError(t, h.loop.Call(context.Background(), func() {
		s, _ = h.transfers.Get(rc.SessionID)
	}))
	require.NotNil(t, s)

	rc.Progress(2048, 0, "waiting")
	rc.Progress(2048, 1024, "starting")
	rc.Progress(2048, 2048, transfer.TagComplete)
	rc.Progress(2048, 2048, transfer.TagComplete)
	h.sync(t)

	var state transfer.State
	require.NoError(t, h.loop.Call(context.Background(), func() { state = s.State }))
	assert.Equal(t, transfer.StateComplete, state)
	assert.Equal(t, 1, fh.finalized)
}

func TestBlockingDispatchTimesOut(t *testing.T) {
	h := newHarness(t, Options{Timeout: 30 * time.Millisecond})
	release := make(chan struct{})
	require.NoError(t, h.loop.Post(func() { <-release }))

	_, err := h.d.Dispatch(context.Background(), events.ChatMessage{Buddy: ann, Text: "late"})
	assert.ErrorIs(t, err, ErrDispatchTimeout)

	close(release)
	h.sync(t)
	assert.Empty(t, h.windows.open, "a timed out delivery never runs")
}

func TestBlockingDispatchHonoursCallerContext(t *testing.T) {
	h := newHarness(t, Options{Timeout: time.Minute})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, h.loop.Post(func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.d.Dispatch(ctx, events.OfflineSent{Buddy: ann})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrDispatchTimeout))
}

func TestDispatchReturnsWhenLoopStops(t *testing.T) {
	l := loop.New(nil)
	w := newFakeWindows()
	d := New(l, w, &fakeBuddies{w: w}, transfer.NewManager(transfer.Options{}), Options{Timeout: time.Minute})

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), events.ChatMessage{Buddy: ann, Text: "x"})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, loop.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch hung after loop teardown")
	}

	_, err := d.Dispatch(context.Background(), events.ListChanged{})
	assert.ErrorIs(t, err, loop.ErrClosed)
	_, err = d.Dispatch(context.Background(), events.IncomingFile{Buddy: ann, Handle: &fakeHandle{}})
	assert.ErrorIs(t, err, loop.ErrClosed)
}

func TestPerSourceOrdering(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, Options{})
		const sources = 8
		const perSource = 50
		var wg sync.WaitGroup
		for s := 0; s < sources; s++ {
			wg.Add(1)
			go func(s int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(int64(round*sources + s)))
				src := fmt.Sprintf("src%d", s)
				for i := 0; i < perSource; i++ {
					var ev events.Event
					if rng.Intn(3) == 0 {
						ev = events.ChatMessage{Buddy: ann, Text: fmt.Sprintf("%s %d", src, i)}
					} else {
						ev = events.StatusChanged{Buddy: events.Buddy{ID: src}, Status: events.Status(fmt.Sprint(i))}
					}
					_, err := h.d.Dispatch(context.Background(), ev)
					assert.NoError(t, err)
					if rng.Intn(4) == 0 {
						runtime.Gosched()
					}
				}
			}(s)
		}
		wg.Wait()
		h.sync(t)

		var log []record
		require.NoError(t, h.loop.Call(context.Background(), func() {
			log = append(log, h.windows.log...)
		}))
		require.Len(t, log, sources*perSource)
		last := make(map[string]int)
		for _, r := range log {
			prev, seen := last[r.source]
			if seen {
				require.Greater(t, r.seq, prev, "round %d source %s out of order", round, r.source)
			}
			last[r.source] = r.seq
		}
	}
}

func TestUnknownEvent(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.d.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestSetOpenHiddenAppliesToLaterWindows(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	bob := events.Buddy{ID: "bob0000000000000", Name: "Bob"}

	_, err := h.d.Dispatch(ctx, events.ChatMessage{Buddy: ann, Text: "hi"})
	require.NoError(t, err)
	h.d.SetOpenHidden(true)
	_, err = h.d.Dispatch(ctx, events.ChatMessage{Buddy: bob, Text: "yo"})
	require.NoError(t, err)
	h.sync(t)

	assert.False(t, h.windows.hidden[ann.ID])
	assert.True(t, h.windows.hidden[bob.ID])
}
