package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzawahab/parley/internal/events"
)

type fakeHandle struct {
	path        string
	setErr      error
	finalizeErr error
	finalized   int
	cancelled   int
}

func (h *fakeHandle) SetSavePath(path string) error {
	if h.setErr != nil {
		return h.setErr
	}
	h.path = path
	return nil
}

func (h *fakeHandle) Finalize() error {
	h.finalized++
	return h.finalizeErr
}

func (h *fakeHandle) Cancel() error {
	h.cancelled++
	return nil
}

type line struct {
	buddy  string
	text   string
	notify bool
}

type fakeReporter struct{ lines []line }

func (r *fakeReporter) SystemLine(b events.Buddy, text string, notify bool) {
	r.lines = append(r.lines, line{buddy: b.ID, text: text, notify: notify})
}

type fakeRecorder struct{ paths []string }

func (r *fakeRecorder) AppendTransfer(_ events.Buddy, direction, path string, _ int64) error {
	r.paths = append(r.paths, direction+":"+path)
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, dir string) (*Manager, *clock, *fakeReporter, *fakeRecorder) {
	t.Helper()
	c := &clock{now: time.Unix(1700000000, 0)}
	rep := &fakeReporter{}
	rec := &fakeRecorder{}
	m := NewManager(Options{DownloadDir: dir, Reporter: rep, Recorder: rec, Now: c.Now})
	return m, c, rep, rec
}

var alice = events.Buddy{ID: "abcdefghijklmnop", Name: "alice"}

func TestReceiveCompletesOnce(t *testing.T) {
	dir := t.TempDir()
	m, c, _, rec := newTestManager(t, dir)
	h := &fakeHandle{}
	s := m.Receive(alice, "notes.txt", 2048, h)

	require.True(t, s.AutoSave)
	assert.Equal(t, filepath.Join(dir, "alice abcdefghijklmnop", "notes.txt"), h.path)

	t0 := c.now
	require.NoError(t, m.Update(s.ID, Progress{Total: 2048, Completed: 0, Status: "waiting", At: t0}))
	assert.Equal(t, StateWaiting, s.State)
	require.NoError(t, m.Update(s.ID, Progress{Total: 2048, Completed: 1024, Status: "starting", At: t0.Add(time.Second)}))
	assert.Equal(t, StateInProgress, s.State)
	assert.InDelta(t, 1.0, s.Rate(), 1e-9)
	require.NoError(t, m.Update(s.ID, Progress{Total: 2048, Completed: 2048, Status: TagComplete, At: t0.Add(2 * time.Second)}))

	assert.Equal(t, StateComplete, s.State)
	assert.True(t, s.Done)
	assert.InDelta(t, 1.0, s.Rate(), 1e-9)
	assert.Equal(t, 1, h.finalized)
	assert.Equal(t, 1, s.FinalizeCount())
	assert.Len(t, rec.paths, 1)

	// Duplicate terminal callbacks after the session closed are ignored.
	assert.ErrorIs(t, m.Update(s.ID, Progress{Total: 2048, Completed: 2048, Status: TagComplete}), ErrUnknownSession)
	assert.Equal(t, 1, h.finalized)
}

func TestRepeatedCompleteWhileUnbound(t *testing.T) {
	m, _, rep, _ := newTestManager(t, "")
	h := &fakeHandle{}
	s := m.Receive(alice, "a.bin", 10, h)
	assert.False(t, s.AutoSave)
	assert.Empty(t, s.SavePath)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Update(s.ID, Progress{Total: 10, Completed: 10, Status: TagComplete}))
	}
	assert.Equal(t, StateComplete, s.State)
	assert.Zero(t, h.finalized)

	ready := 0
	for _, l := range rep.lines {
		if l.notify && strings.Contains(l.text, "ready to be saved") {
			ready++
		}
	}
	assert.Equal(t, 1, ready)

	target := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, m.Save(ShortID(s.ID), target, false))
	assert.Equal(t, target, h.path)
	assert.Equal(t, 1, h.finalized)
	_, ok := m.Get(s.ID)
	assert.False(t, ok, "saved complete session closes")
}

func TestSaveRefusesExistingPath(t *testing.T) {
	m, _, _, _ := newTestManager(t, "")
	h := &fakeHandle{}
	s := m.Receive(alice, "b.bin", 10, h)

	target := filepath.Join(t.TempDir(), "b.bin")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))
	assert.ErrorIs(t, m.Save(s.ID, target, false), ErrPathExists)
	require.NoError(t, m.Save(s.ID, target, true))
	assert.ErrorIs(t, m.Save(s.ID, target, true), ErrAlreadyBound)

	send := m.Send(alice, "c.bin", 1, nil)
	assert.ErrorIs(t, m.Save(send.ID, target, true), ErrNotReceiver)
	assert.ErrorIs(t, m.Save("nope", target, true), ErrUnknownSession)
}

func TestAutoSaveFallsBackOnSetPathFailure(t *testing.T) {
	m, _, _, _ := newTestManager(t, t.TempDir())
	h := &fakeHandle{setErr: errors.New("read-only")}
	s := m.Receive(alice, "d.bin", 10, h)
	assert.False(t, s.AutoSave)
	assert.Empty(t, s.SavePath)
	_, ok := m.Get(s.ID)
	assert.True(t, ok)
}

func TestErrorSentinelFreezesSession(t *testing.T) {
	m, _, _, _ := newTestManager(t, t.TempDir())
	h := &fakeHandle{}
	s := m.Receive(alice, "e.bin", 100, h)
	require.NoError(t, m.Update(s.ID, Progress{Total: 100, Completed: 40}))
	require.NoError(t, m.Update(s.ID, Progress{Total: 100, Completed: -1}))
	assert.Equal(t, StateError, s.State)
	assert.True(t, s.Errored)
	assert.Equal(t, TagError, s.StatusMessage)

	require.NoError(t, m.Update(s.ID, Progress{Total: 100, Completed: 100, Status: TagComplete}))
	assert.Equal(t, StateError, s.State)
	assert.Equal(t, int64(40), s.CompletedBytes)
	assert.Zero(t, h.finalized)
}

func TestFinalizeFailureKeepsPartialFile(t *testing.T) {
	m, _, rep, rec := newTestManager(t, t.TempDir())
	h := &fakeHandle{finalizeErr: errors.New("disk full")}
	s := m.Receive(alice, "f.bin", 5, h)
	require.NoError(t, m.Update(s.ID, Progress{Total: 5, Completed: 5}))

	assert.Equal(t, StateError, s.State)
	assert.True(t, s.Errored)
	assert.Contains(t, s.StatusMessage, "disk full")
	assert.Empty(t, rec.paths)
	assert.True(t, rep.lines[len(rep.lines)-1].notify)
}

func TestCancelAbortsAndCloses(t *testing.T) {
	m, _, _, _ := newTestManager(t, t.TempDir())
	h := &fakeHandle{}
	s := m.Receive(alice, "g.bin", 5, h)
	require.NoError(t, m.Cancel(s.ID))
	assert.Equal(t, StateAborted, s.State)
	assert.Equal(t, 1, h.cancelled)
	assert.ErrorIs(t, m.Update(s.ID, Progress{Total: 5, Completed: 1}), ErrUnknownSession)
	assert.ErrorIs(t, m.Cancel(s.ID), ErrUnknownSession)
}

func TestSendClosesAfterComplete(t *testing.T) {
	m, _, _, rec := newTestManager(t, "")
	s := m.Send(alice, "h.bin", 3, nil)
	require.NoError(t, m.Update(s.ID, Progress{Total: 3, Completed: 3}))
	assert.Equal(t, StateComplete, s.State)
	assert.Equal(t, []string{"send:h.bin"}, rec.paths)
	assert.Empty(t, m.List())
}

func TestAbortedTag(t *testing.T) {
	m, _, _, _ := newTestManager(t, "")
	s := m.Send(alice, "i.bin", 3, nil)
	require.NoError(t, m.Update(s.ID, Progress{Total: 3, Completed: 1, Status: "transfer aborted"}))
	assert.Equal(t, StateAborted, s.State)
	require.NoError(t, m.Update(s.ID, Progress{Total: 3, Completed: 3}))
	assert.Equal(t, StateAborted, s.State)
}

func TestCloseBuddyCancelsSessions(t *testing.T) {
	m, _, _, _ := newTestManager(t, "")
	bob := events.Buddy{ID: "bob12345"}
	m.Send(alice, "j.bin", 3, nil)
	h := &fakeHandle{}
	m.Receive(bob, "k.bin", 3, h)
	m.CloseBuddy(bob.ID)
	require.Len(t, m.List(), 1)
	assert.Equal(t, alice.ID, m.List()[0].Buddy.ID)
	assert.Equal(t, 1, h.cancelled)
}

func TestStatusText(t *testing.T) {
	m, c, _, _ := newTestManager(t, "")
	s := m.Send(alice, "l.bin", 4096, nil)
	assert.Equal(t, "waiting for connection", s.StatusText())
	require.NoError(t, m.Update(s.ID, Progress{Total: 4096, Completed: 1024, At: c.now.Add(time.Second)}))
	text := s.StatusText()
	assert.Contains(t, text, "25.0%")
	assert.Contains(t, text, "1.0 KB/s")
	assert.Contains(t, text, "3 seconds")
	assert.Contains(t, s.Describe(), "Sending l.bin to alice")
}

type progressReporter struct {
	fakeReporter
	states []State
}

func (r *progressReporter) Progress(s *Session) { r.states = append(r.states, s.State) }

func TestProgressReporterSeesEveryAppliedUpdate(t *testing.T) {
	m := NewManager(Options{})
	rep := &progressReporter{}
	m.SetReporter(rep)
	s := m.Send(alice, "song.ogg", 100, nil)

	require.NoError(t, m.Update(s.ID, Progress{Total: 100, Completed: 40}))
	require.NoError(t, m.Update(s.ID, Progress{Total: 100, Completed: 100, Status: TagComplete}))
	assert.Equal(t, []State{StateInProgress, StateComplete}, rep.states)
	require.NotEmpty(t, rep.lines)
	assert.Contains(t, rep.lines[len(rep.lines)-1].text, "Successfully sent")
}

func TestEmptyFileCompletes(t *testing.T) {
	dir := t.TempDir()
	m, _, rep, rec := newTestManager(t, dir)
	h := &fakeHandle{}
	s := m.Receive(alice, "empty.txt", 0, h)

	require.NoError(t, m.Update(s.ID, Progress{Total: 0, Completed: 0, Status: TagStarting}))
	assert.Equal(t, StateStarting, s.State)
	require.NoError(t, m.Update(s.ID, Progress{Total: 0, Completed: 0, Status: TagComplete}))

	assert.Equal(t, StateComplete, s.State)
	assert.Equal(t, 1, h.finalized)
	assert.Len(t, rec.paths, 1)
	assert.Contains(t, rep.lines[len(rep.lines)-1].text, "Received file://")
	assert.Empty(t, m.List())
}

func TestCompleteWithUnknownSizeKeepsByteCount(t *testing.T) {
	m, _, _, _ := newTestManager(t, "")
	s := m.Send(alice, "stream.bin", -1, nil)
	require.NoError(t, m.Update(s.ID, Progress{Completed: 700, Status: "complete"}))
	assert.Equal(t, StateComplete, s.State)
	assert.Equal(t, int64(700), s.CompletedBytes)
	assert.Equal(t, int64(700), s.Total)
}

func TestDroppingUnsavedReceiveReleasesHandle(t *testing.T) {
	for name, drop := range map[string]func(t *testing.T, m *Manager, s *Session){
		"close buddy": func(_ *testing.T, m *Manager, s *Session) { m.CloseBuddy(s.Buddy.ID) },
		"cancel":      func(t *testing.T, m *Manager, s *Session) { require.NoError(t, m.Cancel(s.ID)) },
	} {
		t.Run(name, func(t *testing.T) {
			m, _, _, _ := newTestManager(t, "")
			done := &fakeHandle{}
			s := m.Receive(alice, "big.iso", 10, done)
			require.NoError(t, m.Update(s.ID, Progress{Total: 10, Completed: 10, Status: TagComplete}))

			failed := &fakeHandle{}
			f := m.Receive(alice, "broken.iso", 10, failed)
			require.NoError(t, m.Update(f.ID, Progress{Total: 10, Completed: -1}))

			drop(t, m, s)
			if _, live := m.Get(f.ID); live {
				drop(t, m, f)
			}
			assert.Equal(t, 1, done.cancelled)
			assert.Equal(t, 1, failed.cancelled)
			assert.Zero(t, done.finalized)
			assert.Empty(t, m.List())
		})
	}
}

func TestSavedReceiveKeepsHandle(t *testing.T) {
	m, _, _, _ := newTestManager(t, t.TempDir())
	h := &fakeHandle{}
	s := m.Receive(alice, "kept.txt", 4, h)
	require.NoError(t, m.Update(s.ID, Progress{Total: 4, Completed: 4}))
	assert.Equal(t, 1, h.finalized)
	assert.Zero(t, h.cancelled, "a flushed file is not discarded")
}

// queueOffload defers work until run is called, standing in for a worker
// goroutine that posts its result back to the loop.
type queueOffload struct {
	pending []func()
}

func (q *queueOffload) offload(work func() error, done func(error)) {
	q.pending = append(q.pending, func() { done(work()) })
}

func (q *queueOffload) run() {
	pending := q.pending
	q.pending = nil
	for _, fn := range pending {
		fn()
	}
}

func TestFinalizeRunsOffTheLoop(t *testing.T) {
	q := &queueOffload{}
	rep := &fakeReporter{}
	m := NewManager(Options{DownloadDir: t.TempDir(), Reporter: rep, Offload: q.offload})
	h := &fakeHandle{}
	s := m.Receive(alice, "movie.mkv", 8, h)

	require.NoError(t, m.Update(s.ID, Progress{Total: 8, Completed: 8}))
	assert.Equal(t, StateComplete, s.State)
	assert.Zero(t, h.finalized, "Update returns before the flush")
	_, live := m.Get(s.ID)
	assert.True(t, live)

	// A duplicate completion while the flush is pending starts nothing new.
	require.NoError(t, m.Update(s.ID, Progress{Total: 8, Completed: 8, Status: TagComplete}))
	require.Len(t, q.pending, 1)

	q.run()
	assert.Equal(t, 1, h.finalized)
	assert.Contains(t, rep.lines[len(rep.lines)-1].text, "Received file://")
	assert.Empty(t, m.List())
}

func TestOffloadedFinalizeFailure(t *testing.T) {
	q := &queueOffload{}
	m := NewManager(Options{Offload: q.offload})
	h := &fakeHandle{finalizeErr: errors.New("disk full")}
	s := m.Receive(alice, "late.bin", 3, h)
	require.NoError(t, m.Update(s.ID, Progress{Total: 3, Completed: 3}))

	require.NoError(t, m.Save(s.ID, filepath.Join(t.TempDir(), "late.bin"), false))
	q.run()
	assert.Equal(t, StateError, s.State)
	assert.Contains(t, s.StatusMessage, "disk full")
	require.NoError(t, m.Cancel(s.ID))
	assert.Zero(t, h.cancelled, "the partial file stays where it is")
}
