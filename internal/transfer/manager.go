package transfer

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/logger"
)

// Reporter receives the chat lines a transfer produces in its buddy's window.
type Reporter interface {
	SystemLine(buddy events.Buddy, line string, notify bool)
}

// ProgressReporter is a Reporter that also renders live progress. The
// manager calls Progress after every applied update.
type ProgressReporter interface {
	Reporter
	Progress(s *Session)
}

// Recorder appends a finished transfer to the buddy's transcript.
type Recorder interface {
	AppendTransfer(buddy events.Buddy, direction, path string, size int64) error
}

// Options configure a Manager.
type Options struct {
	// DownloadDir is the auto-save base directory. Empty disables auto-save.
	DownloadDir string
	Reporter    Reporter
	Recorder    Recorder
	Logger      *logger.Logger
	Now         func() time.Time
	// Offload runs slow handle work, such as moving a received file into
	// place, away from the UI loop. done must be called back on the loop.
	// Nil runs the work inline.
	Offload func(work func() error, done func(error))
}

// Manager owns every live transfer session. All methods must be called on
// the UI loop; it holds no locks.
type Manager struct {
	downloadDir string
	reporter    Reporter
	recorder    Recorder
	logger      *logger.Logger
	now         func() time.Time
	offload     func(work func() error, done func(error))
	sessions    map[string]*Session
}

func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	offload := opts.Offload
	if offload == nil {
		offload = func(work func() error, done func(error)) { done(work()) }
	}
	return &Manager{
		downloadDir: opts.DownloadDir,
		reporter:    opts.Reporter,
		recorder:    opts.Recorder,
		logger:      opts.Logger,
		now:         now,
		offload:     offload,
		sessions:    make(map[string]*Session),
	}
}

// SetDownloadDir changes the auto-save base for sessions created afterwards.
func (m *Manager) SetDownloadDir(dir string) {
	m.downloadDir = dir
}

// SetReporter replaces the reporter. It exists for wiring where the reporter
// is built after the manager.
func (m *Manager) SetReporter(r Reporter) {
	m.reporter = r
}

// Receive registers an incoming file and tries to auto-save it. A failed
// auto-save leaves the session unbound until Save is called.
func (m *Manager) Receive(buddy events.Buddy, fileName string, size int64, handle events.FileHandle) *Session {
	s := newSession(uuid.NewString(), Receive, buddy, fileName, size, m.now())
	s.handle = handle
	m.sessions[s.ID] = s
	m.report(buddy, fmt.Sprintf("You are receiving %q (%s) [%s]", fileName, humanBytes(size), ShortID(s.ID)), true)

	if err := m.autoSave(s); err != nil {
		m.logger.Warn("auto-save %s from %s: %v", fileName, buddy.ID, err)
		m.report(buddy, fmt.Sprintf("Could not auto-save %q, use @save %s <path>", fileName, ShortID(s.ID)), false)
	}
	return s
}

func (m *Manager) autoSave(s *Session) error {
	if m.downloadDir == "" {
		return &ResolutionError{Err: ErrNoSaveDir}
	}
	path, err := ResolveSavePath(m.downloadDir, s.Buddy.Label(), s.FileName)
	if err != nil {
		return err
	}
	if s.handle != nil {
		if err := s.handle.SetSavePath(path); err != nil {
			return &ResolutionError{Path: path, Err: err}
		}
	}
	s.SavePath = path
	s.AutoSave = true
	m.logger.Info("auto-saving %s from %s to %s", s.FileName, s.Buddy.ID, path)
	return nil
}

// Send registers an outgoing file.
func (m *Manager) Send(buddy events.Buddy, fileName string, size int64, canceler Canceler) *Session {
	s := newSession(uuid.NewString(), Send, buddy, fileName, size, m.now())
	s.canceler = canceler
	m.sessions[s.ID] = s
	m.report(buddy, fmt.Sprintf("You are sending %q (%s) [%s]", fileName, humanBytes(size), ShortID(s.ID)), false)
	return s
}

// Update applies a progress callback. Callbacks for sessions that are gone
// return ErrUnknownSession and change nothing.
func (m *Manager) Update(id string, p Progress) error {
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if p.At.IsZero() {
		p.At = m.now()
	}
	result := s.apply(p)
	if pr, ok := m.reporter.(ProgressReporter); ok && result != outcomeIgnored {
		pr.Progress(s)
	}
	switch result {
	case outcomeComplete:
		m.complete(s)
	case outcomeAborted:
		m.logger.Info("transfer %s with %s aborted", s.ID, s.Buddy.ID)
		m.report(s.Buddy, fmt.Sprintf("Transfer of %q aborted", s.FileName), false)
	case outcomeError:
		err := &TransferError{ID: s.ID, Err: errors.New(s.StatusMessage)}
		m.logger.Error("transfer with %s: %v", s.Buddy.ID, err)
		m.report(s.Buddy, fmt.Sprintf("Transfer of %q failed: %s", s.FileName, s.StatusMessage), true)
	}
	return nil
}

func (m *Manager) complete(s *Session) {
	if s.Direction == Send {
		m.report(s.Buddy, fmt.Sprintf("Successfully sent file %q", s.FileName), false)
		m.record(s, s.FileName)
		m.close(s)
		return
	}
	if s.SavePath == "" {
		m.report(s.Buddy, fmt.Sprintf("Received file %q is ready to be saved: @save %s <path>", s.FileName, ShortID(s.ID)), true)
		return
	}
	m.finalize(s, func() {
		m.report(s.Buddy, fmt.Sprintf("Received file://%s", s.SavePath), true)
		m.record(s, s.SavePath)
		if s.AutoSave {
			m.close(s)
		}
	})
}

// finalize flushes the destination of s at most once, off the loop when an
// Offload is configured, and runs onSaved back on the loop on success.
func (m *Manager) finalize(s *Session, onSaved func()) {
	if s.finalized > 0 {
		return
	}
	s.finalized++
	handle, id := s.handle, s.ID
	m.offload(func() error {
		if handle == nil {
			return nil
		}
		if err := handle.Finalize(); err != nil {
			return &TransferError{ID: id, Err: err}
		}
		return nil
	}, func(err error) {
		if err != nil {
			m.fail(s, err)
			return
		}
		onSaved()
	})
}

// fail marks the session as errored after a local I/O failure. The partial
// file is left where it is.
func (m *Manager) fail(s *Session, err error) {
	s.State = StateError
	s.Errored = true
	s.StatusMessage = err.Error()
	m.logger.Error("finalize %s from %s: %v", s.FileName, s.Buddy.ID, err)
	m.report(s.Buddy, fmt.Sprintf("The file '%s' could not be saved: %v", s.SavePath, err), true)
}

// Save binds a receive session to path. An existing file is only
// overwritten with overwrite set. A session that already completed is
// finalized and closed; a failure there is reported like any other
// finalize failure.
func (m *Manager) Save(id, path string, overwrite bool) error {
	s, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if s.Direction != Receive {
		return ErrNotReceiver
	}
	if s.SavePath != "" {
		return ErrAlreadyBound
	}
	if s.State == StateAborted || s.State == StateError {
		return ErrFinished
	}
	if !overwrite {
		if _, err := os.Lstat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrPathExists)
		}
	}
	if s.handle != nil {
		if err := s.handle.SetSavePath(path); err != nil {
			return &ResolutionError{Path: path, Err: err}
		}
	}
	s.SavePath = path
	if s.State != StateComplete {
		m.report(s.Buddy, fmt.Sprintf("Saving %q to %s", s.FileName, path), false)
		return nil
	}
	m.finalize(s, func() {
		m.report(s.Buddy, fmt.Sprintf("Saved file://%s", path), false)
		m.record(s, path)
		m.close(s)
	})
	return nil
}

// Cancel aborts the transport side, marks the session aborted and drops it.
func (m *Manager) Cancel(id string) error {
	s, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if s.Direction == Send && s.canceler != nil && !s.State.IsFinished() {
		if err := s.canceler.Cancel(); err != nil {
			m.logger.Warn("cancel transfer %s: %v", s.ID, err)
		}
	}
	if !s.State.IsFinished() {
		s.State = StateAborted
		s.StatusMessage = TagAborted
		m.report(s.Buddy, fmt.Sprintf("Transfer of %q cancelled", s.FileName), false)
	}
	m.close(s)
	return nil
}

// CloseBuddy drops every session of a buddy whose window went away.
// Unfinished transfers are cancelled.
func (m *Manager) CloseBuddy(buddyID string) {
	for _, s := range m.List() {
		if s.Buddy.ID == buddyID {
			_ = m.Cancel(s.ID)
		}
	}
}

// Get returns the session with the exact id.
func (m *Manager) Get(id string) (*Session, bool) {
	s, ok := m.sessions[id]
	return s, ok
}

// Lookup accepts a full id or a unique prefix of one.
func (m *Manager) Lookup(id string) (*Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	var found *Session
	for key, s := range m.sessions {
		if len(id) >= 4 && len(key) > len(id) && key[:len(id)] == id {
			if found != nil {
				return nil, fmt.Errorf("%s: ambiguous id: %w", id, ErrUnknownSession)
			}
			found = s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownSession)
	}
	return found, nil
}

// List returns live sessions, oldest first.
func (m *Manager) List() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// close drops s. A receive whose bytes were never flushed to a save path
// releases its handle so the transport can discard what it buffered.
func (m *Manager) close(s *Session) {
	delete(m.sessions, s.ID)
	if s.Direction != Receive || s.finalized > 0 || s.handle == nil {
		return
	}
	if err := s.handle.Cancel(); err != nil {
		m.logger.Warn("release transfer %s: %v", s.ID, err)
	}
}

func (m *Manager) record(s *Session, path string) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.AppendTransfer(s.Buddy, s.Direction.String(), path, s.Total); err != nil {
		m.logger.Warn("record transfer %s: %v", s.ID, err)
	}
}

func (m *Manager) report(buddy events.Buddy, line string, notify bool) {
	if m.reporter != nil {
		m.reporter.SystemLine(buddy, line, notify)
	}
}

// ShortID is the prefix shown to users for referring to a session.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanBytes(n int64) string {
	if n < 0 {
		return "unknown size"
	}
	return humanize.IBytes(uint64(n))
}
