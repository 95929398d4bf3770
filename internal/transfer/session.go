package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hamzawahab/parley/internal/events"
)

// State is the lifecycle position of a transfer session.
type State int

const (
	StateWaiting State = iota
	StateStarting
	StateInProgress
	StateComplete
	StateAborted
	StateError
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateStarting:
		return "starting"
	case StateInProgress:
		return "in progress"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsFinished reports whether no further progress is accepted.
func (s State) IsFinished() bool {
	return s == StateComplete || s == StateAborted || s == StateError
}

// Status tags sent by the transport alongside byte counts.
const (
	TagWaiting  = "waiting for connection"
	TagStarting = "starting transfer"
	TagComplete = "transfer complete"
	TagAborted  = "transfer aborted"
	TagError    = "error"
)

// Direction of a transfer relative to the local user.
type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}

// Canceler aborts the transport side of a transfer.
type Canceler interface {
	Cancel() error
}

// CancelFunc adapts a context.CancelFunc to Canceler.
type CancelFunc func()

func (f CancelFunc) Cancel() error {
	f()
	return nil
}

// Progress is one callback from the transport. Completed == -1 signals a fatal error.
type Progress struct {
	Total     int64
	Completed int64
	Status    string
	At        time.Time
}

// Session is the mutable record of one file transfer. It is only touched on
// the UI loop; fields are exported for rendering and must not be written
// outside this package.
type Session struct {
	ID             string
	Buddy          events.Buddy
	FileName       string
	Direction      Direction
	Total          int64
	CompletedBytes int64
	StatusMessage  string
	SavePath       string
	State          State
	Done           bool
	Errored        bool
	AutoSave       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	rate      *RateEstimator
	handle    events.FileHandle
	canceler  Canceler
	finalized int
}

func newSession(id string, dir Direction, buddy events.Buddy, fileName string, total int64, now time.Time) *Session {
	return &Session{
		ID:            id,
		Buddy:         buddy,
		FileName:      fileName,
		Direction:     dir,
		Total:         total,
		StatusMessage: TagWaiting,
		State:         StateWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
		rate:          NewRateEstimator(now),
	}
}

// Rate returns the current estimate in KB/s.
func (s *Session) Rate() float64 {
	return s.rate.Rate()
}

// ETA returns the remaining seconds; ok is false while the rate is unknown.
func (s *Session) ETA() (float64, bool) {
	return ETASeconds(s.Total, s.CompletedBytes, s.Rate())
}

// Percent is the completed share in the range [0, 100].
func (s *Session) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	p := float64(s.CompletedBytes) / float64(s.Total) * 100
	if p > 100 {
		return 100
	}
	return p
}

// FinalizeCount is how many times the destination was flushed. It never exceeds one.
func (s *Session) FinalizeCount() int {
	return s.finalized
}

// StatusText renders the status tag for display.
func (s *Session) StatusText() string {
	switch s.State {
	case StateWaiting:
		return "waiting for connection"
	case StateStarting:
		return "starting transfer"
	case StateComplete:
		return "transfer complete"
	case StateAborted:
		return "transfer aborted"
	case StateError:
		if s.StatusMessage != "" && s.StatusMessage != TagError {
			return "error: " + s.StatusMessage
		}
		return "error"
	}
	text := fmt.Sprintf("%04.1f%% (%s of %s)", s.Percent(),
		humanize.IBytes(uint64(s.CompletedBytes)), humanize.IBytes(uint64(s.Total)))
	if rate := s.Rate(); rate > 0 {
		text += fmt.Sprintf(" %.1f KB/s", rate)
		if eta, ok := s.ETA(); ok {
			text += ", " + FormatETA(eta)
		}
	}
	return text
}

// Describe is a one-line summary used by the transfer listing.
func (s *Session) Describe() string {
	verb := "Sending"
	prep := "to"
	if s.Direction == Receive {
		verb, prep = "Receiving", "from"
	}
	line := fmt.Sprintf("[%s] %s %s %s %s: %s", ShortID(s.ID), verb, s.FileName, prep, s.Buddy.DisplayName(), s.StatusText())
	if s.Direction == Receive && s.SavePath == "" && !s.State.IsFinished() {
		line += " (not saved yet)"
	}
	return line
}

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeUpdated
	outcomeComplete
	outcomeAborted
	outcomeError
)

// apply folds one progress callback into the session.
func (s *Session) apply(p Progress) outcome {
	if s.State.IsFinished() {
		return outcomeIgnored
	}
	s.UpdatedAt = p.At
	tag := normalizeTag(p.Status)
	if p.Status != "" {
		s.StatusMessage = p.Status
	}

	if p.Completed < 0 || tag == TagError {
		if p.Status == "" {
			s.StatusMessage = TagError
		}
		s.State = StateError
		s.Errored = true
		return outcomeError
	}
	if tag == TagAborted {
		s.State = StateAborted
		return outcomeAborted
	}

	if p.Total > 0 {
		s.Total = p.Total
	}
	var delta int64
	if p.Completed > s.CompletedBytes {
		delta = p.Completed - s.CompletedBytes
		s.CompletedBytes = p.Completed
	}
	s.rate.Sample(delta, p.At)

	// A complete tag finishes the session even for an empty file, where
	// no byte count ever reaches the total.
	if (s.Total > 0 || tag == TagComplete) && s.CompletedBytes >= s.Total {
		if s.Total > 0 {
			s.CompletedBytes = s.Total
		} else {
			s.Total = s.CompletedBytes
		}
		s.State = StateComplete
		s.Done = true
		return outcomeComplete
	}
	switch {
	case s.CompletedBytes == 0 && tag == TagWaiting:
		s.State = StateWaiting
	case s.CompletedBytes == 0 && tag == TagStarting:
		s.State = StateStarting
	default:
		s.State = StateInProgress
	}
	return outcomeUpdated
}

// normalizeTag maps short and long forms of the fixed vocabulary onto the long form.
func normalizeTag(status string) string {
	tag := strings.ToLower(strings.TrimSpace(status))
	switch {
	case tag == "":
		return ""
	case strings.HasPrefix(tag, "waiting"):
		return TagWaiting
	case strings.HasPrefix(tag, "starting"):
		return TagStarting
	case tag == "complete" || tag == TagComplete:
		return TagComplete
	case tag == "aborted" || tag == TagAborted:
		return TagAborted
	case tag == TagError:
		return TagError
	default:
		return tag
	}
}
