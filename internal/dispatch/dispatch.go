// Package dispatch is the only way background goroutines hand events to the
// UI loop. Chat, offline-delivery and incoming-file events block the caller
// until the UI side has a window or session for them; everything else is
// queued and returns at once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/logger"
	"github.com/hamzawahab/parley/internal/transfer"
)

// DefaultTimeout bounds how long a blocking dispatch waits for the UI loop.
const DefaultTimeout = 5 * time.Second

var (
	// ErrDispatchTimeout means the UI loop did not pick up a blocking event in
	// time. The event is dropped and will not be delivered later.
	ErrDispatchTimeout = errors.New("dispatch: timed out waiting for the UI loop")
	ErrUnknownEvent    = errors.New("dispatch: unknown event")
)

// Loop is the UI-affine context. *loop.Loop satisfies it.
type Loop interface {
	Post(fn func()) error
	Call(ctx context.Context, fn func()) error
}

// Window is an open chat window.
type Window interface {
	Deliver(text string)
	OfflineSent()
}

// Windows is the chat window registry.
type Windows interface {
	Find(buddyID string) (Window, bool)
	Open(buddy events.Buddy, hidden bool) Window
	Close(buddyID string)
}

// BuddyList receives presence and profile updates.
type BuddyList interface {
	StatusChanged(buddy events.Buddy, status events.Status)
	AvatarChanged(buddy events.Buddy)
	ProfileChanged(buddy events.Buddy)
	ListChanged()
	BuddyRemoved(buddy events.Buddy)
}

// Transfers owns transfer sessions. *transfer.Manager satisfies it.
type Transfers interface {
	Receive(buddy events.Buddy, fileName string, size int64, handle events.FileHandle) *transfer.Session
	Update(id string, p transfer.Progress) error
	CloseBuddy(buddyID string)
}

// ProgressFunc feeds byte counts of one transfer back to the UI loop. It is
// safe to call from any goroutine and becomes a no-op once the session is gone.
type ProgressFunc func(total, completed int64, status string)

// Receipt is what a dispatch hands back to the caller. Only IncomingFile
// fills it in.
type Receipt struct {
	SessionID string
	Progress  ProgressFunc
}

// Options tune a Dispatcher.
type Options struct {
	Timeout    time.Duration
	OpenHidden bool
	Logger     *logger.Logger
	Now        func() time.Time
}

type Dispatcher struct {
	loop       Loop
	windows    Windows
	buddies    BuddyList
	transfers  Transfers
	timeout    time.Duration
	openHidden bool
	logger     *logger.Logger
	now        func() time.Time
}

func New(l Loop, windows Windows, buddies BuddyList, transfers Transfers, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		loop:       l,
		windows:    windows,
		buddies:    buddies,
		transfers:  transfers,
		timeout:    opts.Timeout,
		openHidden: opts.OpenHidden,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// SetOpenHidden controls whether windows opened by incoming events start hidden.
func (d *Dispatcher) SetOpenHidden(hidden bool) {
	_ = d.loop.Post(func() { d.openHidden = hidden })
}

// Dispatch delivers ev to the UI loop. Events from one goroutine are
// handled in the order they were dispatched. Blocking kinds wait until the
// loop ran the handler; the rest are queued.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) (Receipt, error) {
	var id string
	var fn func()
	switch e := ev.(type) {
	case events.ChatMessage:
		fn = func() { d.window(e.Buddy).Deliver(e.Text) }
	case events.OfflineSent:
		fn = func() { d.window(e.Buddy).OfflineSent() }
	case events.IncomingFile:
		fn = func() {
			id = d.transfers.Receive(e.Buddy, e.FileName, e.SizeHint, e.Handle).ID
		}
	case events.StatusChanged:
		fn = func() { d.buddies.StatusChanged(e.Buddy, e.Status) }
	case events.AvatarChanged:
		fn = func() { d.buddies.AvatarChanged(e.Buddy) }
	case events.ProfileChanged:
		fn = func() { d.buddies.ProfileChanged(e.Buddy) }
	case events.ListChanged:
		fn = d.buddies.ListChanged
	case events.BuddyRemoved:
		fn = func() {
			d.transfers.CloseBuddy(e.Buddy.ID)
			d.windows.Close(e.Buddy.ID)
			d.buddies.BuddyRemoved(e.Buddy)
		}
	default:
		return Receipt{}, fmt.Errorf("%T: %w", ev, ErrUnknownEvent)
	}
	if !ev.Kind().Blocking() {
		return Receipt{}, d.post(ev, fn)
	}
	if err := d.call(ctx, ev, fn); err != nil {
		return Receipt{}, err
	}
	if id == "" {
		return Receipt{}, nil
	}
	return Receipt{SessionID: id, Progress: d.Progress(id)}, nil
}

// Progress returns the callback a transport uses to report byte counts for
// session id.
func (d *Dispatcher) Progress(id string) ProgressFunc {
	return func(total, completed int64, status string) {
		p := transfer.Progress{Total: total, Completed: completed, Status: status, At: d.now()}
		_ = d.loop.Post(func() {
			err := d.transfers.Update(id, p)
			if err != nil && !errors.Is(err, transfer.ErrUnknownSession) {
				d.logger.Warn("progress for %s: %v", id, err)
			}
		})
	}
}

func (d *Dispatcher) window(buddy events.Buddy) Window {
	if w, ok := d.windows.Find(buddy.ID); ok {
		return w
	}
	return d.windows.Open(buddy, d.openHidden)
}

func (d *Dispatcher) call(parent context.Context, ev events.Event, fn func()) error {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	err := d.loop.Call(ctx, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		err = ErrDispatchTimeout
	}
	d.logger.Warn("dispatch %s from %s dropped: %v", ev.Kind(), ev.Peer().ID, err)
	return err
}

func (d *Dispatcher) post(ev events.Event, fn func()) error {
	if err := d.loop.Post(fn); err != nil {
		d.logger.Debug("dispatch %s from %s dropped: %v", ev.Kind(), ev.Peer().ID, err)
		return err
	}
	return nil
}
