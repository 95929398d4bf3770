package notify

import (
	"sort"
	"time"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/logger"
)

const (
	DefaultWidth      = 250
	DefaultHeight     = 74
	DefaultMargin     = 10
	DefaultHold       = 3000 * time.Millisecond
	DefaultFrame      = 10 * time.Millisecond
	DefaultHoverDelay = 10 * time.Millisecond

	edgeGap   = 20
	bottomGap = 85
)

// Options describe screen geometry and timing.
type Options struct {
	ScreenWidth  int
	ScreenHeight int
	Width        int
	Height       int
	Margin       int
	Hold         time.Duration
	Frame        time.Duration
	HoverDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Margin <= 0 {
		o.Margin = DefaultMargin
	}
	if o.Hold <= 0 {
		o.Hold = DefaultHold
	}
	if o.Frame <= 0 {
		o.Frame = DefaultFrame
	}
	if o.HoverDelay <= 0 {
		o.HoverDelay = DefaultHoverDelay
	}
	return o
}

// SurfaceFactory creates the drawable for a new notification.
type SurfaceFactory func(buddy events.Buddy, slot int) Surface

// Toaster keeps at most one live notification per buddy and stacks them
// without overlap. It must only be used on the UI loop.
type Toaster struct {
	opts    Options
	sched   Scheduler
	factory SurfaceFactory
	slots   *Slots
	live    map[string]*Animator
	logger  *logger.Logger
}

func NewToaster(sched Scheduler, factory SurfaceFactory, opts Options, log *logger.Logger) *Toaster {
	return &Toaster{
		opts:    opts.withDefaults(),
		sched:   sched,
		factory: factory,
		slots:   NewSlots(),
		live:    make(map[string]*Animator),
		logger:  log,
	}
}

// SetScreen updates the screen size used for notifications created afterwards.
func (t *Toaster) SetScreen(width, height int) {
	t.opts.ScreenWidth = width
	t.opts.ScreenHeight = height
}

// Notify shows a notification for buddy, or folds it into the one already
// on screen for that buddy.
func (t *Toaster) Notify(buddy events.Buddy, text, color string) *Animator {
	message := Wrap(buddy.DisplayName(), text)
	if a, ok := t.live[buddy.ID]; ok {
		t.logger.Debug("merging notification for %s into slot %d", buddy.ID, a.slot)
		a.merge(message, color)
		return a
	}

	slot := t.slots.Acquire()
	offset := Offset(slot, t.opts.Height, t.opts.Margin)
	a := &Animator{
		owner:   t,
		buddy:   buddy,
		surface: t.factory(buddy, slot),
		slot:    slot,
		message: message,
		color:   color,
		x:       float64(t.opts.ScreenWidth - t.opts.Width - edgeGap),
		hiddenY: float64(t.opts.ScreenHeight + t.opts.Height + edgeGap),
		shownY:  float64(t.opts.ScreenHeight - bottomGap - offset),
	}
	a.y = a.hiddenY
	t.live[buddy.ID] = a
	t.logger.Debug("notification for %s in slot %d", buddy.ID, slot)
	a.start()
	return a
}

// Hover forwards a pointer-hover to every live notification.
func (t *Toaster) Hover() {
	for _, a := range t.Live() {
		a.hover()
	}
}

// Close removes the buddy's notification immediately.
func (t *Toaster) Close(buddyID string) {
	if a, ok := t.live[buddyID]; ok {
		a.close()
	}
}

// CloseAll removes every notification.
func (t *Toaster) CloseAll() {
	for _, a := range t.Live() {
		a.close()
	}
}

// Live lists notifications on screen ordered by slot.
func (t *Toaster) Live() []*Animator {
	out := make([]*Animator, 0, len(t.live))
	for _, a := range t.live {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

// HeldSlots lists the occupied stacking positions.
func (t *Toaster) HeldSlots() []int {
	return t.slots.Held()
}

func (t *Toaster) remove(a *Animator) {
	if cur, ok := t.live[a.buddy.ID]; ok && cur == a {
		delete(t.live, a.buddy.ID)
	}
	t.slots.Release(a.slot)
}
