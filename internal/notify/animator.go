package notify

import (
	"math"
	"time"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/loop"
)

// Phase of a notification's life on screen.
type Phase int

const (
	PhaseSlideIn Phase = iota
	PhaseHold
	PhaseSlideOut
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseSlideIn:
		return "slide-in"
	case PhaseHold:
		return "hold"
	case PhaseSlideOut:
		return "slide-out"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// snapDistance is how close a notification must be to its target to stop moving.
const snapDistance = 0.5

// Scheduler runs fn on the UI loop after d. *loop.Loop satisfies it.
type Scheduler interface {
	After(d time.Duration, fn func()) loop.Timer
}

// Surface is whatever actually draws a notification.
type Surface interface {
	Move(x, y int)
	SetContent(message, color string)
	Close()
}

// Animator drives one notification through slide-in, hold and slide-out.
// Every method runs on the UI loop.
type Animator struct {
	owner   *Toaster
	buddy   events.Buddy
	surface Surface
	slot    int

	message string
	color   string

	phase    Phase
	x        float64
	y        float64
	hiddenY  float64
	shownY   float64
	distance float64

	timer loop.Timer
	gen   uint64
}

func (a *Animator) Phase() Phase        { return a.phase }
func (a *Animator) Slot() int           { return a.slot }
func (a *Animator) Message() string     { return a.message }
func (a *Animator) Color() string       { return a.color }
func (a *Animator) Buddy() events.Buddy { return a.buddy }

// Position is the current top-left corner.
func (a *Animator) Position() (int, int) {
	return int(math.Round(a.x)), int(math.Round(a.y))
}

func (a *Animator) start() {
	a.surface.SetContent(a.message, a.color)
	a.surface.Move(a.Position())
	a.beginSlide(PhaseSlideIn)
}

// merge replaces the content and restarts the dwell. A notification that is
// already sliding out comes back in.
func (a *Animator) merge(message, color string) {
	a.message = message
	a.color = color
	a.surface.SetContent(message, color)
	switch a.phase {
	case PhaseHold:
		a.arm(a.owner.opts.Hold, a.endHold)
	case PhaseSlideOut:
		a.beginSlide(PhaseSlideIn)
	}
}

// hover shortens a running hold. It re-arms the short timer on every call.
func (a *Animator) hover() {
	if a.phase != PhaseHold {
		return
	}
	a.arm(a.owner.opts.HoverDelay, a.endHold)
}

func (a *Animator) beginSlide(phase Phase) {
	a.phase = phase
	a.distance = math.Abs(a.target() - a.y)
	a.arm(a.owner.opts.Frame, a.frame)
}

func (a *Animator) target() float64 {
	if a.phase == PhaseSlideOut {
		return a.hiddenY
	}
	return a.shownY
}

func (a *Animator) frame() {
	target := a.target()
	d := math.Abs(target - a.y)
	if d <= snapDistance {
		a.y = target
		a.surface.Move(a.Position())
		a.arrive()
		return
	}
	step := easeStep(d, a.distance)
	if target < a.y {
		a.y -= step
	} else {
		a.y += step
	}
	a.surface.Move(a.Position())
	a.arm(a.owner.opts.Frame, a.frame)
}

func (a *Animator) arrive() {
	switch a.phase {
	case PhaseSlideIn:
		a.phase = PhaseHold
		a.arm(a.owner.opts.Hold, a.endHold)
	case PhaseSlideOut:
		a.close()
	}
}

func (a *Animator) endHold() {
	if a.phase == PhaseHold {
		a.beginSlide(PhaseSlideOut)
	}
}

// close releases the slot and the registry entry synchronously.
func (a *Animator) close() {
	if a.phase == PhaseClosed {
		return
	}
	a.phase = PhaseClosed
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.surface.Close()
	a.owner.remove(a)
}

// arm replaces any pending timer. Callbacks from replaced timers that
// already fired are dropped by the generation check.
func (a *Animator) arm(d time.Duration, fn func()) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = a.owner.sched.After(d, func() {
		if a.gen != gen || a.phase == PhaseClosed {
			return
		}
		fn()
	})
}

// easeStep moves fast while far from the target and slows near it. The
// first frame covers a tenth of the travel, never less than one pixel.
func easeStep(d, initial float64) float64 {
	if initial <= 0 {
		initial = d
	}
	step := 1 + d*d/(10*initial)
	if step > d {
		step = d
	}
	return step
}
