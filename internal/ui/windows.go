package ui

import (
	"fmt"
	"sort"
	"time"

	"github.com/hamzawahab/parley/internal/dispatch"
	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/history"
	"github.com/hamzawahab/parley/internal/logger"
	"github.com/hamzawahab/parley/internal/notify"
)

const (
	backlogLines   = 10
	maxWindowLines = 200
	replayLines    = 20
)

// Printer writes one complete line above the prompt.
type Printer interface {
	Println(line string)
}

// Backlog reads earlier conversation from the transcript store.
type Backlog interface {
	Backlog(peerID string, n int) ([]history.Entry, error)
}

// WindowOptions configure a ChatWindows registry.
type WindowOptions struct {
	Popups bool
	// Screen reports the current notification canvas size. It is consulted
	// before every popup.
	Screen func() (int, int)
	Logger *logger.Logger
	Now    func() time.Time
}

// ChatWindows is the registry of open conversations. Only the focused
// window prints plainly; other visible windows print with a buddy prefix
// and hidden ones only count unread lines and pop up a notification.
// Every method runs on the UI loop.
type ChatWindows struct {
	out     Printer
	toaster *notify.Toaster
	backlog Backlog
	opts    WindowOptions

	open    map[string]*ChatWindow
	focused string
	muted   map[string]bool
}

// ChatWindow is one buddy's conversation.
type ChatWindow struct {
	owner  *ChatWindows
	buddy  events.Buddy
	hidden bool
	unread int
	lines  []string
}

func NewChatWindows(out Printer, toaster *notify.Toaster, backlog Backlog, opts WindowOptions) *ChatWindows {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ChatWindows{
		out:     out,
		toaster: toaster,
		backlog: backlog,
		opts:    opts,
		open:    make(map[string]*ChatWindow),
		muted:   make(map[string]bool),
	}
}

func (c *ChatWindows) Find(buddyID string) (dispatch.Window, bool) {
	w, ok := c.open[buddyID]
	if !ok {
		return nil, false
	}
	return w, true
}

// Open creates a window for buddy and loads its recent transcript.
func (c *ChatWindows) Open(buddy events.Buddy, hidden bool) dispatch.Window {
	return c.openWindow(buddy, hidden)
}

func (c *ChatWindows) openWindow(buddy events.Buddy, hidden bool) *ChatWindow {
	if w, ok := c.open[buddy.ID]; ok {
		return w
	}
	w := &ChatWindow{owner: c, buddy: buddy, hidden: hidden}
	if c.backlog != nil {
		entries, err := c.backlog.Backlog(buddy.ID, backlogLines)
		if err != nil {
			c.opts.Logger.Warn("backlog for %s: %v", buddy.ID, err)
		}
		for _, e := range entries {
			w.lines = append(w.lines, colorMuted+e.Line()+colorReset)
		}
	}
	c.open[buddy.ID] = w
	c.opts.Logger.Debug("chat window for %s opened (hidden=%t)", buddy.ID, hidden)
	if !hidden && c.focused != buddy.ID {
		c.out.Println(fmt.Sprintf("%sChat with %s opened. Use @chat %s to switch to it.%s", colorMuted, buddy.DisplayName(), buddy.DisplayName(), colorReset))
	}
	return w
}

// Close drops the window. Closing an unknown buddy is a no-op.
func (c *ChatWindows) Close(buddyID string) {
	c.CloseWindow(buddyID)
}

// CloseWindow drops the window and reports whether one was open.
func (c *ChatWindows) CloseWindow(buddyID string) bool {
	if _, ok := c.open[buddyID]; !ok {
		return false
	}
	delete(c.open, buddyID)
	if c.focused == buddyID {
		c.focused = ""
	}
	if c.toaster != nil {
		c.toaster.Close(buddyID)
	}
	return true
}

// Focus shows buddy's window, replaying its recent lines.
func (c *ChatWindows) Focus(buddy events.Buddy) {
	title := "chat with " + buddy.DisplayName()
	if n := c.Unread(buddy.ID); n > 0 {
		title += fmt.Sprintf(" (%d new)", n)
	}
	w := c.openWindow(buddy, false)
	w.hidden = false
	w.unread = 0
	c.focused = buddy.ID
	if c.toaster != nil {
		c.toaster.Close(buddy.ID)
	}
	c.out.Println(fmt.Sprintf("%s── %s ──%s", colorPrimary, title, colorReset))
	start := len(w.lines) - replayLines
	if start < 0 {
		start = 0
	}
	for _, line := range w.lines[start:] {
		c.out.Println(line)
	}
}

func (c *ChatWindows) Focused() (events.Buddy, bool) {
	w, ok := c.open[c.focused]
	if !ok {
		return events.Buddy{}, false
	}
	return w.buddy, true
}

// Mute stops popups for one buddy.
func (c *ChatWindows) Mute(buddyID string, muted bool) {
	if muted {
		c.muted[buddyID] = true
		return
	}
	delete(c.muted, buddyID)
}

func (c *ChatWindows) SetPopups(on bool) {
	c.opts.Popups = on
	if !on && c.toaster != nil {
		c.toaster.CloseAll()
	}
}

// Hover forwards a pointer hover to every popup on screen.
func (c *ChatWindows) Hover() {
	if c.toaster != nil {
		c.toaster.Hover()
	}
}

// Echo shows our own outgoing message in the buddy's window.
func (c *ChatWindows) Echo(buddy events.Buddy, text string, queued bool) {
	w := c.openWindow(buddy, false)
	suffix := ""
	if queued {
		suffix = colorMuted + " (queued, buddy is offline)" + colorReset
	}
	w.push(fmt.Sprintf("%s[%s] You:%s %s%s", colorMuted, c.stamp(), colorReset, text, suffix), false, "", "")
}

// SystemLine writes a notice into the buddy's window. It satisfies
// transfer.Reporter.
func (c *ChatWindows) SystemLine(buddy events.Buddy, line string, notifyUser bool) {
	w := c.openWindow(buddy, false)
	popup := ""
	if notifyUser {
		popup = line
	}
	w.push(fmt.Sprintf("%s[%s] * %s%s", colorAccent, c.stamp(), line, colorReset), notifyUser, popup, colorAccent)
}

// Overview lists open windows, focused first.
func (c *ChatWindows) Overview() []string {
	windows := make([]*ChatWindow, 0, len(c.open))
	for _, w := range c.open {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool {
		if (windows[i].buddy.ID == c.focused) != (windows[j].buddy.ID == c.focused) {
			return windows[i].buddy.ID == c.focused
		}
		return windows[i].buddy.DisplayName() < windows[j].buddy.DisplayName()
	})
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		line := w.buddy.DisplayName()
		switch {
		case w.buddy.ID == c.focused:
			line += " (focused)"
		case w.hidden:
			line += " (hidden)"
		}
		if w.unread > 0 {
			line += fmt.Sprintf(" • %d unread", w.unread)
		}
		out = append(out, line)
	}
	return out
}

// Unread is the number of lines received while the window was not focused.
func (c *ChatWindows) Unread(buddyID string) int {
	if w, ok := c.open[buddyID]; ok {
		return w.unread
	}
	return 0
}

func (c *ChatWindows) stamp() string {
	return c.opts.Now().Format("15:04:05")
}

// Deliver appends an incoming message.
func (w *ChatWindow) Deliver(text string) {
	line := fmt.Sprintf("%s[%s] %s:%s %s", colorPrimary, w.owner.stamp(), w.buddy.DisplayName(), colorReset, text)
	w.push(line, true, text, colorPrimary)
}

// OfflineSent tells the user queued messages reached the buddy.
func (w *ChatWindow) OfflineSent() {
	line := fmt.Sprintf("%s[%s] * Offline messages were delivered%s", colorSuccess, w.owner.stamp(), colorReset)
	w.push(line, false, "", "")
}

func (w *ChatWindow) push(line string, incoming bool, popup, color string) {
	c := w.owner
	w.lines = append(w.lines, line)
	if len(w.lines) > maxWindowLines {
		w.lines = w.lines[len(w.lines)-maxWindowLines:]
	}
	if c.focused == w.buddy.ID {
		c.out.Println(line)
		return
	}
	if incoming {
		w.unread++
	}
	if !w.hidden {
		c.out.Println(colorMuted + "(" + w.buddy.DisplayName() + ") " + colorReset + line)
	}
	if popup != "" && c.opts.Popups && !c.muted[w.buddy.ID] && c.toaster != nil {
		if c.opts.Screen != nil {
			c.toaster.SetScreen(c.opts.Screen())
		}
		c.toaster.Notify(w.buddy, popup, color)
	}
}
