package ui

import (
	"fmt"
	"sort"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/logger"
)

type buddyEntry struct {
	buddy  events.Buddy
	status events.Status
}

// BuddyList tracks presence and prints changes as console lines. Every
// method runs on the UI loop.
type BuddyList struct {
	out      Printer
	logger   *logger.Logger
	entries  map[string]*buddyEntry
	revision int
}

func NewBuddyList(out Printer, log *logger.Logger) *BuddyList {
	return &BuddyList{out: out, logger: log, entries: make(map[string]*buddyEntry)}
}

func (l *BuddyList) entry(b events.Buddy) *buddyEntry {
	e, ok := l.entries[b.ID]
	if !ok {
		e = &buddyEntry{buddy: b, status: events.StatusOffline}
		l.entries[b.ID] = e
	}
	if b.Name != "" {
		e.buddy = b
	}
	return e
}

func (l *BuddyList) StatusChanged(b events.Buddy, status events.Status) {
	e := l.entry(b)
	if e.status == status {
		return
	}
	e.status = status
	color := colorMuted
	switch status {
	case events.StatusAvailable:
		color = colorSuccess
	case events.StatusAway, events.StatusXA:
		color = colorAccent
	}
	l.out.Println(fmt.Sprintf("%s%s is now %s%s", color, e.buddy.DisplayName(), status, colorReset))
}

func (l *BuddyList) AvatarChanged(b events.Buddy) {
	e := l.entry(b)
	l.out.Println(fmt.Sprintf("%s%s changed their picture%s", colorMuted, e.buddy.DisplayName(), colorReset))
}

func (l *BuddyList) ProfileChanged(b events.Buddy) {
	e := l.entry(b)
	l.out.Println(fmt.Sprintf("%s%s updated their profile%s", colorMuted, e.buddy.DisplayName(), colorReset))
}

func (l *BuddyList) ListChanged() {
	l.revision++
	l.logger.Debug("buddy list changed (revision %d)", l.revision)
}

func (l *BuddyList) BuddyRemoved(b events.Buddy) {
	e, ok := l.entries[b.ID]
	if !ok {
		return
	}
	delete(l.entries, b.ID)
	l.out.Println(fmt.Sprintf("%s%s was removed from your buddies%s", colorMuted, e.buddy.DisplayName(), colorReset))
}

// Status returns the last known presence of a buddy.
func (l *BuddyList) Status(buddyID string) events.Status {
	if e, ok := l.entries[buddyID]; ok {
		return e.status
	}
	return events.StatusOffline
}

// Online lists buddies that are not offline, by name.
func (l *BuddyList) Online() []events.Buddy {
	var out []events.Buddy
	for _, e := range l.entries {
		if e.status != events.StatusOffline {
			out = append(out, e.buddy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName() < out[j].DisplayName() })
	return out
}
