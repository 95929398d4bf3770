package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzawahab/parley/internal/events"
)

func TestBuddyListPrintsOnlyChanges(t *testing.T) {
	out := &capture{}
	l := NewBuddyList(out, nil)

	l.StatusChanged(ann, events.StatusAvailable)
	l.StatusChanged(ann, events.StatusAvailable)
	l.StatusChanged(ann, events.StatusAway)
	require.Len(t, out.lines, 2)
	assert.Equal(t, "Ann is now available", out.lines[0])
	assert.Equal(t, events.StatusAway, l.Status(ann.ID))
	assert.Equal(t, events.StatusOffline, l.Status(bob.ID))
}

func TestBuddyListOnlineSorted(t *testing.T) {
	l := NewBuddyList(&capture{}, nil)
	l.StatusChanged(bob, events.StatusAvailable)
	l.StatusChanged(ann, events.StatusAway)
	l.StatusChanged(events.Buddy{ID: "cat0000000000000", Name: "Cat"}, events.StatusOffline)

	online := l.Online()
	require.Len(t, online, 2)
	assert.Equal(t, "Ann", online[0].Name)
	assert.Equal(t, "Bob", online[1].Name)
}

func TestBuddyListRemoveAndProfile(t *testing.T) {
	out := &capture{}
	l := NewBuddyList(out, nil)
	l.BuddyRemoved(ann)
	assert.Empty(t, out.lines, "unknown buddies are not reported")

	l.ProfileChanged(ann)
	l.AvatarChanged(ann)
	l.ListChanged()
	l.BuddyRemoved(ann)
	assert.Equal(t, []string{
		"Ann updated their profile",
		"Ann changed their picture",
		"Ann was removed from your buddies",
	}, out.lines)
	assert.Equal(t, 1, l.revision)
	assert.Empty(t, l.Online())
}
