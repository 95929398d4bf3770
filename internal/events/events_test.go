package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindBlocking(t *testing.T) {
	tests := []struct {
		event    Event
		blocking bool
	}{
		{ChatMessage{}, true},
		{OfflineSent{}, true},
		{IncomingFile{}, true},
		{StatusChanged{}, false},
		{AvatarChanged{}, false},
		{ProfileChanged{}, false},
		{ListChanged{}, false},
		{BuddyRemoved{}, false},
	}

	for _, test := range tests {
		assert.Equal(t, test.blocking, test.event.Kind().Blocking(), "kind %s", test.event.Kind())
	}
}

func TestBuddyNames(t *testing.T) {
	named := Buddy{ID: "10.0.0.7", Name: "alice"}
	assert.Equal(t, "alice", named.DisplayName())
	assert.Equal(t, "alice 10.0.0.7", named.Label())

	anonymous := Buddy{ID: "10.0.0.8", Name: "  "}
	assert.Equal(t, "10.0.0.8", anonymous.DisplayName())
	assert.Equal(t, "10.0.0.8", anonymous.Label())
}

func TestPeerCarriesBuddy(t *testing.T) {
	b := Buddy{ID: "x"}
	assert.Equal(t, b, ChatMessage{Buddy: b, Text: "hi"}.Peer())
	assert.Equal(t, b, IncomingFile{Buddy: b}.Peer())
	assert.Equal(t, Buddy{}, ListChanged{}.Peer())
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"available", StatusAvailable, true},
		{" Away ", StatusAway, true},
		{"XA", StatusXA, true},
		{"offline", StatusOffline, true},
		{"", "", false},
		{"sleeping", "", false},
	}

	for _, test := range tests {
		got, ok := ParseStatus(test.in)
		assert.Equal(t, test.ok, ok, "input %q", test.in)
		assert.Equal(t, test.want, got, "input %q", test.in)
	}
}
