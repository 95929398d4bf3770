package events

import "strings"

// Kind enumerates the events a background goroutine may hand to the UI loop.
type Kind string

const (
	KindChatMessage    Kind = "chat_message"
	KindOfflineSent    Kind = "offline_sent"
	KindIncomingFile   Kind = "incoming_file"
	KindStatusChanged  Kind = "status_changed"
	KindAvatarChanged  Kind = "avatar_changed"
	KindProfileChanged Kind = "profile_changed"
	KindListChanged    Kind = "list_changed"
	KindBuddyRemoved   Kind = "buddy_removed"
)

// Blocking reports whether dispatching this kind waits for the UI loop.
func (k Kind) Blocking() bool {
	return k == KindChatMessage || k == KindOfflineSent || k == KindIncomingFile
}

// Status is a buddy's presence as advertised by the peer.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusAvailable Status = "available"
	StatusAway      Status = "away"
	StatusXA        Status = "xa"
)

// ParseStatus maps a wire or user supplied presence onto a known Status.
func ParseStatus(s string) (Status, bool) {
	switch status := Status(strings.ToLower(strings.TrimSpace(s))); status {
	case StatusOffline, StatusAvailable, StatusAway, StatusXA:
		return status, true
	}
	return "", false
}

// Buddy identifies a peer. ID is stable, Name is the peer's chosen display name.
type Buddy struct {
	ID   string
	Name string
}

// DisplayName returns the name when set, otherwise the ID.
func (b Buddy) DisplayName() string {
	if strings.TrimSpace(b.Name) != "" {
		return b.Name
	}
	return b.ID
}

// Label combines name and ID the way per-buddy folders are named.
func (b Buddy) Label() string {
	if strings.TrimSpace(b.Name) != "" {
		return b.Name + " " + b.ID
	}
	return b.ID
}

// FileHandle is the transport's end of an incoming file. The transport owns
// the bytes; the UI side only tells it where to put them and when to flush.
type FileHandle interface {
	// SetSavePath binds the destination. It fails when the file cannot be created.
	SetSavePath(path string) error
	// Finalize flushes and closes the destination file.
	Finalize() error
	// Cancel aborts the transfer.
	Cancel() error
}

// Event is immutable once constructed.
type Event interface {
	Kind() Kind
	Peer() Buddy
	isEvent()
}

type ChatMessage struct {
	Buddy Buddy
	Text  string
}

type OfflineSent struct {
	Buddy Buddy
}

type IncomingFile struct {
	Buddy    Buddy
	FileName string
	SizeHint int64
	Handle   FileHandle
}

type StatusChanged struct {
	Buddy  Buddy
	Status Status
}

type AvatarChanged struct {
	Buddy Buddy
}

type ProfileChanged struct {
	Buddy Buddy
}

type ListChanged struct{}

type BuddyRemoved struct {
	Buddy Buddy
}

func (ChatMessage) Kind() Kind    { return KindChatMessage }
func (OfflineSent) Kind() Kind    { return KindOfflineSent }
func (IncomingFile) Kind() Kind   { return KindIncomingFile }
func (StatusChanged) Kind() Kind  { return KindStatusChanged }
func (AvatarChanged) Kind() Kind  { return KindAvatarChanged }
func (ProfileChanged) Kind() Kind { return KindProfileChanged }
func (ListChanged) Kind() Kind    { return KindListChanged }
func (BuddyRemoved) Kind() Kind   { return KindBuddyRemoved }

func (e ChatMessage) Peer() Buddy    { return e.Buddy }
func (e OfflineSent) Peer() Buddy    { return e.Buddy }
func (e IncomingFile) Peer() Buddy   { return e.Buddy }
func (e StatusChanged) Peer() Buddy  { return e.Buddy }
func (e AvatarChanged) Peer() Buddy  { return e.Buddy }
func (e ProfileChanged) Peer() Buddy { return e.Buddy }
func (ListChanged) Peer() Buddy      { return Buddy{} }
func (e BuddyRemoved) Peer() Buddy   { return e.Buddy }

func (ChatMessage) isEvent()    {}
func (OfflineSent) isEvent()    {}
func (IncomingFile) isEvent()   {}
func (StatusChanged) isEvent()  {}
func (AvatarChanged) isEvent()  {}
func (ProfileChanged) isEvent() {}
func (ListChanged) isEvent()    {}
func (BuddyRemoved) isEvent()   {}
