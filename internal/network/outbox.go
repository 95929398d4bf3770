package network

import (
	"sort"
	"sync"
)

// Outbox holds messages for peers that could not be reached, in send order.
type Outbox struct {
	mu      sync.Mutex
	pending map[string][]string
}

func NewOutbox() *Outbox {
	return &Outbox{pending: make(map[string][]string)}
}

func (o *Outbox) Add(peerID, message string) {
	o.mu.Lock()
	o.pending[peerID] = append(o.pending[peerID], message)
	o.mu.Unlock()
}

// Take removes and returns everything queued for peerID.
func (o *Outbox) Take(peerID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.pending[peerID]
	delete(o.pending, peerID)
	return msgs
}

// Requeue puts undelivered messages back in front of anything queued meanwhile.
func (o *Outbox) Requeue(peerID string, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[peerID] = append(append([]string(nil), msgs...), o.pending[peerID]...)
}

// Len reports how many messages wait for peerID.
func (o *Outbox) Len(peerID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending[peerID])
}

// Peers lists peers with queued messages.
func (o *Outbox) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.pending))
	for id := range o.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
