package peer

import (
	"sync"

	"github.com/matterlink/peercore/pkg/session"
)

// EventKind identifies a broadcast peer-set observable (spec Section 6
// "Observable events").
type EventKind int

const (
	EventAdded EventKind = iota
	EventDeleted
	EventDisconnected
	EventClosing
	EventGracefulClose
	EventClosedByPeer
	EventChannelUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventDeleted:
		return "deleted"
	case EventDisconnected:
		return "disconnected"
	case EventClosing:
		return "closing"
	case EventGracefulClose:
		return "graceful_close"
	case EventClosedByPeer:
		return "closed_by_peer"
	case EventChannelUpdated:
		return "channel_updated"
	default:
		return "unknown"
	}
}

// Event carries an observable signal. Peer is populated for peer-registry
// events (added/deleted/disconnected); Session is populated for
// session-lifecycle events (closing/graceful_close/closed_by_peer).
type Event struct {
	Kind    EventKind
	Peer    *Peer
	Session *session.SecureContext
}

// subscriber is an at-most-once-per-event delivery target. Send never
// blocks the publisher indefinitely: a slow subscriber drops events rather
// than stalling the peer set (spec Section 9 "Observers": broadcast
// channels with at-most-once delivery per subscriber).
type subscriber struct {
	ch chan Event
}

// Broadcaster fans out Events to any number of subscribers. Cancellation
// (Unsubscribe) drops a subscriber atomically.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewBroadcaster creates an empty event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new listener and returns the channel it should
// read from plus an unsubscribe function.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
