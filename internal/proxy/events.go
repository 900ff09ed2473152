package proxy

import (
	"sync/atomic"
	"time"
)

// EventKind enumerates the lifecycle and data events a TCPSession pushes to
// its subscribers.
type EventKind int

const (
	// EventConnected signals the upstream socket is open.
	EventConnected EventKind = iota
	// EventDisconnected signals the upstream socket dropped; a reconnect
	// will follow unless attempts are exhausted.
	EventDisconnected
	// EventReconnecting signals a retry has been scheduled.
	EventReconnecting
	// EventRecord carries one complete framed record.
	EventRecord
	// EventFatal signals reconnect attempts are exhausted; the session
	// stays closed until explicitly asked to reconnect.
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventRecord:
		return "record"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is pushed from a TCPSession's read loop to every subscriber through
// a bounded per-subscriber queue. Fields beyond Kind are populated per kind.
type Event struct {
	Kind        EventKind
	Record      []byte // EventRecord
	Host        string // EventConnected
	Port        int    // EventConnected
	Multiplexed bool   // EventConnected

	Attempt     int           // EventReconnecting
	MaxAttempts int           // EventReconnecting
	Delay       time.Duration // EventReconnecting

	Err error // EventFatal
}

// Subscription is a subscriber's receive handle on a TCPSession. The session
// never blocks on a subscriber: when the queue is full the subscription is
// dropped and its channel closed.
type Subscription struct {
	id      string
	ch      chan Event
	dropped atomic.Bool
}

// Events returns the subscriber's event queue. The channel is closed when
// the subscription is dropped for slowness or the session shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports whether the session dropped this subscriber because its
// queue overflowed.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}
