// Package transport delivers signaling messages and presence events for a
// single session over a topic-based publish/subscribe channel. The channel
// only relays opaque messages; it makes no ordering guarantee across
// senders, so consumers must tolerate arbitrary interleaving.
package transport

import (
	"context"

	"github.com/pulselive/meshrtc/internal/signal"
)

// EventKind identifies a transport event class.
type EventKind int

const (
	// PresenceSync carries the full membership snapshot delivered once
	// right after subscribing.
	PresenceSync EventKind = iota
	// PresenceJoin reports one remote identity entering the session.
	PresenceJoin
	// PresenceLeave reports one remote identity leaving the session.
	PresenceLeave
	// MessageEvent carries one signaling message addressed to this
	// identity (or broadcast to the room).
	MessageEvent
)

// Event is a single delivery from the signaling channel.
type Event struct {
	Kind    EventKind
	Members []string // PresenceSync only
	Peer    string   // PresenceJoin / PresenceLeave
	Message *signal.Message
}

// Transport is a subscription to one session's signaling channel.
//
// Subscribe opens the underlying connection and announces the local
// identity's presence; the returned channel is closed when the
// subscription ends. Messages directed at another identity, and the local
// identity's own echoes, are dropped before delivery. Unsubscribe removes
// the local presence entry, implicitly notifying every peer of departure.
type Transport interface {
	Subscribe(ctx context.Context, sessionID, identity string) (<-chan Event, error)
	Send(ctx context.Context, msg signal.Message) error
	Unsubscribe(ctx context.Context) error
}
