package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulselive/meshrtc/internal/signal"
)

// MemoryBus is an in-process signaling bus. It implements the same
// presence and directed-delivery semantics as the networked transports and
// is used by tests and single-process demos.
type MemoryBus struct {
	mu       sync.Mutex
	sessions map[string]map[string]*memorySub
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{sessions: make(map[string]map[string]*memorySub)}
}

// Transport returns a new unsubscribed Transport attached to this bus.
func (b *MemoryBus) Transport() Transport {
	return &memorySub{bus: b}
}

type memorySub struct {
	bus      *MemoryBus
	session  string
	identity string

	mu     sync.Mutex
	events chan Event
	closed bool
}

func (s *memorySub) Subscribe(ctx context.Context, sessionID, identity string) (<-chan Event, error) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.sessions[sessionID]
	if room == nil {
		room = make(map[string]*memorySub)
		b.sessions[sessionID] = room
	}
	if _, ok := room[identity]; ok {
		return nil, fmt.Errorf("identity %q already present in session %q", identity, sessionID)
	}

	s.session = sessionID
	s.identity = identity
	s.events = make(chan Event, eventBufferDepth)

	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	s.events <- Event{Kind: PresenceSync, Members: members}
	for _, other := range room {
		other.deliver(Event{Kind: PresenceJoin, Peer: identity})
	}
	room[identity] = s
	return s.events, nil
}

func (s *memorySub) Send(ctx context.Context, msg signal.Message) error {
	msg.From = s.identity
	b := s.bus
	b.mu.Lock()
	room := b.sessions[s.session]
	targets := make([]*memorySub, 0, len(room))
	for id, sub := range room {
		if id == s.identity {
			continue
		}
		if msg.DirectedTo(id) {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	m := msg
	for _, sub := range targets {
		sub.deliver(Event{Kind: MessageEvent, Message: &m})
	}
	return nil
}

func (s *memorySub) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// subscriber stalled, drop (at-most-once)
	}
}

func (s *memorySub) Unsubscribe(ctx context.Context) error {
	b := s.bus
	b.mu.Lock()
	room := b.sessions[s.session]
	if room != nil {
		if _, ok := room[s.identity]; ok {
			delete(room, s.identity)
			if len(room) == 0 {
				delete(b.sessions, s.session)
			}
			for _, other := range room {
				other.deliver(Event{Kind: PresenceLeave, Peer: s.identity})
			}
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.events != nil {
		s.closed = true
		close(s.events)
	}
	return nil
}
