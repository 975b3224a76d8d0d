// Package relay is the signaling relay server: it only forwards opaque
// signal messages and tracks presence per session. It never inspects SDP
// or candidate payloads.
package relay

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/pulselive/meshrtc/internal/signal"
)

// Bridge publishes and subscribes session events across relay instances.
type Bridge interface {
	PublishSessionEvent(sessionID, event string, payload []byte) error
	SubscribeSession(sessionID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

type presencePayload struct {
	Peer    string   `json:"peer,omitempty"`
	Members []string `json:"members,omitempty"`
}

// Hub maintains session_id -> set of connections and fans presence and
// signal messages out to them. With a Bridge attached, events travel via
// pub/sub so every instance (including this one) delivers exactly once.
type Hub struct {
	sessions map[string]map[string]*Client
	subs     map[string]func()
	mu       sync.RWMutex
	logger   *zap.Logger
	bridge   Bridge
}

// NewHub creates a hub; bridge may be nil for single-instance deployments.
func NewHub(logger *zap.Logger, bridge Bridge) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		logger:   logger,
		bridge:   bridge,
	}
}

// Register adds a client to a session, sends it the membership snapshot
// and announces its arrival. Returns false when the identity is already
// present in the session.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	room := h.sessions[c.SessionID]
	if room == nil {
		room = make(map[string]*Client)
		h.sessions[c.SessionID] = room
		if h.bridge != nil {
			sessionID := c.SessionID
			cancel, err := h.bridge.SubscribeSession(sessionID, func(event string, payload []byte) {
				h.deliver(sessionID, event, payload)
			})
			if err == nil {
				h.subs[sessionID] = cancel
			} else {
				h.logger.Warn("bridge subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
	if _, taken := room[c.ID]; taken {
		h.mu.Unlock()
		return false
	}
	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	room[c.ID] = c
	h.mu.Unlock()

	c.enqueue("presence_sync", presencePayload{Members: members})
	h.publish(c.SessionID, "presence_join", presencePayload{Peer: c.ID})
	h.logger.Debug("peer joined session", zap.String("peer", c.ID), zap.String("session_id", c.SessionID))
	return true
}

// Unregister removes a client and announces its departure. Cancels the
// bridge subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	room, ok := h.sessions[c.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if room[c.ID] != c {
		h.mu.Unlock()
		return
	}
	delete(room, c.ID)
	if len(room) == 0 {
		delete(h.sessions, c.SessionID)
		if cancel, ok := h.subs[c.SessionID]; ok {
			cancel()
			delete(h.subs, c.SessionID)
		}
	}
	h.mu.Unlock()

	h.publish(c.SessionID, "presence_leave", presencePayload{Peer: c.ID})
	h.logger.Debug("peer left session", zap.String("peer", c.ID), zap.String("session_id", c.SessionID))
}

// Route forwards a signal message to its recipients. The payload is
// opaque to the relay; only From and To matter here.
func (h *Hub) Route(sessionID string, msg signal.Message) {
	h.publish(sessionID, "signal", msg)
}

// publish sends through the bridge when available (the subscription
// callback performs the one local delivery), otherwise delivers locally.
func (h *Hub) publish(sessionID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.bridge != nil {
		if err := h.bridge.PublishSessionEvent(sessionID, event, data); err == nil {
			return
		}
		h.logger.Warn("bridge publish failed, delivering locally", zap.String("session_id", sessionID))
	}
	h.deliver(sessionID, event, data)
}

// deliver fans an event out to the session's local clients, honoring the
// directed `to` field and suppressing sender echoes.
func (h *Hub) deliver(sessionID, event string, payload []byte) {
	var from, to string
	if event == "signal" {
		var m signal.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return
		}
		from, to = m.From, m.To
	} else {
		var p presencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		from = p.Peer
	}

	h.mu.RLock()
	room := h.sessions[sessionID]
	clients := make([]*Client, 0, len(room))
	for id, c := range room {
		if id == from {
			continue
		}
		if to != "" && to != id {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueueRaw(event, payload)
	}
}

// MemberCount returns the number of connected peers in a session.
func (h *Hub) MemberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
