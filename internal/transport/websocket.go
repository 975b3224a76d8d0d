package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulselive/meshrtc/internal/signal"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

// WSMessage is the websocket envelope shared with the relay server.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsPresence struct {
	Peer    string   `json:"peer,omitempty"`
	Members []string `json:"members,omitempty"`
}

// WebSocket is a Transport that dials a signaling relay server. Presence is
// tracked by the relay: connecting announces the local identity, closing
// the socket removes it.
type WebSocket struct {
	baseURL  string
	logger   *zap.Logger
	identity string

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWebSocket creates a websocket signaling transport for the relay at
// baseURL (e.g. ws://localhost:8080).
func NewWebSocket(baseURL string, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{baseURL: baseURL, logger: logger}
}

// Subscribe dials the relay and delivers its presence snapshot followed by
// live events.
func (t *WebSocket) Subscribe(ctx context.Context, sessionID, identity string) (<-chan Event, error) {
	t.identity = identity

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("peer_id", identity)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	events := make(chan Event, eventBufferDepth)
	go t.readPump(subCtx, conn, events)
	go t.pingLoop(subCtx, conn)
	return events, nil
}

func (t *WebSocket) readPump(ctx context.Context, conn *websocket.Conn, events chan<- Event) {
	defer close(events)
	conn.SetReadLimit(65536)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		ev, ok := t.decode(msg)
		if !ok {
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (t *WebSocket) decode(msg WSMessage) (Event, bool) {
	switch msg.Event {
	case "presence_sync":
		var p wsPresence
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: PresenceSync, Members: p.Members}, true
	case "presence_join":
		var p wsPresence
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.Peer == t.identity {
			return Event{}, false
		}
		return Event{Kind: PresenceJoin, Peer: p.Peer}, true
	case "presence_leave":
		var p wsPresence
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.Peer == t.identity {
			return Event{}, false
		}
		return Event{Kind: PresenceLeave, Peer: p.Peer}, true
	case "signal":
		var m signal.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			t.logger.Debug("dropping malformed signal message", zap.Error(err))
			return Event{}, false
		}
		if m.From == t.identity || m.DirectedTo(t.identity) {
			return Event{}, false
		}
		return Event{Kind: MessageEvent, Message: &m}, true
	default:
		return Event{}, false
	}
}

func (t *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send forwards a signaling message through the relay.
func (t *WebSocket) Send(ctx context.Context, msg signal.Message) error {
	msg.From = t.identity
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not subscribed")
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteJSON(WSMessage{Event: "signal", Data: data})
}

// Unsubscribe closes the relay connection, which removes the local
// presence entry server-side. Safe to call more than once.
func (t *WebSocket) Unsubscribe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.conn.Close()
	t.conn = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return err
}
