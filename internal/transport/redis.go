package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pulselive/meshrtc/internal/signal"
)

const (
	channelPrefix    = "session:"
	presenceSuffix   = ":presence"
	presenceTTL      = 60 * time.Second
	heartbeatEvery   = 15 * time.Second
	publishTimeout   = 5 * time.Second
	eventBufferDepth = 64
)

const (
	eventPresenceJoin  = "presence_join"
	eventPresenceLeave = "presence_leave"
	eventSignal        = "signal"
)

// redisEnvelope is the payload published to the session channel.
type redisEnvelope struct {
	Event string          `json:"event"`
	From  string          `json:"from"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    int64           `json:"at"`
}

// Redis is a Transport over a Redis pub/sub channel per session, with
// presence tracked in a Redis set kept alive by a heartbeat.
type Redis struct {
	client   *redis.Client
	logger   *zap.Logger
	session  string
	identity string
	cancel   context.CancelFunc
}

// NewRedis creates a Redis-backed signaling transport.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger}
}

func (t *Redis) channel() string     { return channelPrefix + t.session }
func (t *Redis) presenceKey() string { return channelPrefix + t.session + presenceSuffix }

// Subscribe joins the session channel, announces presence and delivers the
// membership snapshot followed by live events.
func (t *Redis) Subscribe(ctx context.Context, sessionID, identity string) (<-chan Event, error) {
	t.session = sessionID
	t.identity = identity

	subCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	pubsub := t.client.Subscribe(subCtx, t.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", t.channel(), err)
	}

	members, err := t.client.SMembers(ctx, t.presenceKey()).Result()
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("presence members: %w", err)
	}
	if err := t.client.SAdd(ctx, t.presenceKey(), identity).Err(); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("presence add: %w", err)
	}
	_ = t.client.Expire(ctx, t.presenceKey(), presenceTTL).Err()
	if err := t.publish(ctx, redisEnvelope{Event: eventPresenceJoin, From: identity}); err != nil {
		t.logger.Warn("presence join publish failed", zap.Error(err))
	}

	events := make(chan Event, eventBufferDepth)
	remote := make([]string, 0, len(members))
	for _, m := range members {
		if m != identity {
			remote = append(remote, m)
		}
	}
	events <- Event{Kind: PresenceSync, Members: remote}

	go t.heartbeat(subCtx)
	go t.pump(subCtx, pubsub, events)
	return events, nil
}

func (t *Redis) pump(ctx context.Context, pubsub *redis.PubSub, events chan<- Event) {
	defer close(events)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := t.decode([]byte(msg.Payload))
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
}

// decode converts a raw envelope into an Event, applying the directed
// filter: own echoes and messages addressed to someone else never reach
// the subscriber.
func (t *Redis) decode(payload []byte) (Event, bool) {
	var env redisEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.logger.Debug("dropping malformed envelope", zap.Error(err))
		return Event{}, false
	}
	if env.From == t.identity {
		return Event{}, false
	}
	switch env.Event {
	case eventPresenceJoin:
		return Event{Kind: PresenceJoin, Peer: env.From}, true
	case eventPresenceLeave:
		return Event{Kind: PresenceLeave, Peer: env.From}, true
	case eventSignal:
		var m signal.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			t.logger.Debug("dropping malformed signal message", zap.Error(err))
			return Event{}, false
		}
		if m.DirectedTo(t.identity) {
			return Event{}, false
		}
		return Event{Kind: MessageEvent, Message: &m}, true
	default:
		return Event{}, false
	}
}

func (t *Redis) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			_ = t.client.SAdd(hbCtx, t.presenceKey(), t.identity).Err()
			_ = t.client.Expire(hbCtx, t.presenceKey(), presenceTTL).Err()
			cancel()
		}
	}
}

// Send publishes a signaling message to the session channel.
func (t *Redis) Send(ctx context.Context, msg signal.Message) error {
	msg.From = t.identity
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return t.publish(ctx, redisEnvelope{Event: eventSignal, From: t.identity, Data: data})
}

func (t *Redis) publish(ctx context.Context, env redisEnvelope) error {
	env.At = time.Now().Unix()
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return t.client.Publish(pubCtx, t.channel(), body).Err()
}

// Unsubscribe removes the local presence entry and stops the event pump.
// Safe to call more than once.
func (t *Redis) Unsubscribe(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	_ = t.client.SRem(ctx, t.presenceKey(), t.identity).Err()
	if err := t.publish(ctx, redisEnvelope{Event: eventPresenceLeave, From: t.identity}); err != nil {
		t.logger.Warn("presence leave publish failed", zap.Error(err))
	}
	t.cancel()
	t.cancel = nil
	return nil
}
