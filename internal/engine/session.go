package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/pulselive/meshrtc/internal/media"
	"github.com/pulselive/meshrtc/internal/signal"
	"github.com/pulselive/meshrtc/internal/transport"
)

// SessionState is the session lifecycle state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// DefaultICERestartGrace is how long a transient ICE disconnection is
// tolerated before a restart is issued.
const DefaultICERestartGrace = 3 * time.Second

// DefaultMaxOutboundKbps caps broadcast encoding for mobile-friendly
// delivery.
const DefaultMaxOutboundKbps = 1500

const sendTimeout = 5 * time.Second

// Config carries the engine's fixed network configuration. ICE servers
// (STUN plus fallback TURN relays) are supplied at construction; the
// engine never discovers them dynamically.
type Config struct {
	ICEServers      []webrtc.ICEServer
	LinkFactory     LinkFactory
	QualityInterval time.Duration
	ICERestartGrace time.Duration
	MaxOutboundKbps int
}

func (c Config) withDefaults() Config {
	if c.LinkFactory == nil {
		c.LinkFactory = NewPionLink
	}
	if c.QualityInterval <= 0 {
		c.QualityInterval = DefaultQualityInterval
	}
	if c.ICERestartGrace <= 0 {
		c.ICERestartGrace = DefaultICERestartGrace
	}
	if c.MaxOutboundKbps <= 0 {
		c.MaxOutboundKbps = DefaultMaxOutboundKbps
	}
	return c
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.ICEServers}
}

// EventKind identifies a session event delivered to consumers.
type EventKind int

const (
	EventPeerJoined EventKind = iota
	EventPeerLeft
	EventTrackReceived
	EventMediaStateChanged
	EventQualityChanged
	EventStreamEnded
)

// SessionEvent is the typed stream the engine exposes to its consumers
// instead of a shared mutable listener set.
type SessionEvent struct {
	Kind    EventKind
	Peer    string
	Media   *signal.MediaState
	Track   *webrtc.TrackRemote
	Quality Quality
	Stats   LinkStats
}

// Recorder is the persistence collaborator stamped when connectivity is
// first confirmed. Implementations must be idempotent; the session
// additionally guards the started stamp so it fires at most once.
type Recorder interface {
	SessionStarted(ctx context.Context, sessionID, identity string) error
	SessionEnded(ctx context.Context, sessionID, identity string) error
}

// Session owns the set of live peer connections for one joined session,
// keyed by remote identity. It is constructed idle; Join subscribes to
// signaling and drives connections from presence, Leave tears everything
// down. Leave is idempotent and safe during partial initialization.
type Session struct {
	id       string
	identity string
	cfg      Config
	tr       transport.Transport
	recorder Recorder
	log      *zap.Logger

	coord   *Coordinator
	buffer  *CandidateBuffer
	monitor *QualityMonitor

	mu     sync.Mutex
	state  SessionState
	peers  map[string]*Peer
	source media.Source
	local  signal.MediaState

	events         chan SessionEvent
	firstConnected chan struct{}
	firstOnce      sync.Once
	leaveOnce      sync.Once
	startStamped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates an idle session for the given identity.
func NewSession(sessionID, identity string, tr transport.Transport, cfg Config, logger *zap.Logger) (*Session, error) {
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             sessionID,
		identity:       identity,
		cfg:            cfg,
		tr:             tr,
		log:            logger.With(zap.String("session_id", sessionID), zap.String("identity", identity)),
		buffer:         NewCandidateBuffer(),
		peers:          make(map[string]*Peer),
		events:         make(chan SessionEvent, 64),
		firstConnected: make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.coord = NewCoordinator(identity, s.buffer, s.sendMsg, s.log)
	s.monitor = NewQualityMonitor(cfg.QualityInterval, s.linkSnapshot, func(peerID string, q Quality, st LinkStats) {
		s.emit(SessionEvent{Kind: EventQualityChanged, Peer: peerID, Quality: q, Stats: st})
	}, s.log)
	return s, nil
}

// SetRecorder installs the session-started persistence collaborator.
func (s *Session) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// Join subscribes to the session's signaling channel with the given local
// media source and reacts to presence. When remote participants are
// already present, Join blocks until the first one reaches transport-level
// connectivity (or ctx expires); the rest keep connecting in the
// background.
func (s *Session) Join(ctx context.Context, source media.Source) error {
	if source == nil {
		return ErrNoMediaSource
	}
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.state = StateConnecting
	s.source = source
	s.local = signal.MediaState{IsVideoOn: true}
	s.mu.Unlock()

	events, err := s.tr.Subscribe(ctx, s.id, s.identity)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.source = nil
		s.mu.Unlock()
		return &SignalingError{Op: "subscribe", Err: err}
	}

	// The first delivery is always the presence snapshot.
	var members []string
	select {
	case ev, ok := <-events:
		if ok && ev.Kind == transport.PresenceSync {
			members = ev.Members
		}
	case <-ctx.Done():
		s.Leave()
		return ctx.Err()
	}

	s.wg.Add(1)
	go s.loop(events)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(s.ctx)
	}()

	for _, m := range members {
		s.ensurePeer(m, true)
	}

	if len(members) > 0 {
		select {
		case <-s.firstConnected:
		case <-s.ctx.Done():
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("session joined", zap.Int("peers", len(members)))
	return nil
}

func (s *Session) loop(events <-chan transport.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.PresenceSync:
		for _, m := range ev.Members {
			s.ensurePeer(m, true)
		}
	case transport.PresenceJoin:
		s.ensurePeer(ev.Peer, true)
	case transport.PresenceLeave:
		s.removePeer(ev.Peer)
	case transport.MessageEvent:
		if ev.Message != nil {
			s.handleMessage(*ev.Message)
		}
	}
}

func (s *Session) handleMessage(m signal.Message) {
	switch m.Type {
	case signal.TypeOffer:
		if m.SDP == nil {
			return
		}
		if p := s.ensurePeer(m.From, false); p != nil {
			s.coord.HandleOffer(p, *m.SDP)
		}
	case signal.TypeAnswer:
		if m.SDP == nil {
			return
		}
		if p := s.peer(m.From); p != nil {
			s.coord.HandleAnswer(p, *m.SDP)
		}
	case signal.TypeICE:
		if m.Candidate == nil {
			return
		}
		if p := s.peer(m.From); p != nil {
			s.coord.HandleCandidate(p, *m.Candidate)
		} else {
			// Candidate outran the peer's offer; park it.
			s.buffer.Add(m.From, *m.Candidate)
		}
	case signal.TypeMedia:
		if m.Media == nil {
			return
		}
		if p := s.peer(m.From); p != nil {
			p.setMediaState(*m.Media)
			s.emit(SessionEvent{Kind: EventMediaStateChanged, Peer: m.From, Media: m.Media})
		}
	case signal.TypeLeave:
		s.removePeer(m.From)
	case signal.TypeStreamEnded:
		s.emit(SessionEvent{Kind: EventStreamEnded, Peer: m.From})
	}
}

func (s *Session) peer(id string) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

// ensurePeer returns the existing Peer for the identity or creates one.
// At most one Peer per remote identity exists at any time, regardless of
// join/leave churn. When discovered is true and the local identity is the
// lexicographically smaller of the pair, the local side sends the very
// first offer; the other side waits, avoiding a double-offer race at
// session start.
func (s *Session) ensurePeer(remoteID string, discovered bool) *Peer {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if p, ok := s.peers[remoteID]; ok {
		s.mu.Unlock()
		return p
	}
	link, err := s.cfg.LinkFactory(s.cfg.webrtcConfiguration())
	if err != nil {
		s.mu.Unlock()
		s.log.Error("link create failed", zap.String("peer", remoteID), zap.Error(err))
		return nil
	}
	p, err := newPeer(s.identity, remoteID, link)
	if err != nil {
		s.mu.Unlock()
		_ = link.Close()
		s.log.Warn("rejecting peer", zap.String("peer", remoteID), zap.Error(err))
		return nil
	}
	s.peers[remoteID] = p
	source := s.source
	s.mu.Unlock()

	s.wirePeer(p)
	s.attachLocalTracks(p, source)
	s.emit(SessionEvent{Kind: EventPeerJoined, Peer: remoteID})
	s.log.Info("peer discovered", zap.String("peer", remoteID), zap.Bool("polite", p.polite))

	if discovered && s.identity < remoteID {
		s.coord.Negotiate(p)
	}
	return p
}

func (s *Session) wirePeer(p *Peer) {
	link := p.link
	remoteID := p.id

	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.sendMsg(signal.Message{Type: signal.TypeICE, To: remoteID, Candidate: &c})
	})
	link.OnTrack(func(track *webrtc.TrackRemote) {
		s.emit(SessionEvent{Kind: EventTrackReceived, Peer: remoteID, Track: track})
	})
	link.OnNegotiationNeeded(func() {
		// The initial offer belongs to the impolite (smaller) side; the
		// polite side stays quiet until it has a remote description.
		if p.Polite() && !link.HasRemoteDescription() {
			return
		}
		s.coord.Negotiate(p)
	})
	link.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			s.markConnected()
		}
	})
	link.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed:
			p.cancelGrace()
			s.coord.RestartICE(p)
		case webrtc.ICEConnectionStateDisconnected:
			// Brief blips recover on their own; restart only after the
			// grace period.
			p.scheduleGrace(s.cfg.ICERestartGrace, func() {
				s.coord.RestartICE(p)
			})
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			p.cancelGrace()
		}
	})
}

func (s *Session) attachLocalTracks(p *Peer, source media.Source) {
	if source == nil {
		return
	}
	if audio := source.AudioTrack(); audio != nil {
		if sender, err := p.link.AddTrack(audio); err == nil {
			p.setSender(trackKindAudio, sender)
		} else {
			s.log.Warn("add audio track failed", zap.String("peer", p.id), zap.Error(err))
		}
	}
	if video := source.VideoTrack(); video != nil {
		if sender, err := p.link.AddTrack(video); err == nil {
			p.setSender(trackKindVideo, sender)
		} else {
			s.log.Warn("add video track failed", zap.String("peer", p.id), zap.Error(err))
		}
	}
}

func (s *Session) removePeer(id string) {
	s.mu.Lock()
	p, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	p.close()
	s.buffer.Clear(id)
	s.emit(SessionEvent{Kind: EventPeerLeft, Peer: id})
	s.log.Info("peer removed", zap.String("peer", id))
}

// markConnected flips the session to connected on the first confirmed
// peer connectivity and stamps the recorder exactly once.
func (s *Session) markConnected() {
	s.firstOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateConnected
		}
		recorder := s.recorder
		s.startStamped = recorder != nil
		s.mu.Unlock()
		close(s.firstConnected)
		if recorder != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
				defer cancel()
				if err := recorder.SessionStarted(ctx, s.id, s.identity); err != nil {
					s.log.Warn("session start stamp failed", zap.Error(err))
				}
			}()
		}
	})
}

func (s *Session) sendMsg(msg signal.Message) {
	msg.From = s.identity
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.tr.Send(ctx, msg); err != nil {
		s.log.Warn("signal send failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (s *Session) emit(ev SessionEvent) {
	select {
	case <-s.ctx.Done():
	case s.events <- ev:
	default:
		// consumer stalled, drop
	}
}

func (s *Session) linkSnapshot() map[string]Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Link, len(s.peers))
	for id, p := range s.peers {
		out[id] = p.link
	}
	return out
}

// ToggleMute flips the local audio track and broadcasts the new media
// state; no renegotiation happens.
func (s *Session) ToggleMute() signal.MediaState {
	s.mu.Lock()
	s.local.IsMuted = !s.local.IsMuted
	st := s.local
	source := s.source
	s.mu.Unlock()
	if source != nil {
		source.SetAudioEnabled(!st.IsMuted)
	}
	s.broadcastMedia(st)
	return st
}

// ToggleVideo flips the local camera track and broadcasts the new media
// state.
func (s *Session) ToggleVideo() signal.MediaState {
	s.mu.Lock()
	s.local.IsVideoOn = !s.local.IsVideoOn
	st := s.local
	source := s.source
	s.mu.Unlock()
	if source != nil {
		source.SetVideoEnabled(st.IsVideoOn)
	}
	s.broadcastMedia(st)
	return st
}

// ToggleHandRaise flips the hand-raised flag and broadcasts it.
func (s *Session) ToggleHandRaise() signal.MediaState {
	s.mu.Lock()
	s.local.IsHandRaised = !s.local.IsHandRaised
	st := s.local
	s.mu.Unlock()
	s.broadcastMedia(st)
	return st
}

// ToggleScreenShare swaps the outgoing video track between camera and
// screen on every live connection without tearing them down; the track
// replacement re-triggers negotiation on its own.
func (s *Session) ToggleScreenShare() (signal.MediaState, error) {
	s.mu.Lock()
	source := s.source
	turningOn := !s.local.IsScreenSharing
	s.mu.Unlock()
	if source == nil {
		return signal.MediaState{}, ErrSessionClosed
	}

	var next webrtc.TrackLocal
	if turningOn {
		screen, err := source.ScreenTrack()
		if err != nil {
			return s.MediaState(), err
		}
		next = screen
	} else {
		next = source.VideoTrack()
	}

	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.local.IsScreenSharing = turningOn
	st := s.local
	s.mu.Unlock()

	for _, p := range peers {
		if sender := p.sender(trackKindVideo); sender != nil {
			if err := sender.ReplaceTrack(next); err != nil {
				s.log.Warn("replace video track failed", zap.String("peer", p.id), zap.Error(err))
			}
		}
	}
	s.broadcastMedia(st)
	return st, nil
}

func (s *Session) broadcastMedia(st signal.MediaState) {
	s.sendMsg(signal.Message{Type: signal.TypeMedia, Media: &st})
	s.emit(SessionEvent{Kind: EventMediaStateChanged, Peer: s.identity, Media: &st})
}

// Leave broadcasts departure, closes every owned connection, stops local
// tracks and clears all per-peer buffers. Idempotent: safe to call
// multiple times and during partial initialization.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.mu.Lock()
		wasIdle := s.state == StateIdle
		s.state = StateClosed
		peers := s.peers
		s.peers = make(map[string]*Peer)
		source := s.source
		s.source = nil
		recorder := s.recorder
		stamped := s.startStamped
		s.mu.Unlock()

		if !wasIdle {
			s.sendMsg(signal.Message{Type: signal.TypeLeave})
		}
		s.cancel()
		for _, p := range peers {
			p.close()
		}
		s.buffer.Reset()
		if !wasIdle {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.tr.Unsubscribe(ctx); err != nil {
				s.log.Warn("unsubscribe failed", zap.Error(err))
			}
			cancel()
		}
		if source != nil {
			_ = source.Close()
		}
		if recorder != nil && stamped {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := recorder.SessionEnded(ctx, s.id, s.identity); err != nil {
				s.log.Warn("session end stamp failed", zap.Error(err))
			}
			cancel()
		}
		s.wg.Wait()
		s.log.Info("session left")
	})
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MediaState returns the local media snapshot.
func (s *Session) MediaState() signal.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Peers returns the identities with a live connection.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

// PendingCandidates reports how many candidates are buffered for a peer.
func (s *Session) PendingCandidates(peerID string) int {
	return s.buffer.Len(peerID)
}

// Events is the typed event stream for consumers. The channel is never
// closed; select against Done.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }
