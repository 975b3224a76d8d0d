package engine

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/pulselive/meshrtc/internal/media"
	"github.com/pulselive/meshrtc/internal/signal"
	"github.com/pulselive/meshrtc/internal/transport"
)

// Broadcaster is the one-to-many fanout sender: one outbound-only
// connection per viewer, discovered via presence. It attaches every local
// track send-only and caps the video encoding rate for mobile-friendly
// delivery. A broadcaster never accepts inbound media.
type Broadcaster struct {
	sessionID string
	identity  string
	tr        transport.Transport
	source    media.Source
	cfg       Config
	log       *zap.Logger
	buffer    *CandidateBuffer

	mu      sync.Mutex
	viewers map[string]Link

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBroadcaster creates an idle broadcaster for the session.
func NewBroadcaster(sessionID, identity string, tr transport.Transport, source media.Source, cfg Config, logger *zap.Logger) (*Broadcaster, error) {
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	if source == nil {
		return nil, ErrNoMediaSource
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		sessionID: sessionID,
		identity:  identity,
		tr:        tr,
		source:    source,
		cfg:       cfg.withDefaults(),
		log:       logger.With(zap.String("session_id", sessionID), zap.String("role", "broadcaster")),
		buffer:    NewCandidateBuffer(),
		viewers:   make(map[string]Link),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start subscribes to signaling and serves viewers until Stop.
func (b *Broadcaster) Start(ctx context.Context) error {
	events, err := b.tr.Subscribe(ctx, b.sessionID, b.identity)
	if err != nil {
		return &SignalingError{Op: "subscribe", Err: err}
	}
	b.wg.Add(1)
	go b.loop(events)
	b.log.Info("broadcast started")
	return nil
}

func (b *Broadcaster) loop(events <-chan transport.Event) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.PresenceSync:
				for _, m := range ev.Members {
					b.addViewer(m)
				}
			case transport.PresenceJoin:
				b.addViewer(ev.Peer)
			case transport.PresenceLeave:
				b.dropViewer(ev.Peer)
			case transport.MessageEvent:
				if ev.Message != nil {
					b.handleMessage(*ev.Message)
				}
			}
		}
	}
}

// addViewer creates one new send-only connection for the viewer and
// transmits a directed offer that never requests to receive.
func (b *Broadcaster) addViewer(viewerID string) {
	if viewerID == "" || viewerID == b.identity {
		return
	}
	b.mu.Lock()
	if _, ok := b.viewers[viewerID]; ok {
		b.mu.Unlock()
		return
	}
	link, err := b.cfg.LinkFactory(b.cfg.webrtcConfiguration())
	if err != nil {
		b.mu.Unlock()
		b.log.Error("viewer link create failed", zap.String("viewer", viewerID), zap.Error(err))
		return
	}
	b.viewers[viewerID] = link
	b.mu.Unlock()

	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		b.sendMsg(signal.Message{Type: signal.TypeICE, To: viewerID, Candidate: &c})
	})

	fail := func(op string, err error) {
		b.log.Warn("viewer setup failed", zap.String("viewer", viewerID), zap.String("op", op), zap.Error(err))
		b.dropViewer(viewerID)
	}
	if audio := b.source.AudioTrack(); audio != nil {
		if _, err := link.AddSendOnlyTrack(audio); err != nil {
			fail("add audio", err)
			return
		}
	}
	if video := b.source.VideoTrack(); video != nil {
		if _, err := link.AddSendOnlyTrack(video); err != nil {
			fail("add video", err)
			return
		}
	}
	offer, err := link.CreateOffer(nil)
	if err != nil {
		fail("create offer", err)
		return
	}
	offer.SDP = capVideoBitrate(offer.SDP, b.cfg.MaxOutboundKbps)
	if err := link.SetLocalDescription(offer); err != nil {
		fail("set local offer", err)
		return
	}
	b.sendMsg(signal.Message{Type: signal.TypeOffer, To: viewerID, SDP: &offer})
	b.log.Info("viewer connected", zap.String("viewer", viewerID))
}

func (b *Broadcaster) handleMessage(m signal.Message) {
	b.mu.Lock()
	link := b.viewers[m.From]
	b.mu.Unlock()
	if link == nil {
		return
	}
	switch m.Type {
	case signal.TypeAnswer:
		if m.SDP == nil {
			return
		}
		if err := link.SetRemoteDescription(*m.SDP); err != nil {
			b.log.Warn("viewer answer rejected", zap.String("viewer", m.From), zap.Error(err))
			return
		}
		for _, c := range b.buffer.Drain(m.From) {
			_ = link.AddICECandidate(c)
		}
	case signal.TypeICE:
		if m.Candidate == nil {
			return
		}
		if !link.HasRemoteDescription() {
			b.buffer.Add(m.From, *m.Candidate)
			return
		}
		_ = link.AddICECandidate(*m.Candidate)
	case signal.TypeLeave:
		b.dropViewer(m.From)
	}
}

func (b *Broadcaster) dropViewer(viewerID string) {
	b.mu.Lock()
	link, ok := b.viewers[viewerID]
	if ok {
		delete(b.viewers, viewerID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = link.Close()
	b.buffer.Clear(viewerID)
	b.log.Info("viewer dropped", zap.String("viewer", viewerID))
}

// ViewerCount reports the number of live viewer connections.
func (b *Broadcaster) ViewerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.viewers)
}

func (b *Broadcaster) sendMsg(msg signal.Message) {
	msg.From = b.identity
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := b.tr.Send(ctx, msg); err != nil {
		b.log.Warn("signal send failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// Stop announces the end of the stream so viewers release their
// connections immediately, then tears everything down. Idempotent.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.sendMsg(signal.Message{Type: signal.TypeStreamEnded})
		b.cancel()
		b.mu.Lock()
		viewers := b.viewers
		b.viewers = make(map[string]Link)
		b.mu.Unlock()
		for _, link := range viewers {
			_ = link.Close()
		}
		b.buffer.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_ = b.tr.Unsubscribe(ctx)
		cancel()
		_ = b.source.Close()
		b.wg.Wait()
		b.log.Info("broadcast stopped")
	})
}

// Viewer is the receive-only side of the fanout: it never originates an
// offer and only ever negotiates with the single current broadcaster,
// discovered when the broadcaster's directed offer arrives. A viewer that
// joins before any broadcaster simply waits.
type Viewer struct {
	sessionID string
	identity  string
	tr        transport.Transport
	cfg       Config
	log       *zap.Logger
	buffer    *CandidateBuffer

	mu          sync.Mutex
	link        Link
	broadcaster string

	events   chan SessionEvent
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewViewer creates an idle viewer for the session.
func NewViewer(sessionID, identity string, tr transport.Transport, cfg Config, logger *zap.Logger) (*Viewer, error) {
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Viewer{
		sessionID: sessionID,
		identity:  identity,
		tr:        tr,
		cfg:       cfg.withDefaults(),
		log:       logger.With(zap.String("session_id", sessionID), zap.String("role", "viewer")),
		buffer:    NewCandidateBuffer(),
		events:    make(chan SessionEvent, 64),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start subscribes to signaling and waits for the broadcaster's offer.
func (v *Viewer) Start(ctx context.Context) error {
	events, err := v.tr.Subscribe(ctx, v.sessionID, v.identity)
	if err != nil {
		return &SignalingError{Op: "subscribe", Err: err}
	}
	v.wg.Add(1)
	go v.loop(events)
	return nil
}

func (v *Viewer) loop(events <-chan transport.Event) {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.PresenceLeave:
				v.mu.Lock()
				ended := ev.Peer == v.broadcaster
				v.mu.Unlock()
				if ended {
					v.releaseStream()
				}
			case transport.MessageEvent:
				if ev.Message != nil {
					v.handleMessage(*ev.Message)
				}
			}
		}
	}
}

func (v *Viewer) handleMessage(m signal.Message) {
	switch m.Type {
	case signal.TypeOffer:
		if m.SDP != nil {
			v.acceptOffer(m.From, *m.SDP)
		}
	case signal.TypeICE:
		if m.Candidate == nil {
			return
		}
		v.mu.Lock()
		link := v.link
		fromBroadcaster := m.From == v.broadcaster
		v.mu.Unlock()
		if link == nil || !fromBroadcaster {
			// No description yet for this sender; park the candidate in
			// case its offer is still in flight.
			v.buffer.Add(m.From, *m.Candidate)
			return
		}
		if !link.HasRemoteDescription() {
			v.buffer.Add(m.From, *m.Candidate)
			return
		}
		_ = link.AddICECandidate(*m.Candidate)
	case signal.TypeStreamEnded, signal.TypeLeave:
		v.mu.Lock()
		ended := m.From == v.broadcaster
		v.mu.Unlock()
		if ended {
			v.releaseStream()
		}
	}
}

// acceptOffer builds the single inbound-only connection to the current
// broadcaster. The viewer adds no local track, so every negotiated
// transceiver comes out receive-only; it answers and never offers.
func (v *Viewer) acceptOffer(broadcasterID string, sdp webrtc.SessionDescription) {
	v.mu.Lock()
	if v.link != nil && v.broadcaster == broadcasterID {
		link := v.link
		v.mu.Unlock()
		// Renegotiation from the same broadcaster.
		v.answer(broadcasterID, link, sdp)
		return
	}
	old := v.link
	link, err := v.cfg.LinkFactory(v.cfg.webrtcConfiguration())
	if err != nil {
		v.mu.Unlock()
		v.log.Error("link create failed", zap.Error(err))
		return
	}
	v.link = link
	v.broadcaster = broadcasterID
	v.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		v.sendMsg(signal.Message{Type: signal.TypeICE, To: broadcasterID, Candidate: &c})
	})
	link.OnTrack(func(track *webrtc.TrackRemote) {
		v.emit(SessionEvent{Kind: EventTrackReceived, Peer: broadcasterID, Track: track})
	})
	v.answer(broadcasterID, link, sdp)
	v.log.Info("stream offer accepted", zap.String("broadcaster", broadcasterID))
}

func (v *Viewer) answer(broadcasterID string, link Link, sdp webrtc.SessionDescription) {
	if err := link.SetRemoteDescription(sdp); err != nil {
		v.log.Warn("offer rejected", zap.String("broadcaster", broadcasterID), zap.Error(err))
		return
	}
	for _, c := range v.buffer.Drain(broadcasterID) {
		_ = link.AddICECandidate(c)
	}
	answer, err := link.CreateAnswer()
	if err != nil {
		v.log.Warn("create answer failed", zap.Error(err))
		return
	}
	if err := link.SetLocalDescription(answer); err != nil {
		v.log.Warn("set local answer failed", zap.Error(err))
		return
	}
	v.sendMsg(signal.Message{Type: signal.TypeAnswer, To: broadcasterID, SDP: &answer})
}

func (v *Viewer) releaseStream() {
	v.mu.Lock()
	link := v.link
	broadcaster := v.broadcaster
	v.link = nil
	v.broadcaster = ""
	v.mu.Unlock()
	if link == nil {
		return
	}
	_ = link.Close()
	v.buffer.Clear(broadcaster)
	v.emit(SessionEvent{Kind: EventStreamEnded, Peer: broadcaster})
	v.log.Info("stream released", zap.String("broadcaster", broadcaster))
}

// Broadcaster returns the identity currently streaming to this viewer, or
// empty when waiting.
func (v *Viewer) Broadcaster() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.broadcaster
}

// Events delivers received tracks and stream lifecycle notices.
func (v *Viewer) Events() <-chan SessionEvent { return v.events }

func (v *Viewer) emit(ev SessionEvent) {
	select {
	case <-v.ctx.Done():
	case v.events <- ev:
	default:
	}
}

func (v *Viewer) sendMsg(msg signal.Message) {
	msg.From = v.identity
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := v.tr.Send(ctx, msg); err != nil {
		v.log.Warn("signal send failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// Stop releases the inbound connection and the subscription. Idempotent.
func (v *Viewer) Stop() {
	v.stopOnce.Do(func() {
		v.cancel()
		v.releaseStream()
		v.buffer.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_ = v.tr.Unsubscribe(ctx)
		cancel()
		v.wg.Wait()
	})
}
