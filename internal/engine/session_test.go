package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/pulselive/meshrtc/internal/media"
	"github.com/pulselive/meshrtc/internal/signal"
	"github.com/pulselive/meshrtc/internal/transport"
)

type fakeSource struct {
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	screen webrtc.TrackLocal

	mu     sync.Mutex
	closed bool
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatalf("audio track: %v", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatalf("video track: %v", err)
	}
	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "test")
	if err != nil {
		t.Fatalf("screen track: %v", err)
	}
	return &fakeSource{audio: audio, video: video, screen: screen}
}

func (s *fakeSource) AudioTrack() webrtc.TrackLocal { return s.audio }
func (s *fakeSource) VideoTrack() webrtc.TrackLocal { return s.video }

func (s *fakeSource) ScreenTrack() (webrtc.TrackLocal, error) { return s.screen, nil }

func (s *fakeSource) SetAudioEnabled(bool) {}
func (s *fakeSource) SetVideoEnabled(bool) {}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ media.Source = (*fakeSource)(nil)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(t *testing.T, bus *transport.MemoryBus, identity string) (*Session, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	s, err := NewSession("room-1", identity, bus.Transport(), Config{
		LinkFactory:     factory.new,
		QualityInterval: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s, factory
}

func TestJoinEmptySessionReturnsImmediately(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	defer s.Leave()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Join(ctx, newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("state = %v, want connecting", s.State())
	}
	if factory.count() != 0 {
		t.Fatalf("created %d links in an empty session", factory.count())
	}
}

func TestJoinRejectsMissingSourceAndDoubleJoin(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, _ := newTestSession(t, bus, "alice")
	defer s.Leave()

	if err := s.Join(context.Background(), nil); err != ErrNoMediaSource {
		t.Fatalf("Join(nil source) err = %v, want ErrNoMediaSource", err)
	}
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.Join(context.Background(), newFakeSource(t)); err != ErrAlreadyJoined {
		t.Fatalf("second Join err = %v, want ErrAlreadyJoined", err)
	}
}

func TestOnePeerPerIdentity(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	defer s.Leave()
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "bob"})
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "bob"})
	s.handleMessage(signal.Message{Type: signal.TypeOffer, From: "bob", SDP: sdpPtr(remoteOffer())})

	if factory.count() != 1 {
		t.Fatalf("created %d links for one identity, want 1", factory.count())
	}
	if got := len(s.Peers()); got != 1 {
		t.Fatalf("tracking %d peers, want 1", got)
	}
}

func TestSelfAndEmptyIdentitiesRejected(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	defer s.Leave()
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "alice"})
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: ""})

	if got := len(s.Peers()); got != 0 {
		t.Fatalf("accepted an invalid peer identity: %v", s.Peers())
	}
	for i := 0; i < factory.count(); i++ {
		if _, _, _, closed := factory.link(i).snapshot(); !closed {
			t.Fatalf("link for rejected identity left open")
		}
	}
}

func TestEarlyCandidateParkedUntilOfferArrives(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	defer s.Leave()
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}

	ice := cand("outran-the-offer")
	s.handleMessage(signal.Message{Type: signal.TypeICE, From: "carol", Candidate: &ice})
	if s.PendingCandidates("carol") != 1 {
		t.Fatalf("candidate for unknown peer not parked")
	}

	s.handleMessage(signal.Message{Type: signal.TypeOffer, From: "carol", SDP: sdpPtr(remoteOffer())})

	link := factory.link(0)
	if link == nil {
		t.Fatalf("no link created for carol")
	}
	if len(link.candidates) != 1 || link.candidates[0].Candidate != "outran-the-offer" {
		t.Fatalf("parked candidate not applied after offer: %v", link.candidates)
	}
	if s.PendingCandidates("carol") != 0 {
		t.Fatalf("buffer not drained")
	}
}

func TestLeaveTearsEverythingDown(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	source := newFakeSource(t)
	if err := s.Join(context.Background(), source); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "bob"})
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "carol"})
	ice := cand("pending")
	s.handleMessage(signal.Message{Type: signal.TypeICE, From: "dave", Candidate: &ice})

	s.Leave()

	if s.State() != StateClosed {
		t.Fatalf("state = %v after leave, want closed", s.State())
	}
	if len(s.Peers()) != 0 {
		t.Fatalf("peers survive leave: %v", s.Peers())
	}
	for i := 0; i < factory.count(); i++ {
		if _, _, _, closed := factory.link(i).snapshot(); !closed {
			t.Fatalf("link %d not closed on leave", i)
		}
	}
	if s.PendingCandidates("dave") != 0 {
		t.Fatalf("candidate buffers survive leave")
	}
	if !source.isClosed() {
		t.Fatalf("local media source not stopped")
	}

	s.Leave() // must be a no-op
	if err := s.Join(context.Background(), newFakeSource(t)); err != ErrSessionClosed {
		t.Fatalf("Join after Leave err = %v, want ErrSessionClosed", err)
	}
}

func TestPeerLeaveClosesOnlyThatPeer(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	defer s.Leave()
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "bob"})
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "carol"})
	s.handleMessage(signal.Message{Type: signal.TypeLeave, From: "bob"})

	if got := s.Peers(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("peers after bob left = %v, want [carol]", got)
	}
	if _, _, _, closed := factory.link(0).snapshot(); !closed {
		t.Fatalf("bob's link not closed")
	}
	if _, _, _, closed := factory.link(1).snapshot(); closed {
		t.Fatalf("carol's link closed by bob's departure")
	}
}

func TestToggleScreenShareSwapsOutboundVideo(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, _ := newTestSession(t, bus, "alice")
	defer s.Leave()
	source := newFakeSource(t)
	if err := s.Join(context.Background(), source); err != nil {
		t.Fatalf("Join: %v", err)
	}
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "bob"})
	p := s.peer("bob")
	if p == nil {
		t.Fatalf("peer bob missing")
	}

	st, err := s.ToggleScreenShare()
	if err != nil {
		t.Fatalf("ToggleScreenShare: %v", err)
	}
	if !st.IsScreenSharing {
		t.Fatalf("screen share flag not set")
	}
	if got := p.sender(trackKindVideo).Track(); got != source.screen {
		t.Fatalf("outbound video is %v, want the screen track", got.ID())
	}

	st, err = s.ToggleScreenShare()
	if err != nil {
		t.Fatalf("ToggleScreenShare off: %v", err)
	}
	if st.IsScreenSharing {
		t.Fatalf("screen share flag still set")
	}
	if got := p.sender(trackKindVideo).Track(); got != source.video {
		t.Fatalf("outbound video is %v, want the camera track", got.ID())
	}
}

func TestMediaTogglesBroadcastState(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, _ := newTestSession(t, bus, "alice")
	defer s.Leave()
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}

	bob := bus.Transport()
	bobEvents, err := bob.Subscribe(context.Background(), "room-1", "bob")
	if err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}

	st := s.ToggleMute()
	if !st.IsMuted {
		t.Fatalf("mute flag not flipped")
	}

	waitFor(t, "bob to receive the media broadcast", func() bool {
		select {
		case ev := <-bobEvents:
			return ev.Kind == transport.MessageEvent &&
				ev.Message.Type == signal.TypeMedia &&
				ev.Message.Media != nil && ev.Message.Media.IsMuted
		default:
			return false
		}
	})
}

func TestSessionsNegotiateOverBus(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()

	bob, bobFactory := newTestSession(t, bus, "bob")
	defer bob.Leave()
	if err := bob.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	alice, aliceFactory := newTestSession(t, bus, "alice")
	defer alice.Leave()

	// alice sees bob in the presence snapshot, so Join blocks until her
	// link reports connectivity; flip it once negotiation is underway.
	go func() {
		for i := 0; i < 600; i++ {
			if link := aliceFactory.link(0); link != nil {
				link.mu.Lock()
				ready := link.localDesc != nil
				link.mu.Unlock()
				if ready {
					link.fireConnectionState(webrtc.PeerConnectionStateConnected)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	joinCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := alice.Join(joinCtx, newFakeSource(t)); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if alice.State() != StateConnected {
		t.Fatalf("alice state = %v, want connected", alice.State())
	}

	// alice holds the smaller identity, so she alone sends the first
	// offer; bob answers it.
	waitFor(t, "bob to answer alice's offer", func() bool {
		link := bobFactory.link(0)
		if link == nil {
			return false
		}
		_, answers, _, _ := link.snapshot()
		return answers == 1
	})
	waitFor(t, "alice to apply bob's answer", func() bool {
		return aliceFactory.link(0).HasRemoteDescription()
	})

	aliceOffers, _, _, _ := aliceFactory.link(0).snapshot()
	bobOffers, _, _, _ := bobFactory.link(0).snapshot()
	if aliceOffers != 1 {
		t.Fatalf("alice sent %d offers, want 1", aliceOffers)
	}
	if bobOffers != 0 {
		t.Fatalf("bob initiated %d offers, want 0", bobOffers)
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	started int
	ended   int
	done    chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{done: make(chan struct{}, 4)}
}

func (r *fakeRecorder) SessionStarted(ctx context.Context, sessionID, identity string) error {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *fakeRecorder) SessionEnded(ctx context.Context, sessionID, identity string) error {
	r.mu.Lock()
	r.ended++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.ended
}

func TestRecorderStampedExactlyOnce(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	rec := newFakeRecorder()
	s.SetRecorder(rec)
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "bob"})
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "carol"})
	factory.link(0).fireConnectionState(webrtc.PeerConnectionStateConnected)
	factory.link(1).fireConnectionState(webrtc.PeerConnectionStateConnected)
	<-rec.done

	if started, _ := rec.counts(); started != 1 {
		t.Fatalf("session start stamped %d times, want 1", started)
	}

	s.Leave()
	if started, ended := rec.counts(); started != 1 || ended != 1 {
		t.Fatalf("stamps = %d started / %d ended, want 1/1", started, ended)
	}
}

func TestICEFailureTriggersRestart(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	s, factory := newTestSession(t, bus, "alice")
	defer s.Leave()
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	// "aaa" sorts before "alice", so the remote side owns the first offer
	// and alice's link sits idle until the failure.
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "aaa"})
	link := factory.link(0)

	link.fireICEConnectionState(webrtc.ICEConnectionStateFailed)

	link.mu.Lock()
	opts := link.lastOpts
	offers := link.offers
	link.mu.Unlock()
	if offers != 1 || opts == nil || !opts.ICERestart {
		t.Fatalf("ICE failure did not issue a restart offer (offers=%d opts=%+v)", offers, opts)
	}
}

func TestDisconnectGracePeriod(t *testing.T) {
	t.Parallel()
	bus := transport.NewMemoryBus()
	factory := &fakeFactory{}
	s, err := NewSession("room-1", "alice", bus.Transport(), Config{
		LinkFactory:     factory.new,
		QualityInterval: time.Hour,
		ICERestartGrace: 30 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Leave()
	if err := s.Join(context.Background(), newFakeSource(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	s.handleEvent(transport.Event{Kind: transport.PresenceJoin, Peer: "aaa"})
	link := factory.link(0)

	// Recovery within the grace window cancels the restart.
	link.fireICEConnectionState(webrtc.ICEConnectionStateDisconnected)
	link.fireICEConnectionState(webrtc.ICEConnectionStateConnected)
	time.Sleep(80 * time.Millisecond)
	if offers, _, _, _ := link.snapshot(); offers != 0 {
		t.Fatalf("restart fired despite recovery within grace")
	}

	// An unrecovered disconnect restarts after the grace period.
	link.fireICEConnectionState(webrtc.ICEConnectionStateDisconnected)
	waitFor(t, "grace restart", func() bool {
		offers, _, _, _ := link.snapshot()
		return offers == 1
	})
	link.mu.Lock()
	opts := link.lastOpts
	link.mu.Unlock()
	if opts == nil || !opts.ICERestart {
		t.Fatalf("grace expiry offer is not an ICE restart")
	}
}

func sdpPtr(d webrtc.SessionDescription) *webrtc.SessionDescription { return &d }
