package engine

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

const fakeOfferSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n"

// fakeLink scripts the signaling-relevant surface of a peer connection so
// negotiation logic can be driven deterministically without networking.
type fakeLink struct {
	mu sync.Mutex

	state      webrtc.SignalingState
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription

	offers     int
	answers    int
	rollbacks  int
	lastOpts   *webrtc.OfferOptions
	candidates []webrtc.ICECandidateInit

	tracks         []webrtc.TrackLocal
	sendOnlyTracks []webrtc.TrackLocal
	senders        map[webrtc.TrackLocal]*fakeSender

	closed bool

	statsSample StatsSample
	statsOK     bool

	errCreateOffer  error
	errCreateAnswer error
	errSetRemote    error

	onICECandidate func(webrtc.ICECandidateInit)
	onTrack        func(*webrtc.TrackRemote)
	onNegotiation  func()
	onConnState    func(webrtc.PeerConnectionState)
	onICEConnState func(webrtc.ICEConnectionState)
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		state:   webrtc.SignalingStateStable,
		senders: make(map[webrtc.TrackLocal]*fakeSender),
	}
}

func (l *fakeLink) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errCreateOffer != nil {
		return webrtc.SessionDescription{}, l.errCreateOffer
	}
	l.offers++
	l.lastOpts = opts
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeOfferSDP}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errCreateAnswer != nil {
		return webrtc.SessionDescription{}, l.errCreateAnswer
	}
	l.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeOfferSDP}, nil
}

func (l *fakeLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := desc
	l.localDesc = &d
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		l.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		l.state = webrtc.SignalingStateStable
	}
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errSetRemote != nil {
		return l.errSetRemote
	}
	d := desc
	l.remoteDesc = &d
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		l.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		l.state = webrtc.SignalingStateStable
	}
	return nil
}

func (l *fakeLink) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollbacks++
	l.localDesc = nil
	l.state = webrtc.SignalingStateStable
	return nil
}

func (l *fakeLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, candidate)
	return nil
}

func (l *fakeLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteDesc != nil
}

func (l *fakeLink) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (l *fakeLink) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = append(l.tracks, track)
	s := &fakeSender{track: track}
	l.senders[track] = s
	return s, nil
}

func (l *fakeLink) AddSendOnlyTrack(track webrtc.TrackLocal) (Sender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendOnlyTracks = append(l.sendOnlyTracks, track)
	s := &fakeSender{track: track}
	l.senders[track] = s
	return s, nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICECandidate = fn
}

func (l *fakeLink) OnTrack(fn func(*webrtc.TrackRemote)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *fakeLink) OnNegotiationNeeded(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onNegotiation = fn
}

func (l *fakeLink) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConnState = fn
}

func (l *fakeLink) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICEConnState = fn
}

func (l *fakeLink) Stats() (StatsSample, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsSample, l.statsOK
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) fireConnectionState(st webrtc.PeerConnectionState) {
	l.mu.Lock()
	fn := l.onConnState
	l.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (l *fakeLink) fireICEConnectionState(st webrtc.ICEConnectionState) {
	l.mu.Lock()
	fn := l.onICEConnState
	l.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (l *fakeLink) setStats(s StatsSample) {
	l.mu.Lock()
	l.statsSample = s
	l.statsOK = true
	l.mu.Unlock()
}

func (l *fakeLink) snapshot() (offers, answers, rollbacks int, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers, l.answers, l.rollbacks, l.closed
}

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// fakeFactory hands out fakeLinks and remembers them in creation order.
type fakeFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeFactory) new(webrtc.Configuration) (Link, error) {
	l := newFakeLink()
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeFactory) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.links) {
		return nil
	}
	return f.links[i]
}
