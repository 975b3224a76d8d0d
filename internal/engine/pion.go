package engine

import (
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
)

// pionLink implements Link over a pion PeerConnection with a
// per-connection media engine carrying the default codecs.
type pionLink struct {
	pc     *webrtc.PeerConnection
	closed atomic.Bool
}

// NewPionLink is the production LinkFactory.
func NewPionLink(cfg webrtc.Configuration) (Link, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionLink{pc: pc}, nil
}

func (l *pionLink) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(opts)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

func (l *pionLink) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *pionLink) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *pionLink) ConnectionState() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

func (s pionSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

func (l *pionLink) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return pionSender{sender: sender}, nil
}

func (l *pionLink) AddSendOnlyTrack(track webrtc.TrackLocal) (Sender, error) {
	transceiver, err := l.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, err
	}
	return pionSender{sender: transceiver.Sender()}, nil
}

// Callback registration wraps every handler with a closed check: Close
// flips the flag before closing the connection, so a late pion event
// cannot reach discarded peer state.

func (l *pionLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || l.closed.Load() {
			return
		}
		fn(c.ToJSON())
	})
}

func (l *pionLink) OnTrack(fn func(*webrtc.TrackRemote)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if l.closed.Load() {
			return
		}
		fn(track)
	})
}

func (l *pionLink) OnNegotiationNeeded(fn func()) {
	l.pc.OnNegotiationNeeded(func() {
		if l.closed.Load() {
			return
		}
		fn()
	})
}

func (l *pionLink) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if l.closed.Load() {
			return
		}
		fn(state)
	})
}

func (l *pionLink) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	l.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if l.closed.Load() {
			return
		}
		fn(state)
	})
}

func (l *pionLink) Stats() (StatsSample, bool) {
	if l.closed.Load() {
		return StatsSample{}, false
	}
	report := l.pc.GetStats()
	sample := StatsSample{At: time.Now()}
	for _, v := range report {
		switch st := v.(type) {
		case webrtc.OutboundRTPStreamStats:
			sample.BytesSent += st.BytesSent
			sample.PacketsSent += st.PacketsSent
		case webrtc.RemoteInboundRTPStreamStats:
			sample.PacketsLost += st.PacketsLost
			if st.RoundTripTime > 0 {
				sample.RTT = time.Duration(st.RoundTripTime * float64(time.Second))
			}
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				sample.RTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return sample, true
}

func (l *pionLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.pc.Close()
}
