// Package engine establishes, maintains and tears down direct media
// connections between participants. Negotiation follows the perfect
// negotiation pattern: a deterministic polite/impolite role per peer pair
// resolves glare without any coordination message.
package engine

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// Sender is the handle for one outgoing track on a connection. Replacing
// the track renegotiates in place without tearing the connection down.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// StatsSample is a raw transport statistics snapshot for one connection.
type StatsSample struct {
	At          time.Time
	BytesSent   uint64
	PacketsSent uint32
	PacketsLost int32
	RTT         time.Duration
}

// Link abstracts one low-level peer connection. The production
// implementation wraps a pion PeerConnection; tests drive the negotiation
// state machine through scripted fakes.
//
// Close must detach every registered callback before closing the
// underlying connection, so stale events cannot mutate discarded state.
type Link interface {
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards the local in-flight offer (polite side yielding).
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	AddSendOnlyTrack(track webrtc.TrackLocal) (Sender, error)

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(*webrtc.TrackRemote))
	OnNegotiationNeeded(fn func())
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))

	// Stats returns a snapshot; ok is false when sampling failed
	// (best-effort telemetry, never fatal).
	Stats() (sample StatsSample, ok bool)
	Close() error
}

// LinkFactory builds a Link from the engine's fixed ICE configuration.
// Injected at construction so each session owns its registry and tests can
// substitute fakes.
type LinkFactory func(cfg webrtc.Configuration) (Link, error)
