package signal

import (
	"github.com/pion/webrtc/v3"
)

// Type identifies a signaling message variant.
type Type string

const (
	TypeOffer       Type = "offer"
	TypeAnswer      Type = "answer"
	TypeICE         Type = "ice"
	TypeMedia       Type = "media"
	TypeLeave       Type = "leave"
	TypeStreamEnded Type = "stream_ended"
)

// MediaState is the non-negotiated media snapshot a participant broadcasts
// whenever a local toggle changes. Remote UIs reflect it without touching
// the underlying connection.
type MediaState struct {
	IsMuted         bool `json:"is_muted"`
	IsVideoOn       bool `json:"is_video_on"`
	IsScreenSharing bool `json:"is_screen_sharing"`
	IsHandRaised    bool `json:"is_hand_raised"`
}

// Message is the wire envelope exchanged over the signaling transport.
// To is optional: when set, the message is directed and must be dropped by
// every identity it is not addressed to; when empty the message is
// broadcast to the room (leave, media, stream_ended).
type Message struct {
	Type      Type                       `json:"type"`
	From      string                     `json:"from"`
	To        string                     `json:"to,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Media     *MediaState                `json:"media,omitempty"`
}

// DirectedTo reports whether the message is addressed to someone other
// than the given identity.
func (m Message) DirectedTo(identity string) bool {
	return m.To != "" && m.To != identity
}
