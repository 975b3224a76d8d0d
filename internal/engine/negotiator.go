package engine

import (
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/pulselive/meshrtc/internal/signal"
)

// Coordinator runs the perfect-negotiation state machine for every peer of
// one session. All handlers are safe to invoke for any peer at any time;
// message interleavings across senders carry no ordering guarantee.
//
// A negotiation error never crashes the session: the affected peer's round
// is abandoned and the peer recovers on the next offer cycle. Failures are
// isolated per peer.
type Coordinator struct {
	localID string
	buffer  *CandidateBuffer
	send    func(msg signal.Message)
	log     *zap.Logger
}

// NewCoordinator creates a coordinator that transmits through send and
// parks early candidates in buffer.
func NewCoordinator(localID string, buffer *CandidateBuffer, send func(signal.Message), logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{localID: localID, buffer: buffer, send: send, log: logger}
}

// Negotiate creates and transmits an offer for the peer. Skipped silently
// when a negotiation round is already in flight.
func (c *Coordinator) Negotiate(p *Peer) {
	p.mu.Lock()
	if p.closed || p.phase != phaseStable || p.link.SignalingState() != webrtc.SignalingStateStable {
		p.mu.Unlock()
		return
	}
	p.phase = phaseMakingOffer
	link := p.link
	p.mu.Unlock()

	c.offer(p, link, nil)
}

// RestartICE issues an ICE restart offer on the existing connection
// instead of recreating it.
func (c *Coordinator) RestartICE(p *Peer) {
	p.mu.Lock()
	if p.closed || p.phase != phaseStable {
		p.mu.Unlock()
		return
	}
	p.phase = phaseMakingOffer
	link := p.link
	p.mu.Unlock()

	c.log.Info("restarting ice", zap.String("peer", p.id))
	c.offer(p, link, &webrtc.OfferOptions{ICERestart: true})
}

func (c *Coordinator) offer(p *Peer, link Link, opts *webrtc.OfferOptions) {
	offer, err := link.CreateOffer(opts)
	if err != nil {
		c.abandon(p, "create offer", err)
		return
	}
	if err := link.SetLocalDescription(offer); err != nil {
		c.abandon(p, "set local offer", err)
		return
	}
	c.send(signal.Message{Type: signal.TypeOffer, From: c.localID, To: p.id, SDP: &offer})
}

// HandleOffer applies a remote offer, resolving glare deterministically:
// the impolite side ignores the colliding offer and keeps its own in
// flight; the polite side discards its in-flight offer and answers.
func (c *Coordinator) HandleOffer(p *Peer, sdp webrtc.SessionDescription) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	link := p.link
	collision := p.phase == phaseMakingOffer || link.SignalingState() != webrtc.SignalingStateStable
	if collision && !p.polite {
		p.phase = phaseIgnoringOffer
		p.mu.Unlock()
		// Trailing candidates for the rejected offer are dropped too.
		c.buffer.Clear(p.id)
		c.log.Debug("ignoring colliding offer", zap.String("peer", p.id))
		return
	}
	if collision {
		if err := link.Rollback(); err != nil {
			p.mu.Unlock()
			c.abandon(p, "rollback local offer", err)
			return
		}
	}
	p.phase = phaseStable
	p.mu.Unlock()

	if err := link.SetRemoteDescription(sdp); err != nil {
		c.abandon(p, "set remote offer", err)
		return
	}
	c.drain(p, link)

	answer, err := link.CreateAnswer()
	if err != nil {
		c.abandon(p, "create answer", err)
		return
	}
	if err := link.SetLocalDescription(answer); err != nil {
		c.abandon(p, "set local answer", err)
		return
	}
	c.send(signal.Message{Type: signal.TypeAnswer, From: c.localID, To: p.id, SDP: &answer})
}

// HandleAnswer completes the in-flight round and drains buffered
// candidates.
func (c *Coordinator) HandleAnswer(p *Peer, sdp webrtc.SessionDescription) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	link := p.link
	p.mu.Unlock()

	if err := link.SetRemoteDescription(sdp); err != nil {
		c.abandon(p, "set remote answer", err)
		return
	}
	p.mu.Lock()
	p.phase = phaseStable
	p.mu.Unlock()
	c.drain(p, link)
}

// HandleCandidate applies, buffers or discards one remote network
// candidate. Candidates arriving before the remote description is set are
// buffered; candidates for an ignored offer are discarded outright.
func (c *Coordinator) HandleCandidate(p *Peer, candidate webrtc.ICECandidateInit) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.phase == phaseIgnoringOffer {
		p.mu.Unlock()
		return
	}
	link := p.link
	p.mu.Unlock()

	if !link.HasRemoteDescription() {
		c.buffer.Add(p.id, candidate)
		return
	}
	if err := link.AddICECandidate(candidate); err != nil {
		c.log.Debug("add candidate failed", zap.String("peer", p.id), zap.Error(err))
	}
}

func (c *Coordinator) drain(p *Peer, link Link) {
	for _, candidate := range c.buffer.Drain(p.id) {
		if err := link.AddICECandidate(candidate); err != nil {
			c.log.Debug("apply buffered candidate failed", zap.String("peer", p.id), zap.Error(err))
		}
	}
}

// abandon logs a negotiation error and resets the peer to stable so the
// next offer cycle can recover it.
func (c *Coordinator) abandon(p *Peer, op string, err error) {
	c.log.Warn("negotiation abandoned",
		zap.String("peer", p.id),
		zap.String("op", op),
		zap.Error(err))
	p.mu.Lock()
	if !p.closed {
		p.phase = phaseStable
	}
	p.mu.Unlock()
}
