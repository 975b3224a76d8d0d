package engine

import (
	"sync"
	"time"

	"github.com/pulselive/meshrtc/internal/signal"
)

// negotiationPhase is the per-peer negotiation variant. Modeling it as a
// tagged value (rather than separate makingOffer/ignoreOffer booleans)
// keeps the state machine's invariants checkable in one place.
type negotiationPhase int

const (
	phaseStable negotiationPhase = iota
	phaseMakingOffer
	phaseIgnoringOffer
)

func (p negotiationPhase) String() string {
	switch p {
	case phaseMakingOffer:
		return "making_offer"
	case phaseIgnoringOffer:
		return "ignoring_offer"
	default:
		return "stable"
	}
}

const (
	trackKindAudio = "audio"
	trackKindVideo = "video"
)

// Peer is one remote participant: its owned connection, negotiation phase
// and last-known media state. Exactly one Peer exists per remote identity
// at any time.
type Peer struct {
	id     string
	polite bool
	link   Link

	mu         sync.Mutex
	phase      negotiationPhase
	media      signal.MediaState
	senders    map[string]Sender
	graceTimer *time.Timer
	closed     bool
}

// newPeer validates identities and assigns politeness. Both ends derive
// the same roles from data they already have: the lexicographically
// smaller identity is impolite and always wins collisions.
func newPeer(localID, remoteID string, link Link) (*Peer, error) {
	if localID == "" || remoteID == "" || localID == remoteID {
		return nil, ErrInvalidIdentity
	}
	return &Peer{
		id:      remoteID,
		polite:  localID > remoteID,
		link:    link,
		senders: make(map[string]Sender),
	}, nil
}

// ID returns the remote participant identity.
func (p *Peer) ID() string { return p.id }

// Polite reports whether the local side yields on glare for this pair.
func (p *Peer) Polite() bool { return p.polite }

// MediaState returns the last-known remote media snapshot.
func (p *Peer) MediaState() signal.MediaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media
}

func (p *Peer) setMediaState(ms signal.MediaState) {
	p.mu.Lock()
	p.media = ms
	p.mu.Unlock()
}

func (p *Peer) setSender(kind string, s Sender) {
	p.mu.Lock()
	p.senders[kind] = s
	p.mu.Unlock()
}

func (p *Peer) sender(kind string) Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[kind]
}

// scheduleGrace arms (or re-arms) the disconnection grace timer. The
// callback runs only if the timer is not cancelled first.
func (p *Peer) scheduleGrace(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.graceTimer = time.AfterFunc(d, fn)
}

func (p *Peer) cancelGrace() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}

// close cancels timers and closes the link. The link detaches its
// callbacks before closing the underlying connection, so no stale event
// mutates the discarded peer. Safe to call more than once.
func (p *Peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	link := p.link
	p.mu.Unlock()
	_ = link.Close()
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
