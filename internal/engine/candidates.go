package engine

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// CandidateBuffer holds network candidates that arrive before the remote
// session description is set, one ordered queue per remote peer. Once the
// description is accepted the queue is drained in arrival order.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending map[string][]webrtc.ICECandidateInit
}

// NewCandidateBuffer creates an empty buffer.
func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{pending: make(map[string][]webrtc.ICECandidateInit)}
}

// Add appends a candidate to the peer's queue.
func (b *CandidateBuffer) Add(peerID string, candidate webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[peerID] = append(b.pending[peerID], candidate)
}

// Drain returns the peer's buffered candidates in arrival order and clears
// the queue.
func (b *CandidateBuffer) Drain(peerID string) []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending[peerID]
	delete(b.pending, peerID)
	return out
}

// Clear discards the peer's queue without applying it.
func (b *CandidateBuffer) Clear(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, peerID)
}

// Len reports the number of buffered candidates for a peer.
func (b *CandidateBuffer) Len(peerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[peerID])
}

// Reset discards every queue.
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string][]webrtc.ICECandidateInit)
}
