package engine

import "errors"

// SignalingError is a signaling-channel failure: subscription failure,
// timeout or forced close. The engine does not retry; re-joining is left
// to the caller.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string { return "signaling " + e.Op + ": " + e.Err.Error() }
func (e *SignalingError) Unwrap() error { return e.Err }

var (
	// ErrSessionClosed is returned by operations on a left session.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyJoined is returned when Join is called twice.
	ErrAlreadyJoined = errors.New("session already joined")
	// ErrNoMediaSource is returned when Join is called without a source.
	ErrNoMediaSource = errors.New("no media source")
	// ErrInvalidIdentity is returned when a participant identity is empty
	// or collides with the local identity. Politeness and first-offer
	// assignment both compare identities, so they must be stable, unique
	// and comparable at join time.
	ErrInvalidIdentity = errors.New("invalid participant identity")
)
