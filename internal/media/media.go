// Package media abstracts local capture devices. The engine only ever sees
// the Source interface; device failures surface as classified, readable
// errors that are never retried automatically.
package media

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// FailureKind classifies why acquiring a capture device failed.
type FailureKind string

const (
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureDeviceNotFound   FailureKind = "device_not_found"
	FailureDeviceBusy       FailureKind = "device_busy"
	FailureUnknown          FailureKind = "unknown"
)

// AcquireError is a classified media-acquisition failure.
type AcquireError struct {
	Kind   FailureKind
	Device string // "camera", "microphone", "screen"
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Classify returns the failure kind of err, or FailureUnknown when err is
// not a classified acquisition error.
func Classify(err error) FailureKind {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return FailureUnknown
}

// Source provides the local participant's outgoing tracks.
//
// AudioTrack and VideoTrack are acquired once, up front. ScreenTrack is
// acquired lazily on the first screen-share toggle and may fail with an
// AcquireError. The enable setters implement mute/camera-off without
// renegotiation; a disabled track keeps its sender but stops producing
// payload.
type Source interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	ScreenTrack() (webrtc.TrackLocal, error)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}
