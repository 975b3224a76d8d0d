package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	sampleInterval = 20 * time.Millisecond
	// 20ms of silence for Opus: a minimal valid frame.
	opusSilenceLen = 3
	// Placeholder VP8 payload; decoders treat it as a dropped frame.
	vp8FillerLen = 16
)

// Synthetic is a Source that generates silent audio and blank video
// samples. It backs headless agents and tests, where no capture hardware
// is available.
type Synthetic struct {
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	screen *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	log    *zap.Logger
}

// NewSynthetic creates a synthetic source and starts its sample writers.
func NewSynthetic(streamID string, logger *zap.Logger) (*Synthetic, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID)
	if err != nil {
		return nil, err
	}
	s := &Synthetic{
		audio: audio,
		video: video,
		done:  make(chan struct{}),
		log:   logger,
	}
	s.audioOn.Store(true)
	s.videoOn.Store(true)
	go s.writeLoop()
	return s, nil
}

func (s *Synthetic) writeLoop() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	silence := make([]byte, opusSilenceLen)
	filler := make([]byte, vp8FillerLen)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.audioOn.Load() {
				_ = s.audio.WriteSample(pionmedia.Sample{Data: silence, Duration: sampleInterval})
			}
			if s.videoOn.Load() {
				_ = s.video.WriteSample(pionmedia.Sample{Data: filler, Duration: sampleInterval})
				s.mu.Lock()
				screen := s.screen
				s.mu.Unlock()
				if screen != nil {
					_ = screen.WriteSample(pionmedia.Sample{Data: filler, Duration: sampleInterval})
				}
			}
		}
	}
}

func (s *Synthetic) AudioTrack() webrtc.TrackLocal { return s.audio }
func (s *Synthetic) VideoTrack() webrtc.TrackLocal { return s.video }

// ScreenTrack lazily creates the screen track on first use.
func (s *Synthetic) ScreenTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen != nil {
		return s.screen, nil
	}
	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", s.video.StreamID())
	if err != nil {
		return nil, &AcquireError{Kind: FailureDeviceNotFound, Device: "screen", Err: err}
	}
	s.screen = screen
	return screen, nil
}

func (s *Synthetic) SetAudioEnabled(enabled bool) { s.audioOn.Store(enabled) }
func (s *Synthetic) SetVideoEnabled(enabled bool) { s.videoOn.Store(enabled) }

// Close stops the sample writers. Safe to call more than once.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
