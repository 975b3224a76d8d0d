package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Quality classifies link health from transport statistics. Purely
// observational: never authoritative state, discarded on disconnect.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// DefaultQualityInterval is how often each connection is sampled.
const DefaultQualityInterval = 5 * time.Second

// LinkStats are the derived per-interval metrics a classification is made
// from.
type LinkStats struct {
	BitrateBps    float64
	PacketLossPct float64
	LatencyMs     float64
}

// Classify maps derived link metrics to a quality bucket.
func Classify(st LinkStats) Quality {
	switch {
	case st.BitrateBps == 0:
		return QualityDisconnected
	case st.PacketLossPct < 1 && st.LatencyMs < 100 && st.BitrateBps > 500_000:
		return QualityExcellent
	case st.PacketLossPct < 5 && st.LatencyMs < 200 && st.BitrateBps > 200_000:
		return QualityGood
	default:
		return QualityPoor
	}
}

// QualityMonitor periodically samples every live connection and reports a
// classification per peer. Sampling failures for an individual connection
// are swallowed; the peer's quality simply keeps its last known value.
type QualityMonitor struct {
	interval time.Duration
	links    func() map[string]Link
	onSample func(peerID string, q Quality, st LinkStats)
	log      *zap.Logger
	prev     map[string]StatsSample
}

// NewQualityMonitor creates a monitor over the link snapshot provider.
func NewQualityMonitor(interval time.Duration, links func() map[string]Link, onSample func(string, Quality, LinkStats), logger *zap.Logger) *QualityMonitor {
	if interval <= 0 {
		interval = DefaultQualityInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualityMonitor{
		interval: interval,
		links:    links,
		onSample: onSample,
		log:      logger,
		prev:     make(map[string]StatsSample),
	}
}

// Run samples until ctx is cancelled. The owning session cancels ctx on
// leave, so no monitoring outlives it.
func (m *QualityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleAll()
		}
	}
}

func (m *QualityMonitor) sampleAll() {
	links := m.links()
	for id := range m.prev {
		if _, ok := links[id]; !ok {
			delete(m.prev, id)
		}
	}
	for id, link := range links {
		m.sample(id, link)
	}
}

func (m *QualityMonitor) sample(id string, link Link) {
	cur, ok := link.Stats()
	if !ok {
		return
	}
	prev, has := m.prev[id]
	m.prev[id] = cur
	if !has {
		return
	}
	dt := cur.At.Sub(prev.At).Seconds()
	if dt <= 0 {
		return
	}

	st := LinkStats{
		BitrateBps: float64(cur.BytesSent-prev.BytesSent) * 8 / dt,
		LatencyMs:  float64(cur.RTT) / float64(time.Millisecond),
	}
	if sent := int64(cur.PacketsSent) - int64(prev.PacketsSent); sent > 0 {
		lost := int64(cur.PacketsLost) - int64(prev.PacketsLost)
		if lost > 0 {
			st.PacketLossPct = float64(lost) / float64(sent) * 100
		}
	}

	q := Classify(st)
	if m.onSample != nil {
		m.onSample(id, q, st)
	}
}
