package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Quality classifies the link to the remote. It only influences scheduling
// cadence: a triggered push is always attempted opportunistically, because a
// quality reading may be stale by the time it is consulted.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

const (
	excellentLatency = 150 * time.Millisecond
	goodLatency      = 600 * time.Millisecond
)

// HealthChecker is the probe's view of the remote client
type HealthChecker interface {
	Health(ctx context.Context) (time.Duration, error)
}

// Probe measures round-trip latency against the remote health endpoint and
// classifies the link.
type Probe struct {
	mu      sync.RWMutex
	checker HealthChecker
	timeout time.Duration
	last    Quality
}

// NewProbe creates a probe with the given per-check timeout.
func NewProbe(checker HealthChecker, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Probe{
		checker: checker,
		timeout: timeout,
		last:    QualityOffline,
	}
}

// Check runs one probe and records the classification.
func (p *Probe) Check(ctx context.Context) Quality {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	latency, err := p.checker.Health(probeCtx)

	var q Quality
	switch {
	case err != nil:
		q = QualityOffline
	case latency < excellentLatency:
		q = QualityExcellent
	case latency < goodLatency:
		q = QualityGood
	default:
		q = QualityPoor
	}

	p.mu.Lock()
	changed := p.last != q
	p.last = q
	p.mu.Unlock()

	if changed {
		log.Info().Str("quality", string(q)).Dur("latency", latency).Msg("connection quality changed")
	}
	return q
}

// Last returns the most recent classification without probing.
func (p *Probe) Last() Quality {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Online reports whether the last reading saw the remote at all.
func (q Quality) Online() bool {
	return q != QualityOffline
}
