package channel

import (
	"sync"
	"time"
)

const (
	// emaAlpha is the smoothing factor for the latency moving average.
	emaAlpha = 0.3
	// healthySuccessRate is the floor below which a channel stops
	// receiving traffic.
	healthySuccessRate = 0.8
	// recentErrorWindow is how long a trailing error keeps a channel out
	// of rotation when no success has landed since.
	recentErrorWindow = 5 * time.Minute
)

// Metrics tracks live request quality for a single channel. All fields
// are guarded by the mutex; readers take a Snapshot.
type Metrics struct {
	mu sync.Mutex

	emaMs  float64
	hasEMA bool

	requestCount int64
	errorCount   int64
	lastSuccess  time.Time
	lastError    time.Time
}

// Snapshot is a point-in-time copy of a channel's metrics.
type Snapshot struct {
	EMAMillis    float64   `json:"latency_ema_ms"`
	HasLatency   bool      `json:"-"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
	SuccessRate  float64   `json:"success_rate"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastError    time.Time `json:"last_error,omitempty"`
}

// Record folds one request outcome into the metrics. Latency only feeds
// the moving average on success; a timed-out failure would poison it.
func (m *Metrics) Record(latency time.Duration, ok bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestCount++
	if ok {
		observed := float64(latency.Milliseconds())
		if m.hasEMA {
			m.emaMs = (1-emaAlpha)*m.emaMs + emaAlpha*observed
		} else {
			m.emaMs = observed
			m.hasEMA = true
		}
		m.lastSuccess = now
	} else {
		m.errorCount++
		m.lastError = now
	}
}

// Snapshot returns a consistent copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		EMAMillis:    m.emaMs,
		HasLatency:   m.hasEMA,
		RequestCount: m.requestCount,
		ErrorCount:   m.errorCount,
		LastSuccess:  m.lastSuccess,
		LastError:    m.lastError,
	}
	if m.requestCount > 0 {
		s.SuccessRate = float64(m.requestCount-m.errorCount) / float64(m.requestCount)
	} else {
		// Benefit of the doubt until traffic arrives.
		s.SuccessRate = 1
	}
	return s
}

// healthyAt decides whether a channel with these metrics may serve
// traffic. A channel with no history is trusted; otherwise the success
// rate must hold, and a fresh error with no success after it keeps the
// channel out until the window passes or a probe succeeds.
func (s Snapshot) healthyAt(now time.Time) bool {
	if s.RequestCount == 0 && s.LastError.IsZero() {
		return true
	}
	if s.SuccessRate < healthySuccessRate {
		return false
	}
	if !s.LastError.IsZero() && s.LastError.After(s.LastSuccess) &&
		now.Sub(s.LastError) < recentErrorWindow {
		return false
	}
	return true
}

// effectiveWeight computes the selection weight for a channel given its
// current metrics: the configured weight scaled by latency, success
// rate, and priority, floored at 1 so no healthy channel starves.
func effectiveWeight(ch *Channel, s Snapshot) float64 {
	latencyFactor := 1.0
	if s.HasLatency {
		ema := s.EMAMillis
		if ema < 100 {
			ema = 100
		}
		latencyFactor = 1000 / ema
	}
	w := float64(ch.Weight) * latencyFactor * s.SuccessRate * (1 + float64(ch.Priority)/100)
	if w < 1 {
		w = 1
	}
	return w
}
