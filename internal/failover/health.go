package failover

import (
	"time"
)

// Status is the probed health of a registered endpoint.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusOffline   Status = "OFFLINE"
	StatusUnknown   Status = "UNKNOWN"
)

// usable reports whether the endpoint may take traffic.
func (s Status) usable() bool {
	return s != StatusUnhealthy && s != StatusOffline
}

// Health is the snapshot view of one endpoint's probe state.
type Health struct {
	ID                   string        `json:"id"`
	Status               Status        `json:"status"`
	Priority             int           `json:"priority"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	AvgLatency           time.Duration `json:"avg_latency"`
	LastProbeAt          time.Time     `json:"last_probe_at"`
	LastError            string        `json:"last_error,omitempty"`
}

// latencyWindow is a fixed-size ring of recent probe latencies.
type latencyWindow struct {
	samples []time.Duration
	idx     int
	count   int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 20
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) record(d time.Duration) {
	w.samples[w.idx] = d
	w.idx = (w.idx + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *latencyWindow) avg() time.Duration {
	if w.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.count; i++ {
		total += w.samples[i]
	}
	return total / time.Duration(w.count)
}
