package quality

import (
	"math"
	"sort"
	"time"
)

// Distribution summarizes one metric over a window.
type Distribution struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	P5     float64 `json:"p5"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

// WindowStats aggregates the records inside one time window.
type WindowStats struct {
	Window          string         `json:"window"`
	Count           int            `json:"count"`
	Slippage        Distribution   `json:"slippage"`
	ExecutionTimeMs Distribution   `json:"execution_time_ms"`
	FillRateMin     float64        `json:"fill_rate_min"`
	FillRateAvg     float64        `json:"fill_rate_avg"`
	FillRateMax     float64        `json:"fill_rate_max"`
	Buckets         map[Bucket]int `json:"buckets"`
	Unfavorable     int            `json:"unfavorable"` // slippage > 0
	Favorable       int            `json:"favorable"`   // slippage < 0
}

// Windows computes the short-term, rolling, and lifetime aggregates. The
// computation is a pure function of the buffered records, so consecutive
// calls without new completions yield identical outputs.
func (m *Monitor) Windows() map[string]WindowStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	return map[string]WindowStats{
		"1h":       aggregate("1h", filterSince(m.records, now.Add(-m.cfg.ShortTermWindowTime))),
		"24h":      aggregate("24h", filterSince(m.records, now.Add(-m.cfg.RollingWindowTime))),
		"lifetime": aggregate("lifetime", m.records),
	}
}

// WindowFor aggregates the records matching a grouping key, e.g. one
// symbol or endpoint, inside the rolling window.
func (m *Monitor) WindowFor(name string, match func(ExecutionRecord) bool) WindowStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.RollingWindowTime)
	var subset []ExecutionRecord
	for _, r := range m.records {
		if r.CompletedAt.After(cutoff) && match(r) {
			subset = append(subset, r)
		}
	}
	return aggregate(name, subset)
}

func filterSince(records []ExecutionRecord, cutoff time.Time) []ExecutionRecord {
	var out []ExecutionRecord
	for _, r := range records {
		if r.CompletedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func aggregate(window string, records []ExecutionRecord) WindowStats {
	ws := WindowStats{
		Window:  window,
		Count:   len(records),
		Buckets: map[Bucket]int{},
	}
	if len(records) == 0 {
		return ws
	}

	slips := make([]float64, 0, len(records))
	times := make([]float64, 0, len(records))
	ws.FillRateMin = math.MaxFloat64
	var fillSum float64
	for _, r := range records {
		slips = append(slips, r.Slippage)
		times = append(times, float64(r.ExecutionTime.Milliseconds()))
		ws.Buckets[r.Quality]++
		if r.Slippage > 0 {
			ws.Unfavorable++
		} else if r.Slippage < 0 {
			ws.Favorable++
		}
		fillSum += r.FillRate
		ws.FillRateMin = math.Min(ws.FillRateMin, r.FillRate)
		ws.FillRateMax = math.Max(ws.FillRateMax, r.FillRate)
	}
	ws.FillRateAvg = fillSum / float64(len(records))
	ws.Slippage = distribute(slips)
	ws.ExecutionTimeMs = distribute(times)
	return ws
}

func distribute(values []float64) Distribution {
	d := Distribution{Count: len(values)}
	if len(values) == 0 {
		return d
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	d.Min = sorted[0]
	d.Max = sorted[len(sorted)-1]
	d.Mean = mean(sorted)
	d.P5 = percentile(sorted, 0.05)
	d.P50 = percentile(sorted, 0.50)
	d.P95 = percentile(sorted, 0.95)
	d.P99 = percentile(sorted, 0.99)
	d.StdDev = stddev(sorted, d.Mean)
	return d
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// percentile uses linear interpolation between closest ranks over a
// sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
