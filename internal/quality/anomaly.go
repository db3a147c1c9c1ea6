package quality

import (
	"math"
)

// Anomaly kinds.
const (
	AnomalySlippageHigh      = "slippage_high"
	AnomalyExecutionTimeHigh = "execution_time_high"
	AnomalyFillRateLow       = "fill_rate_low"
	AnomalySlippageZScore    = "slippage_zscore"
)

// zScoreMinSamples is the minimum record count before the statistical
// detector participates.
const zScoreMinSamples = 30

// zScoreLookback bounds how far back the statistical baseline reaches.
const zScoreLookback = 100

// detectAnomalies runs the threshold and statistical detectors against a
// freshly completed record. Called before the record joins the buffer so
// the z-score baseline excludes it.
func (m *Monitor) detectAnomalies(rec ExecutionRecord) ([]string, float64) {
	if !m.cfg.EnableAnomalyDetection {
		return nil, 0
	}

	var kinds []string
	if math.Abs(rec.Slippage) >= m.cfg.SlippageCriticalThreshold {
		kinds = append(kinds, AnomalySlippageHigh)
	}
	if rec.ExecutionTime >= m.cfg.ExecutionTimeAnomaly {
		kinds = append(kinds, AnomalyExecutionTimeHigh)
	}
	if rec.FinalState.IsTerminal() && rec.FillRate > 0 && rec.FillRate < m.cfg.FillRateCritical {
		kinds = append(kinds, AnomalyFillRateLow)
	}

	z := m.slippageZScore(rec.Slippage)
	if math.Abs(z) > m.cfg.AnomalySensitivity {
		kinds = append(kinds, AnomalySlippageZScore)
	}
	return kinds, z
}

// slippageZScore scores the value against the trailing baseline; zero when
// too few records exist or the baseline has no variance.
func (m *Monitor) slippageZScore(value float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.records) < zScoreMinSamples {
		return 0
	}
	start := len(m.records) - zScoreLookback
	if start < 0 {
		start = 0
	}
	baseline := make([]float64, 0, len(m.records)-start)
	for _, r := range m.records[start:] {
		baseline = append(baseline, r.Slippage)
	}

	mu := mean(baseline)
	sigma := stddev(baseline, mu)
	if sigma == 0 {
		return 0
	}
	return (value - mu) / sigma
}
