package events

import "time"

// emaAlpha is the smoothing factor for processing-time averages.
const emaAlpha = 0.1

// TypeMetrics holds per-event-type counters.
type TypeMetrics struct {
	Count           int64   `json:"count"`
	Errors          int64   `json:"errors"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
}

// BusMetrics is a value-copy snapshot of event bus metrics.
type BusMetrics struct {
	PerType         map[EventType]TypeMetrics `json:"per_type"`
	TotalEmitted    int64                     `json:"total_emitted"`
	TotalProcessed  int64                     `json:"total_processed"`
	TotalErrors     int64                     `json:"total_errors"`
	Throughput      float64                   `json:"throughput_per_sec"`
	LastProcessedAt time.Time                 `json:"last_processed_at"`
	QueueDepth      int                       `json:"queue_depth"`
	HistorySize     int                       `json:"history_size"`
}

// busMetrics is the bus-internal mutable metric state. All mutation happens
// under the bus lock.
type busMetrics struct {
	perType         map[EventType]*TypeMetrics
	totalEmitted    int64
	totalProcessed  int64
	totalErrors     int64
	lastProcessedAt time.Time

	window      time.Duration
	completions []time.Time
}

func newBusMetrics(window time.Duration) busMetrics {
	return busMetrics{
		perType: make(map[EventType]*TypeMetrics),
		window:  window,
	}
}

func (m *busMetrics) forType(t EventType) *TypeMetrics {
	tm, ok := m.perType[t]
	if !ok {
		tm = &TypeMetrics{}
		m.perType[t] = tm
	}
	return tm
}

func (m *busMetrics) emitted(t EventType) {
	m.totalEmitted++
	m.forType(t).Count++
}

func (m *busMetrics) processed(t EventType, elapsed time.Duration) {
	m.totalProcessed++
	now := time.Now()
	m.lastProcessedAt = now
	m.completions = append(m.completions, now)
	m.pruneWindow(now)

	tm := m.forType(t)
	sample := float64(elapsed.Milliseconds())
	if tm.AvgProcessingMs == 0 {
		tm.AvgProcessingMs = sample
	} else {
		tm.AvgProcessingMs = (1-emaAlpha)*tm.AvgProcessingMs + emaAlpha*sample
	}
}

func (m *busMetrics) failed(t EventType) {
	m.totalErrors++
	m.forType(t).Errors++
}

// pruneWindow drops completion timestamps outside the throughput window.
func (m *busMetrics) pruneWindow(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.completions) && m.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.completions = append(m.completions[:0:0], m.completions[i:]...)
	}
}

func (m *busMetrics) snapshot(queueDepth, historySize int) BusMetrics {
	now := time.Now()
	m.pruneWindow(now)

	perType := make(map[EventType]TypeMetrics, len(m.perType))
	for t, tm := range m.perType {
		perType[t] = *tm
	}

	throughput := 0.0
	if m.window > 0 {
		throughput = float64(len(m.completions)) / m.window.Seconds()
	}

	return BusMetrics{
		PerType:         perType,
		TotalEmitted:    m.totalEmitted,
		TotalProcessed:  m.totalProcessed,
		TotalErrors:     m.totalErrors,
		Throughput:      throughput,
		LastProcessedAt: m.lastProcessedAt,
		QueueDepth:      queueDepth,
		HistorySize:     historySize,
	}
}

// healthScore maps an error rate and a backlog depth to a 0-100 score.
// Error rate contributes up to a 60-point penalty, backlog up to 40,
// saturating smoothly as depth grows past ~50 items.
func healthScore(errors, processed int64, depth int) float64 {
	score := 100.0
	if total := errors + processed; total > 0 {
		score -= 60 * float64(errors) / float64(total)
	}
	score -= 40 * float64(depth) / (float64(depth) + 50)
	if score < 0 {
		score = 0
	}
	return score
}
