package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// durationRingSize bounds the rolling latency window; oldest entries
// are overwritten.
const durationRingSize = 1000

// HealthTier is the advisory health classification
type HealthTier string

// Health tiers
const (
	HealthHealthy   HealthTier = "healthy"
	HealthDegraded  HealthTier = "degraded"
	HealthUnhealthy HealthTier = "unhealthy"
)

// MetricsSnapshot is a read-only view of the counters
type MetricsSnapshot struct {
	TotalBroadcasts      int64         `json:"total_broadcasts"`
	SuccessfulBroadcasts int64         `json:"successful_broadcasts"`
	FailedBroadcasts     int64         `json:"failed_broadcasts"`
	TotalRecipients      int64         `json:"total_recipients"`
	BrokerPublishes      int64         `json:"broker_publishes"`
	LocalDeliveries      int64         `json:"local_deliveries"`
	AverageLatency       time.Duration `json:"average_latency"`
	P95Latency           time.Duration `json:"p95_latency"`
}

// HealthInputs carries the live state the health derivation needs
// beyond the counters
type HealthInputs struct {
	ConcurrentBroadcasts int
	MaxConcurrent        int
	ClusterEnabled       bool
	PeerCount            int
}

// HealthReport is the derived health tier plus the issues behind it
type HealthReport struct {
	Tier      HealthTier `json:"tier"`
	ErrorRate float64    `json:"error_rate"`
	Issues    []string   `json:"issues,omitempty"`
}

// Metrics aggregates broadcast counters and a rolling latency window.
// It is advisory only and never gates broadcast admission.
type Metrics struct {
	totalBroadcasts      atomic.Int64
	successfulBroadcasts atomic.Int64
	failedBroadcasts     atomic.Int64
	totalRecipients      atomic.Int64
	brokerPublishes      atomic.Int64
	localDeliveries      atomic.Int64

	mu        sync.Mutex
	durations [durationRingSize]time.Duration
	next      int
	filled    int
}

// NewMetrics creates a new metrics aggregator
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordBroadcast records one completed broadcast
func (m *Metrics) RecordBroadcast(success bool, recipients int, duration time.Duration) {
	m.totalBroadcasts.Add(1)
	if success {
		m.successfulBroadcasts.Add(1)
	} else {
		m.failedBroadcasts.Add(1)
	}
	m.totalRecipients.Add(int64(recipients))

	m.mu.Lock()
	m.durations[m.next] = duration
	m.next = (m.next + 1) % durationRingSize
	if m.filled < durationRingSize {
		m.filled++
	}
	m.mu.Unlock()
}

// RecordBrokerPublish counts a successful cross-node publish
func (m *Metrics) RecordBrokerPublish() {
	m.brokerPublishes.Add(1)
}

// RecordLocalDeliveries counts locally delivered recipients
func (m *Metrics) RecordLocalDeliveries(n int) {
	m.localDeliveries.Add(int64(n))
}

// Snapshot returns a read-only view of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalBroadcasts:      m.totalBroadcasts.Load(),
		SuccessfulBroadcasts: m.successfulBroadcasts.Load(),
		FailedBroadcasts:     m.failedBroadcasts.Load(),
		TotalRecipients:      m.totalRecipients.Load(),
		BrokerPublishes:      m.brokerPublishes.Load(),
		LocalDeliveries:      m.localDeliveries.Load(),
		AverageLatency:       m.AverageLatency(),
		P95Latency:           m.Percentile(0.95),
	}
}

// AverageLatency returns the mean duration over the rolling window
func (m *Metrics) AverageLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < m.filled; i++ {
		sum += m.durations[i]
	}
	return sum / time.Duration(m.filled)
}

// Percentile returns the p-quantile duration over the rolling window
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.Lock()
	window := make([]time.Duration, m.filled)
	copy(window, m.durations[:m.filled])
	m.mu.Unlock()

	if len(window) == 0 {
		return 0
	}

	// Insertion sort; the window is small and bounded.
	for i := 1; i < len(window); i++ {
		for j := i; j > 0 && window[j-1] > window[j]; j-- {
			window[j-1], window[j] = window[j], window[j-1]
		}
	}

	idx := int(p * float64(len(window)-1))
	return window[idx]
}

// Health derives the advisory health tier: an error rate above 10% is
// unhealthy outright; below that, healthy needs an error rate of at
// most 2% and no more than one soft issue, anything else is degraded
func (m *Metrics) Health(in HealthInputs) HealthReport {
	total := m.totalBroadcasts.Load()
	failed := m.failedBroadcasts.Load()

	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	var issues []string
	if avg := m.AverageLatency(); avg > time.Second {
		issues = append(issues, "high average latency")
	}
	if in.MaxConcurrent > 0 && in.ConcurrentBroadcasts >= in.MaxConcurrent*8/10 {
		issues = append(issues, "broadcast concurrency near cap")
	}
	if in.ClusterEnabled && in.PeerCount == 0 {
		issues = append(issues, "no peers discovered while clustering is enabled")
	}

	report := HealthReport{ErrorRate: errorRate, Issues: issues}
	switch {
	case errorRate > 0.10:
		report.Tier = HealthUnhealthy
	case errorRate <= 0.02 && len(issues) <= 1:
		report.Tier = HealthHealthy
	default:
		report.Tier = HealthDegraded
	}
	return report
}
