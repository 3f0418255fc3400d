package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Cache metrics, labelled by cache name ("cases", "sessions")
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec

	// Durable flush metrics, labelled by result ("success", "failure", "ephemeral")
	SessionFlushes *prometheus.CounterVec

	// Encounter metrics
	EncounterTurns   prometheus.Counter
	TurnLatency      prometheus.Histogram
	PolicyRejections *prometheus.CounterVec // kind: "action" or "content"
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oscesim_cache_hits_total",
			Help: "Total number of cache hits by cache name",
		}, []string{"cache"}),

		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oscesim_cache_misses_total",
			Help: "Total number of cache misses by cache name",
		}, []string{"cache"}),

		CacheEvictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oscesim_cache_evictions_total",
			Help: "Total number of expired entries removed by the eviction sweep",
		}, []string{"cache"}),

		SessionFlushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oscesim_session_flushes_total",
			Help: "Total number of dirty-session flush attempts by result",
		}, []string{"result"}),

		EncounterTurns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oscesim_encounter_turns_total",
			Help: "Total number of learner utterances processed",
		}),

		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "oscesim_encounter_turn_duration_seconds",
			Help:    "End-to-end turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		PolicyRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oscesim_policy_rejections_total",
			Help: "Total number of responder outputs rewritten by the stage gate",
		}, []string{"kind"}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance (nil until InitMetrics runs,
// e.g. in unit tests)
func GetMetrics() *Metrics {
	return globalMetrics
}

func (m *Metrics) incCacheHit(cache string) {
	if m != nil {
		m.CacheHits.WithLabelValues(cache).Inc()
	}
}

func (m *Metrics) incCacheMiss(cache string) {
	if m != nil {
		m.CacheMisses.WithLabelValues(cache).Inc()
	}
}

func (m *Metrics) addCacheEvictions(cache string, n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.WithLabelValues(cache).Add(float64(n))
	}
}

func (m *Metrics) incSessionFlush(result string) {
	if m != nil {
		m.SessionFlushes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incPolicyRejection(kind string) {
	if m != nil {
		m.PolicyRejections.WithLabelValues(kind).Inc()
	}
}
