// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Acquisition results.
const (
	ResultAcquired        = "acquired"
	ResultConnectionError = "connection_error"
	ResultAcquireError    = "acquire_error"
	ResultAlreadyHeld     = "already_held"
)

// Release results.
const (
	ResultReleased = "released"
	ResultNotHeld  = "not_held"
	ResultError    = "error"
)

var (
	// LockAcquisitions tracks acquisition attempts by result.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisory_lock_acquisitions_total",
			Help: "Total advisory lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	// LockWaitDuration tracks time spent opening a session and waiting for the grant.
	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "advisory_lock_wait_duration_seconds",
			Help:    "Time from acquisition start until the lock was granted, in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120, 600},
		},
	)

	// LockHeldDuration tracks how long locks were held.
	LockHeldDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "advisory_lock_held_duration_seconds",
			Help:    "Time between grant and release of an advisory lock, in seconds",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 30, 120, 600, 3600},
		},
	)

	// LocksHeld tracks advisory locks currently held by this process.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "advisory_locks_held",
			Help: "Current number of advisory locks held by this process",
		},
	)

	// LockReleases tracks releases by result.
	LockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisory_lock_releases_total",
			Help: "Total advisory lock releases by result",
		},
		[]string{"result"},
	)

	// LeadershipTransitions tracks leader election events.
	LeadershipTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadership_transitions_total",
			Help: "Total leadership transitions by event (acquired/lost/released)",
		},
		[]string{"event"},
	)

	// IsLeader reports 1 while this process is the leader.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leader",
			Help: "1 if this process currently holds leadership, 0 otherwise",
		},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RegisterMetricsEndpointWithPath registers the metrics endpoint at a custom path.
func RegisterMetricsEndpointWithPath(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordLockAcquisition records an acquisition attempt.
func RecordLockAcquisition(result string) {
	LockAcquisitions.WithLabelValues(result).Inc()
}

// RecordLockWait records how long an acquisition waited before the grant.
func RecordLockWait(seconds float64) {
	LockWaitDuration.Observe(seconds)
}

// RecordLockHeld records how long a lock was held.
func RecordLockHeld(seconds float64) {
	LockHeldDuration.Observe(seconds)
}

// IncLocksHeld increments the held locks gauge.
func IncLocksHeld() {
	LocksHeld.Inc()
}

// DecLocksHeld decrements the held locks gauge.
func DecLocksHeld() {
	LocksHeld.Dec()
}

// RecordLockRelease records a release.
func RecordLockRelease(result string) {
	LockReleases.WithLabelValues(result).Inc()
}

// RecordLeadershipTransition records a leadership event and updates the leader gauge.
func RecordLeadershipTransition(event string, leader bool) {
	LeadershipTransitions.WithLabelValues(event).Inc()
	if leader {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
}
