package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brickd_peers_total",
			Help: "Total number of peers by friendship state and connection status",
		},
		[]string{"friend_state", "conn_status"},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brickd_volumes_total",
			Help: "Total number of volumes by status",
		},
		[]string{"status"},
	)

	BricksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brickd_bricks_total",
			Help: "Total number of bricks by status",
		},
		[]string{"status"},
	)

	// Op-SM metrics
	ClusterLockHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brickd_cluster_lock_held",
			Help: "Whether this peer currently holds the cluster lock (1) or not (0)",
		},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brickd_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire the cluster lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	OpPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brickd_op_phase_duration_seconds",
			Help:    "Time spent in each Op-SM phase, by operation kind and phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "phase"},
	)

	OpsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brickd_ops_committed_total",
			Help: "Total number of operations that reached commit",
		},
		[]string{"op"},
	)

	OpsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brickd_ops_failed_total",
			Help: "Total number of operations that failed before commit",
		},
		[]string{"op", "phase"},
	)

	// Volfile metrics
	VolfileGenerateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brickd_volfile_generate_duration_seconds",
			Help:    "Time taken to generate a volfile, by role",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	// Brick process metrics
	BrickProcessUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brickd_brick_process_up",
			Help: "Whether a brick's server process is up (1) or down (0)",
		},
		[]string{"brick"},
	)

	// RDMA transport metrics
	RDMASendCredits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brickd_rdma_send_credits",
			Help: "Current send credits available per RDMA peer",
		},
		[]string{"peer", "queue"},
	)

	RDMAPostPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brickd_rdma_post_pool_size",
			Help: "Number of posts in the active/passive pool, by queue and list",
		},
		[]string{"queue", "list"},
	)
)

func init() {
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(BricksTotal)
	prometheus.MustRegister(ClusterLockHeld)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(OpPhaseDuration)
	prometheus.MustRegister(OpsCommittedTotal)
	prometheus.MustRegister(OpsFailedTotal)
	prometheus.MustRegister(VolfileGenerateDuration)
	prometheus.MustRegister(BrickProcessUp)
	prometheus.MustRegister(RDMASendCredits)
	prometheus.MustRegister(RDMAPostPoolSize)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
