// Package metrics provides Prometheus metrics for the replication daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subvolsync"

// Session roles, used as a metric label to distinguish which side of a
// connection recorded an event.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Session outcomes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Transfer directions for byte counters.
const (
	DirectionTx = "tx"
	DirectionRx = "rx"
)

var (
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of replication sessions by role and outcome",
		},
		[]string{"role", "status"},
	)

	sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of a full replication session (handshake through final Done)",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		},
		[]string{"role"},
	)

	handshakeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of failed handshakes by role and RemoteErrorKind",
		},
		[]string{"role", "kind"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total ciphertext bytes moved by volume and direction",
		},
		[]string{"volume", "direction"},
	)

	chunkLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_send_latency_seconds",
			Help:      "Latency of sending one wire.Chunk frame (write + peer ack pipeline)",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3.3s
		},
	)

	snapshotsReplicatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_replicated_total",
			Help:      "Total number of snapshots successfully replicated by volume and kind",
		},
		[]string{"volume", "kind"},
	)
)

// RecordSession records the terminal outcome and duration of one session.
func RecordSession(role, status string, duration time.Duration) {
	sessionsTotal.WithLabelValues(role, status).Inc()
	sessionDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordHandshakeFailure records a handshake failure, labeled with the
// RemoteErrorKind's string form (e.g. "unauthorized", "illegal_transition").
func RecordHandshakeFailure(role, kind string) {
	handshakeFailuresTotal.WithLabelValues(role, kind).Inc()
}

// RecordBytes adds n bytes to the counter for volume and direction.
func RecordBytes(volume, direction string, n int) {
	bytesTotal.WithLabelValues(volume, direction).Add(float64(n))
}

// RecordChunkLatency observes how long one Chunk send took.
func RecordChunkLatency(d time.Duration) {
	chunkLatency.Observe(d.Seconds())
}

// RecordSnapshotReplicated increments the completed-transfer counter for
// volume/kind after a successful finalize.
func RecordSnapshotReplicated(volume, kind string) {
	snapshotsReplicatedTotal.WithLabelValues(volume, kind).Inc()
}

// SessionTimer times one session end-to-end and records its outcome on
// ObserveSuccess/ObserveError, mirroring the teacher's OperationTimer.
type SessionTimer struct {
	start time.Time
	role  string
}

// NewSessionTimer starts timing a session for the given role.
func NewSessionTimer(role string) *SessionTimer {
	return &SessionTimer{start: time.Now(), role: role}
}

// ObserveSuccess records a cleanly completed session.
func (t *SessionTimer) ObserveSuccess() {
	RecordSession(t.role, StatusSuccess, time.Since(t.start))
}

// ObserveError records a session that ended in error.
func (t *SessionTimer) ObserveError() {
	RecordSession(t.role, StatusError, time.Since(t.start))
}
