// Package metrics defines the Prometheus collectors exported by the queue.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskqueue"

// CodeOK labels operations that returned no error.
const CodeOK = "OK"

// Metrics holds the queue's collectors. A nil *Metrics records nothing.
type Metrics struct {
	// OperationsTotal counts facade operations by name and result code.
	OperationsTotal *prometheus.CounterVec

	// OperationDurationSeconds observes facade operation latency.
	OperationDurationSeconds *prometheus.HistogramVec

	// TasksCreatedTotal counts created tasks by urgency.
	TasksCreatedTotal *prometheus.CounterVec

	// TasksFinishedTotal counts terminal transitions by status.
	TasksFinishedTotal *prometheus.CounterVec

	// TasksClaimedTotal counts tasks handed to scalers.
	TasksClaimedTotal prometheus.Counter

	// TasksReleasedTotal counts tasks returned to the pool.
	TasksReleasedTotal prometheus.Counter

	// ClaimRounds observes how many scan rounds a batch claim needed.
	ClaimRounds prometheus.Histogram

	// ClaimRacesLostTotal counts candidates taken by a concurrent claim.
	ClaimRacesLostTotal prometheus.Counter

	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDurationSeconds observes API request latency.
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of queue operations.",
			},
			[]string{"op", "code"},
		),
		OperationDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of queue operations in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		TasksCreatedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_created_total",
				Help:      "Total number of created tasks.",
			},
			[]string{"urgency"},
		),
		TasksFinishedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of tasks moved to a terminal status.",
			},
			[]string{"status"},
		),
		TasksClaimedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_claimed_total",
				Help:      "Total number of tasks assigned to scalers.",
			},
		),
		TasksReleasedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_released_total",
				Help:      "Total number of tasks unassigned from scalers.",
			},
		),
		ClaimRounds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_rounds",
				Help:      "Scan rounds needed to fill a batch claim.",
				Buckets:   prometheus.LinearBuckets(1, 1, 8),
			},
		),
		ClaimRacesLostTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_races_lost_total",
				Help:      "Total number of candidate tasks taken by a concurrent claim.",
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP API requests.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP API requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		gatherer: reg,
	}
}

// ObserveOperation records one facade operation.
func (m *Metrics) ObserveOperation(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = CodeOK
	}
	m.OperationsTotal.WithLabelValues(op, code).Inc()
	m.OperationDurationSeconds.WithLabelValues(op).Observe(d.Seconds())
}

// TaskCreated records a created task.
func (m *Metrics) TaskCreated(urgency string) {
	if m == nil {
		return
	}
	m.TasksCreatedTotal.WithLabelValues(urgency).Inc()
}

// TaskFinished records a terminal transition.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.TasksFinishedTotal.WithLabelValues(status).Inc()
}

// TasksReleased records tasks returned to the pool.
func (m *Metrics) TasksReleased(n int) {
	if m == nil {
		return
	}
	m.TasksReleasedTotal.Add(float64(n))
}

// ClaimFinished records the outcome of a batch claim.
func (m *Metrics) ClaimFinished(claimed, rounds, lost int) {
	if m == nil {
		return
	}
	m.TasksClaimedTotal.Add(float64(claimed))
	m.ClaimRounds.Observe(float64(rounds))
	m.ClaimRacesLostTotal.Add(float64(lost))
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
