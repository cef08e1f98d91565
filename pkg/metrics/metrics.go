package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Machine pool metrics
	MachinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cuckoonode_machines_total",
			Help: "Total number of registered machines by state",
		},
		[]string{"state"},
	)

	MachinesDisabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuckoonode_machines_disabled_total",
			Help: "Total number of disabled machines",
		},
	)

	// Machinery Manager metrics
	MachineryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuckoonode_machinery_queue_depth",
			Help: "Number of action work items currently queued",
		},
	)

	MachineryWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuckoonode_machinery_waiters",
			Help: "Number of action work items currently polling for their expected state",
		},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cuckoonode_machinery_action_duration_seconds",
			Help:    "Time from action invocation to success or failure",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 180, 300},
		},
		[]string{"action"},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoonode_machinery_actions_total",
			Help: "Total number of actions executed by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// Result Server metrics
	UploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoonode_resultserver_upload_bytes_total",
			Help: "Total bytes accepted by the result server by protocol",
		},
		[]string{"protocol"},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoonode_resultserver_uploads_total",
			Help: "Total uploads by protocol and outcome (ok, truncated, rejected)",
		},
		[]string{"protocol", "outcome"},
	)

	MappedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuckoonode_resultserver_mapped_ips",
			Help: "Number of guest IPs currently mapped to a task",
		},
	)

	// Task Flow Runner metrics
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuckoonode_tasks_in_flight",
			Help: "Number of tasks currently running",
		},
	)

	TaskFlowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cuckoonode_taskflow_duration_seconds",
			Help:    "Wall time of a task flow from RUNNING to a terminal state",
			Buckets: []float64{5, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoonode_tasks_completed_total",
			Help: "Total tasks that reached a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	// Event stream metrics
	EventsEmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoonode_events_emitted_total",
			Help: "Total events appended to the event stream",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MachinesTotal,
		MachinesDisabled,
		MachineryQueueDepth,
		MachineryWaiters,
		ActionDuration,
		ActionsTotal,
		UploadBytesTotal,
		UploadsTotal,
		MappedIPs,
		TasksInFlight,
		TaskFlowDuration,
		TasksCompletedTotal,
		EventsEmittedTotal,
	)
}

// Handler returns the Prometheus HTTP handler, served by whatever external
// HTTP surface the deployment wires up; exposing it is out of this core's
// scope, but the registry itself lives here.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
