package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcomes.
const (
	outcomeCompleted   = "completed"
	outcomeSoftAborted = "soft_aborted"
	outcomeHardAborted = "hard_aborted"
	outcomeInterrupted = "interrupted"
	outcomeAbandoned   = "abandoned"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_scheduler_tasks_total",
			Help: "Total number of tasks dispatched, by how they finished.",
		},
		[]string{"outcome"},
	)

	tasksRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_scheduler_tasks_rejected_total",
			Help: "Total number of submissions rejected because a queue was full.",
		},
	)

	activeQueues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_scheduler_active_queues",
			Help: "Number of computer queues waiting for a manager.",
		},
	)

	runnersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_scheduler_runners_created_total",
			Help: "Total number of runner goroutines started.",
		},
	)

	runnersDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_scheduler_runners_discarded_total",
			Help: "Total number of runners abandoned after failing to respond to aborts.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(tasksRejected)
	prometheus.MustRegister(activeQueues)
	prometheus.MustRegister(runnersCreated)
	prometheus.MustRegister(runnersDiscarded)

	// Pre-initialize outcome labels so they appear in /metrics at zero.
	for _, o := range []string{outcomeCompleted, outcomeSoftAborted, outcomeHardAborted, outcomeInterrupted, outcomeAbandoned} {
		tasksTotal.WithLabelValues(o)
	}
}
