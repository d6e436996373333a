package tracking

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearth_computer_task_seconds",
			Help:    "Duration of computer tasks on worker goroutines, in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 7, 10},
		},
	)

	fieldTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_computer_field_total",
			Help: "Totals of tracked per-computer counters, summed over all computers.",
		},
		[]string{"field"},
	)
)

func init() {
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(fieldTotal)

	for _, f := range Fields {
		fieldTotal.WithLabelValues(string(f))
	}
}

// Prometheus exports tracked values as process-wide metrics. Values are not
// labelled by computer to keep cardinality bounded.
type Prometheus struct{}

var _ Tracker = Prometheus{}

// AddTaskTiming implements Tracker.
func (Prometheus) AddTaskTiming(_ string, d time.Duration) {
	taskDuration.Observe(d.Seconds())
}

// AddValue implements Tracker.
func (Prometheus) AddValue(_ string, field Field, n int64) {
	fieldTotal.WithLabelValues(string(field)).Add(float64(n))
}
