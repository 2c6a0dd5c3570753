// Package telemetry adapts the core's Recorder seam (internal/queue.Recorder)
// to Prometheus, so queue.Queue, Worker, and Scheduler never import the
// metrics library directly.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	added       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_added_total", Help: "Jobs added to a queue"}, []string{"queue"})
	active      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_active_total", Help: "Jobs moved to active"}, []string{"queue"})
	completed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	failed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_failed_total", Help: "Jobs moved to failed"}, []string{"queue"})
	stalled     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_stalled_total", Help: "Jobs recovered or failed by stall detection"}, []string{"queue"})
	rateLimited = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "jobqueue_rate_limit_delay_seconds", Help: "Delay imposed by the rate limiter"}, []string{"queue"})
)

// Recorder implements internal/queue.Recorder over the package-level
// Prometheus collectors above.
type Recorder struct{}

// NewRecorder registers the collectors exactly once and returns a Recorder.
func NewRecorder() Recorder {
	once.Do(func() {
		prometheus.MustRegister(added, active, completed, failed, stalled, rateLimited)
	})
	return Recorder{}
}

func (Recorder) OnAdded(queue string)     { added.WithLabelValues(queue).Inc() }
func (Recorder) OnActive(queue string)    { active.WithLabelValues(queue).Inc() }
func (Recorder) OnCompleted(queue string) { completed.WithLabelValues(queue).Inc() }
func (Recorder) OnFailed(queue string)    { failed.WithLabelValues(queue).Inc() }

func (Recorder) OnStalled(queue string, count int) {
	stalled.WithLabelValues(queue).Add(float64(count))
}

func (Recorder) OnRateLimited(queue string, delay time.Duration) {
	rateLimited.WithLabelValues(queue).Observe(delay.Seconds())
}

// Handler exposes the /metrics HTTP endpoint.
func Handler() http.Handler {
	NewRecorder()
	return promhttp.Handler()
}
