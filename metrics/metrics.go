// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Metrics
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Prometheus Collectors for Workers, Triggers, Rings and the Logger
//
// Description:
//   Every kernel instance owns its own registry, so two kernels in one process (tests) never
//   collide on collector names.  A nil *Metrics is a valid value: each recording method checks
//   the receiver and returns immediately, which keeps the cyclic paths free of branches on
//   "metrics enabled" in the callers.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtkernel"

// Metrics groups the kernel collectors and the registry they live in.
type Metrics struct {
	Registry *prometheus.Registry

	WorkerCycles   *prometheus.CounterVec
	WorkerOverruns *prometheus.CounterVec
	StepFailures   *prometheus.CounterVec
	StepSeconds    *prometheus.HistogramVec
	TriggerTicks   *prometheus.CounterVec
	RingEvicted    *prometheus.CounterVec
	LogDropped     prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		WorkerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_cycles_total",
			Help:      "Module list executions per kernel worker",
		}, []string{"worker"}),

		WorkerOverruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_overruns_total",
			Help:      "Triggers that arrived while the worker was still executing its modules",
		}, []string{"worker"}),

		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_step_failures_total",
			Help:      "Module steps that returned an error or panicked",
		}, []string{"module"}),

		StepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_step_seconds",
			Help:      "Duration of one module step",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2},
		}, []string{"module"}),

		TriggerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_dispatch_total",
			Help:      "Ticks fanned out by a trigger device",
		}, []string{"device"}),

		RingEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_evicted_bytes_total",
			Help:      "Bytes dropped by byte rings to make room for newer data",
		}, []string{"ring"}),

		LogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_dropped_total",
			Help:      "Log messages dropped because the record pool was exhausted",
		}),
	}

	m.Registry.MustRegister(
		m.WorkerCycles,
		m.WorkerOverruns,
		m.StepFailures,
		m.StepSeconds,
		m.TriggerTicks,
		m.RingEvicted,
		m.LogDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) WorkerCycle(worker string) {
	if m == nil {
		return
	}
	m.WorkerCycles.WithLabelValues(worker).Inc()
}

func (m *Metrics) WorkerOverrun(worker string) {
	if m == nil {
		return
	}
	m.WorkerOverruns.WithLabelValues(worker).Inc()
}

// ModuleStep records the duration of one step and, when failed, a failure.
func (m *Metrics) ModuleStep(module string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.StepSeconds.WithLabelValues(module).Observe(d.Seconds())
	if failed {
		m.StepFailures.WithLabelValues(module).Inc()
	}
}

func (m *Metrics) TriggerDispatch(device string) {
	if m == nil {
		return
	}
	m.TriggerTicks.WithLabelValues(device).Inc()
}

func (m *Metrics) RingEvict(ring string, n int) {
	if m == nil {
		return
	}
	m.RingEvicted.WithLabelValues(ring).Add(float64(n))
}

func (m *Metrics) LogDrop() {
	if m == nil {
		return
	}
	m.LogDropped.Inc()
}
