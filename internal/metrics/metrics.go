// Package metrics – liczniki prometheus dla silnika importu.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockimport"

type Metrics struct {
	reg *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RowsLoaded     *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RunsActive     prometheus.Gauge
	BusyRejections prometheus.Counter
	LoadFallbacks  prometheus.Counter
}

// New rejestruje kolektory we własnym rejestrze (nie w globalnym),
// żeby testy mogły tworzyć wiele instancji.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished import runs by terminal status",
		}, []string{"status", "mode"}),
		RowsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows loaded into destination tables by load path",
		}, []string{"path"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of import runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s .. ~68min
		}, []string{"mode"}),
		RunsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently executing in the worker pool",
		}),
		BusyRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Trigger requests rejected because the destination table was locked",
		}),
		LoadFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_load_fallbacks_total",
			Help:      "Native bulk loads that fell back to batched inserts",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.RunsActive.Inc()
	}
}

func (m *Metrics) RunStopped() {
	if m != nil {
		m.RunsActive.Dec()
	}
}

func (m *Metrics) RunFinished(status, mode, path string, rows int64, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status, mode).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(seconds)
	if rows > 0 && path != "" {
		m.RowsLoaded.WithLabelValues(path).Add(float64(rows))
	}
}

func (m *Metrics) Busy() {
	if m != nil {
		m.BusyRejections.Inc()
	}
}

func (m *Metrics) Fallback() {
	if m != nil {
		m.LoadFallbacks.Inc()
	}
}
