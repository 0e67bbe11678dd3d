package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the small set of prometheus gauges/counters OCR's telemetry
// exit surface calls for: EDT execution/failure counts, PD message
// traffic, and a workpile-depth gauge polled by runtime.go's
// pollWorkpileDepth ticker. Registers a handful of named counters/gauges
// at construction time rather than using prometheus's default global
// registry, so two Runtimes in one process (the scenario tests' two-PD
// setup) never collide on metric names.
type Metrics struct {
	edtsExecuted prometheus.Counter
	edtsFailed   prometheus.Counter
	msgsSent     prometheus.Counter
	msgsReceived prometheus.Counter
	workpile     prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		edtsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocr_edts_executed_total",
			Help: "EDTs retired by a worker, whether their body completed or they failed.",
		}),
		edtsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocr_edts_failed_total",
			Help: "EDTs whose body returned an error or that inherited one from a dependence slot.",
		}),
		msgsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocr_pd_messages_sent_total",
			Help: "Cross-PD messages sent by this Runtime's pump.",
		}),
		msgsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocr_pd_messages_received_total",
			Help: "Cross-PD messages dispatched by this Runtime's pump.",
		}),
		workpile: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_workpile_depth",
			Help: "Sum of runnable EDTs across every worker's own deque.",
		}),
	}
	reg.MustRegister(m.edtsExecuted, m.edtsFailed, m.msgsSent, m.msgsReceived, m.workpile)
	return m
}

func (m *Metrics) setWorkpileDepth(n int) { m.workpile.Set(float64(n)) }
