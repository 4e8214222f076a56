// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all engine counters and gauges.
type Metrics struct {
	EngineStatus   prometheus.Gauge
	FramesReceived prometheus.Counter
	FramesMatched  *prometheus.CounterVec
	FramesDropped  prometheus.Counter
	AdapterErrors  prometheus.Counter
	DispatchErrors prometheus.Counter
	ResponderBeats prometheus.Counter
	TransmitErrors prometheus.Counter
}

// New creates an unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		EngineStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hpboard",
			Subsystem: "engine",
			Name:      "status",
			Help:      "Engine status (0=stopped, 1=running)",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpboard",
			Subsystem: "can",
			Name:      "frames_received_total",
			Help:      "Total frames read from the bus adapter",
		}),
		FramesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpboard",
			Subsystem: "can",
			Name:      "frames_matched_total",
			Help:      "Total frames matched per software filter rule",
		}, []string{"rule"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpboard",
			Subsystem: "can",
			Name:      "frames_dropped_total",
			Help:      "Total malformed frames discarded",
		}),
		AdapterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpboard",
			Subsystem: "can",
			Name:      "adapter_errors_total",
			Help:      "Total transient bus adapter read errors",
		}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpboard",
			Subsystem: "engine",
			Name:      "dispatch_errors_total",
			Help:      "Total dispatch events with no registered handler",
		}),
		ResponderBeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpboard",
			Subsystem: "responder",
			Name:      "beats_total",
			Help:      "Total status frames transmitted by the responder",
		}),
		TransmitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpboard",
			Subsystem: "responder",
			Name:      "transmit_errors_total",
			Help:      "Total responder transmit failures",
		}),
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.EngineStatus,
		m.FramesReceived,
		m.FramesMatched,
		m.FramesDropped,
		m.AdapterErrors,
		m.DispatchErrors,
		m.ResponderBeats,
		m.TransmitErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts an HTTP server exposing /metrics for the registry. The
// returned server should be shut down by the caller.
func Serve(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
