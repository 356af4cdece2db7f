package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "taptunnel"

type metrics struct {
	outstanding    prometheus.Gauge
	interests      *prometheus.CounterVec
	completions    *prometheus.CounterVec
	deliveredBytes prometheus.Counter

	producerInterests *prometheus.CounterVec
	piggybackBytes    prometheus.Counter
	servedBytes       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		outstanding: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "outstanding",
			Help:      "Interests expressed and not yet completed.",
		}),
		interests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "interests_total",
			Help:      "Interests expressed, by whether they carried a piggybacked frame.",
		}, []string{"kind"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "completions_total",
			Help:      "Interest completions by outcome.",
		}, []string{"outcome"}),
		deliveredBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "delivered_bytes_total",
			Help:      "Data content bytes handed to the TAP device.",
		}),
		producerInterests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "producer",
			Name:      "interests_total",
			Help:      "Interests answered by the producer, by reply kind.",
		}, []string{"result"}),
		piggybackBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "producer",
			Name:      "piggyback_bytes_total",
			Help:      "Bytes received in the Exclude filter of incoming Interests.",
		}),
		servedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "producer",
			Name:      "served_bytes_total",
			Help:      "Data content bytes sent to the peer.",
		}),
	}
}

// registerQueue exposes the outbound queue depth and drop count.
func registerQueue(reg prometheus.Registerer, size func() int, dropped func() uint64) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "frames",
		Help:      "Outbound frames waiting.",
	}, func() float64 { return float64(size()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "dropped_frames_total",
		Help:      "Outbound frames dropped because the queue was full.",
	}, func() float64 { return float64(dropped()) })
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
