package stream

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "simplestream"

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "frames",
			Name:      "reassembled_total",
			Help:      "Frames fully reassembled from connection streams.",
		},
	)
	framePayloadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "frames",
			Name:      "payload_bytes",
			Help:      "Payload size of reassembled frames.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 7),
		},
	)
	bytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "conn",
			Name:      "bytes_read_total",
			Help:      "Bytes read from connections and fed to reassemblers.",
		},
	)
	bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "conn",
			Name:      "bytes_written_total",
			Help:      "Framed bytes written to connections.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "conn",
			Name:      "active",
			Help:      "Connections currently running.",
		},
	)
	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "conn",
			Name:      "stream_errors_total",
			Help:      "Connections dropped because their byte stream could not be framed.",
		},
		[]string{"reason"},
	)
)

// RegisterMetrics registers the package collectors with the default prometheus
// registry. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			framePayloadBytes,
			bytesRead,
			bytesWritten,
			connectionsActive,
			streamErrors,
		)
	})
}

func recordFrame(payloadLen int) {
	framesTotal.Inc()
	framePayloadBytes.Observe(float64(payloadLen))
}

func recordBytesRead(n int) {
	bytesRead.Add(float64(n))
}

func recordBytesWritten(n int) {
	bytesWritten.Add(float64(n))
}

func recordStreamError(err error) {
	streamErrors.WithLabelValues(streamErrorReason(err)).Inc()
}

func streamErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrTruncatedFrame):
		return "truncated"
	default:
		return "other"
	}
}
