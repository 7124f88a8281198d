// Package metrics exposes relay metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

const namespace = "zwaverelay"

// Driver state values reported by the driver_state gauge.
const (
	DriverUninitialized = 0
	DriverStarting      = 1
	DriverReady         = 2
	DriverStopped       = 3
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics holds the relay's own metrics.
type AppMetrics struct {
	WSClients          prometheus.Gauge
	WSMessages         *prometheus.CounterVec // labels: type, result
	VendorFrames       *prometheus.CounterVec // labels: direction, result
	VendorFrameSeconds prometheus.Histogram
	DriverState        prometheus.Gauge
	InterceptedTotal   *prometheus.CounterVec // labels: node_id
}

// Ensure AppMetrics implements zwave.FrameObserver.
var _ zwave.FrameObserver = (*AppMetrics)(nil)

// NewAppMetrics registers and returns the relay metrics.
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected WebSocket clients.",
		}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket requests handled, by message type and outcome.",
		}, []string{"type", "result"}),
		VendorFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_frames_total",
			Help:      "Manufacturer Proprietary frames sent or intercepted.",
		}, []string{"direction", "result"}),
		VendorFrameSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vendor_frame_duration_seconds",
			Help:      "Time to deliver one outbound vendor frame.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		DriverState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver_state",
			Help:      "Driver gate state: 0 uninitialized, 1 starting, 2 ready, 3 stopped.",
		}),
		InterceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercepted_commands_total",
			Help:      "Manufacturer Proprietary frames intercepted, by node.",
		}, []string{"node_id"}),
	}
	reg.MustRegister(m.WSClients, m.WSMessages, m.VendorFrames, m.VendorFrameSeconds, m.DriverState, m.InterceptedTotal)
	return m
}

// ObserveFrame implements zwave.FrameObserver.
func (m *AppMetrics) ObserveFrame(rec zwave.FrameRecord) {
	result := "ok"
	if !rec.Success {
		result = "error"
	}
	m.VendorFrames.WithLabelValues(string(rec.Direction), result).Inc()
	if rec.Direction == zwave.DirectionOutbound {
		m.VendorFrameSeconds.Observe(rec.Duration.Seconds())
	} else {
		m.InterceptedTotal.WithLabelValues(strconv.Itoa(rec.NodeID)).Inc()
	}
}

// ObserveMessage counts one handled WebSocket request.
func (m *AppMetrics) ObserveMessage(msgType, result string) {
	m.WSMessages.WithLabelValues(msgType, result).Inc()
}

// SetClients reports the current WebSocket client count.
func (m *AppMetrics) SetClients(n int) {
	m.WSClients.Set(float64(n))
}

// SetDriverState reports the driver gate state.
func (m *AppMetrics) SetDriverState(state int) {
	m.DriverState.Set(float64(state))
}
