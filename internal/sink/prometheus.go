package sink

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
)

// PrometheusSink exposes device and session metrics as
// prometheus/client_golang gauges, satisfying Testable Property
// scenario 1's gpu_utilization{gpu_id="0"} assertion. No in-pack repo
// imports a Prometheus client; named as an out-of-pack ecosystem pick
// (see DESIGN.md).
type PrometheusSink struct {
	registry *prometheus.Registry

	gpuUtilization *prometheus.GaugeVec
	gpuMemoryUsed  *prometheus.GaugeVec
	gpuTemperature *prometheus.GaugeVec
	gpuPowerWatts  *prometheus.GaugeVec

	sessionTokensPerSecond prometheus.Histogram
	sessionTTFTMs          prometheus.Histogram
	llmBackendUp           prometheus.Gauge
}

// NewPrometheusSink registers its collectors on a fresh registry and
// returns both; the caller mounts registry on an HTTP handler.
func NewPrometheusSink() (*PrometheusSink, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	s := &PrometheusSink{
		registry: reg,
		gpuUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_utilization",
			Help: "GPU compute utilization percentage.",
		}, []string{"gpu_id"}),
		gpuMemoryUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_memory_used_bytes",
			Help: "GPU memory used, in bytes.",
		}, []string{"gpu_id"}),
		gpuTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_temperature_celsius",
			Help: "GPU temperature in degrees Celsius.",
		}, []string{"gpu_id"}),
		gpuPowerWatts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpu_power_usage_watts",
			Help: "GPU power draw in watts.",
		}, []string{"gpu_id"}),
		sessionTokensPerSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_session_tokens_per_second",
			Help:    "Completion throughput of finalized LLM sessions.",
			Buckets: prometheus.DefBuckets,
		}),
		sessionTTFTMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_session_time_to_first_token_ms",
			Help:    "Time to first token of finalized LLM sessions, in milliseconds.",
			Buckets: prometheus.DefBuckets,
		}),
		llmBackendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_backend_up",
			Help: "1 if the upstream LLM backend answered its presence check, else 0.",
		}),
	}

	reg.MustRegister(s.gpuUtilization, s.gpuMemoryUsed, s.gpuTemperature, s.gpuPowerWatts,
		s.sessionTokensPerSecond, s.sessionTTFTMs, s.llmBackendUp)

	return s, reg
}

func (s *PrometheusSink) RecordDevice(snap gpu.DeviceSnapshot) {
	id := strconv.Itoa(snap.Index)
	s.gpuUtilization.WithLabelValues(id).Set(float64(snap.UtilizationGPU))
	s.gpuMemoryUsed.WithLabelValues(id).Set(float64(snap.MemoryUsedBytes))
	s.gpuTemperature.WithLabelValues(id).Set(float64(snap.TemperatureC))
	s.gpuPowerWatts.WithLabelValues(id).Set(snap.PowerUsageWatts)
}

func (s *PrometheusSink) RecordSession(sess llmproxy.Session) {
	if !sess.Ended {
		return
	}
	if sess.TokensPerSecond != nil {
		s.sessionTokensPerSecond.Observe(*sess.TokensPerSecond)
	}
	if sess.TimeToFirstTokenMs != nil {
		s.sessionTTFTMs.Observe(*sess.TimeToFirstTokenMs)
	}
}

func (s *PrometheusSink) RecordPresence(up bool) {
	if up {
		s.llmBackendUp.Set(1)
	} else {
		s.llmBackendUp.Set(0)
	}
}

func (s *PrometheusSink) Close() {}
