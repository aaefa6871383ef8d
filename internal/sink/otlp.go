package sink

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
)

// OTLPSink exports the same device and session measurements over
// OTLP/gRPC. rkstgr-vl-gpus's ClickHouse driver pulls in
// go.opentelemetry.io/otel as a transitive dependency it never
// exercises; this sink gives that dependency a first-class purpose
// instead of leaving it an unused transitive import.
type OTLPSink struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	gpuUtilization metric.Float64Gauge
	gpuMemoryUsed  metric.Float64Gauge
	tokensPerSec   metric.Float64Histogram
	ttftMs         metric.Float64Histogram
	backendUp      metric.Int64Gauge
}

// NewOTLPSink dials endpoint (e.g. "localhost:4317") and builds a meter
// provider exporting on a periodic reader.
func NewOTLPSink(ctx context.Context, endpoint string) (*OTLPSink, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
	)
	meter := provider.Meter("gpumon")

	gpuUtilization, err := meter.Float64Gauge("gpu.utilization")
	if err != nil {
		return nil, err
	}
	gpuMemoryUsed, err := meter.Float64Gauge("gpu.memory.used_bytes")
	if err != nil {
		return nil, err
	}
	tokensPerSec, err := meter.Float64Histogram("llm.session.tokens_per_second")
	if err != nil {
		return nil, err
	}
	ttftMs, err := meter.Float64Histogram("llm.session.time_to_first_token_ms")
	if err != nil {
		return nil, err
	}
	backendUp, err := meter.Int64Gauge("llm.backend.up")
	if err != nil {
		return nil, err
	}

	return &OTLPSink{
		provider:       provider,
		meter:          meter,
		gpuUtilization: gpuUtilization,
		gpuMemoryUsed:  gpuMemoryUsed,
		tokensPerSec:   tokensPerSec,
		ttftMs:         ttftMs,
		backendUp:      backendUp,
	}, nil
}

func (s *OTLPSink) RecordDevice(snap gpu.DeviceSnapshot) {
	attrs := metric.WithAttributes(attribute.String("gpu_id", strconv.Itoa(snap.Index)))
	s.gpuUtilization.Record(context.Background(), float64(snap.UtilizationGPU), attrs)
	s.gpuMemoryUsed.Record(context.Background(), float64(snap.MemoryUsedBytes), attrs)
}

func (s *OTLPSink) RecordSession(sess llmproxy.Session) {
	if !sess.Ended {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", sess.Model))
	if sess.TokensPerSecond != nil {
		s.tokensPerSec.Record(context.Background(), *sess.TokensPerSecond, attrs)
	}
	if sess.TimeToFirstTokenMs != nil {
		s.ttftMs.Record(context.Background(), *sess.TimeToFirstTokenMs, attrs)
	}
}

func (s *OTLPSink) RecordPresence(up bool) {
	v := int64(0)
	if up {
		v = 1
	}
	s.backendUp.Record(context.Background(), v)
}

func (s *OTLPSink) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.provider.Shutdown(ctx)
}
