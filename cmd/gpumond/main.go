// Command gpumond is the GPU/LLM monitoring daemon: a single binary
// with no positional arguments, configured from a TOML file with
// GPUMON_-prefixed environment overrides.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gpumon/internal/config"
	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
	"gpumon/internal/scheduler"
	"gpumon/internal/sink"
	"gpumon/internal/storage"
)

// Exit codes: 0 clean shutdown, 1 start-up failure, 2 runtime fatal.
const (
	exitOK          = 0
	exitStartupFail = 1
	exitRuntimeFail = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpumond: config: %v\n", err)
		return exitStartupFail
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpumond: logger: %v\n", err)
		return exitStartupFail
	}
	defer logger.Sync()

	backend, err := gpu.Init(logger, cfg.GPU.EnableLibrary, cfg.GPU.FallbackToCLI)
	if err != nil {
		logger.Error("gpu backend init failed", zap.Error(err))
		return exitStartupFail
	}
	defer backend.Close()

	store, err := storage.Open(cfg.DatabasePath(), logger)
	if err != nil {
		logger.Error("storage open failed", zap.Error(err))
		return exitStartupFail
	}
	defer store.Close()

	archiver := storage.NewArchiver(store, cfg.Storage.ArchiveDir, cfg.Storage.RetentionDays, cfg.Storage.EnableParquetArchive, logger)

	sinks, cleanupSinks := buildSinks(cfg, logger)
	defer cleanupSinks()

	var proxy *llmproxy.Proxy
	if cfg.LLM.EnableProxy {
		proxy, err = llmproxy.New(cfg.LLM.BackendURL, sinks, logger)
		if err != nil {
			logger.Error("proxy init failed", zap.Error(err))
			return exitStartupFail
		}
	}

	sched := scheduler.New(cfg, logger, backend, store, archiver, sinks, proxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler stopped with error", zap.Error(err))
		return exitRuntimeFail
	}

	return exitOK
}

// buildSinks assembles the configured concrete sinks and returns a
// cleanup function that shuts down anything requiring a network
// teardown (currently only the OTLP exporter).
func buildSinks(cfg *config.Config, logger *zap.Logger) (*sink.FanOut, func()) {
	var sinks []sink.Sink
	cleanup := func() {}

	if cfg.Telemetry.EnablePrometheus {
		promSink, registry := sink.NewPrometheusSink()
		sinks = append(sinks, promSink)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort), Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("prometheus metrics server stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Telemetry.EnableOTLP {
		otlpSink, err := sink.NewOTLPSink(context.Background(), cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			logger.Warn("otlp sink init failed, continuing without it", zap.Error(err))
		} else {
			sinks = append(sinks, otlpSink)
			cleanup = func() { otlpSink.Close() }
		}
	}

	return sink.NewFanOut(logger, sinks...), cleanup
}
