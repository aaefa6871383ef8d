// Package scheduler owns the daemon's periodic loops and the proxy
// listener, coordinating shutdown with context cancellation and a
// WaitGroup.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"gpumon/internal/classifier"
	"gpumon/internal/config"
	"gpumon/internal/errkind"
	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
	"gpumon/internal/processinfo"
	"gpumon/internal/sink"
	"gpumon/internal/storage"
)

const llmMonitorInterval = 5 * time.Second
const maintenanceInterval = time.Hour
const shutdownDeadline = 30 * time.Second
const dbTxTimeout = 10 * time.Second

// Scheduler wires together every component and runs the daemon's
// lifecycle until its context is canceled.
type Scheduler struct {
	cfg    *config.Config
	logger *zap.Logger

	backend    *gpu.Backend
	table      *processinfo.Table
	classifier *classifier.Classifier
	store      *storage.Store
	archiver   *storage.Archiver
	sinks      *sink.FanOut
	proxy      *llmproxy.Proxy
	httpServer *http.Server

	httpClient *http.Client
}

// New assembles a Scheduler from already-initialized components.
func New(cfg *config.Config, logger *zap.Logger, backend *gpu.Backend, store *storage.Store,
	archiver *storage.Archiver, sinks *sink.FanOut, proxy *llmproxy.Proxy) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		table:      processinfo.New(),
		classifier: classifier.New(rulesFrom(cfg)),
		store:      store,
		archiver:   archiver,
		sinks:      sinks,
		proxy:      proxy,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func rulesFrom(cfg *config.Config) classifier.Rules {
	return classifier.Rules{
		GamingUtilThreshold: cfg.Classifier.GamingUtilThreshold,
		GameBinaryGlobs:     cfg.Classifier.GameBinaryGlobs,
		HeavyMemoryBytes:    cfg.Classifier.HeavyMemoryBytes,
		HeavyResidencySecs:  cfg.Classifier.HeavyResidencySecs,
		ModelServerBinary:   cfg.Classifier.ModelServerBinary,
	}
}

// Run starts all loops and the proxy listener, blocking until ctx is
// canceled (by a caught signal or an unrecoverable loop error), then
// drains everything within shutdownDeadline.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		cancel()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.samplingLoop(runCtx, fail)
	}()

	if s.cfg.LLM.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.llmMonitorLoop(runCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(runCtx)
	}()

	if s.cfg.LLM.EnableProxy && s.proxy != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runProxyListener(runCtx, fail)
		}()
	}

	<-runCtx.Done()
	s.shutdown()
	wg.Wait()

	return firstErr
}

// samplingLoop is the sampling loop: poll -> refresh -> classify ->
// persist -> fan out, once per poll_interval_secs on a clock edge.
func (s *Scheduler) samplingLoop(ctx context.Context, fail func(error)) {
	ticker := time.NewTicker(s.cfg.Service.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now, fail)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time, fail func(error)) {
	snapshots, err := s.backend.Poll()
	if err != nil {
		if gpu.IsTransient(err) {
			s.logger.Warn("scheduler: gpu poll transient failure, skipping tick", zap.Error(err))
			return
		}
		fail(errkind.New(errkind.GpuInitFailed, err))
		return
	}

	if err := s.table.Refresh(ctx); err != nil {
		s.logger.Warn("scheduler: process table refresh failed, skipping tick", zap.Error(err))
		return
	}

	records := s.classifier.Classify(now, snapshots, s.table)

	if err := s.writeTickWithRetry(ctx, now, snapshots, records); err != nil {
		// StorageWriteFailed is a per-tick error kind, not StorageFatal
		// (errkind.Fatal): a bad write drops this tick's rows but the
		// scheduler keeps sampling.
		s.logger.Warn("scheduler: failed to persist tick, dropping batch", zap.Error(err))
	}

	for _, snap := range snapshots {
		s.sinks.RecordDevice(snap)
	}
}

// storageRetryDelay is how long a failed tick write waits before one
// retry; a second failure logs at warn and drops the batch.
const storageRetryDelay = 50 * time.Millisecond

func (s *Scheduler) writeTickWithRetry(ctx context.Context, now time.Time, snapshots []gpu.DeviceSnapshot, records []classifier.Record) error {
	txCtx, cancel := context.WithTimeout(ctx, dbTxTimeout)
	err := s.store.WriteTick(txCtx, now, snapshots, records)
	cancel()
	if err == nil {
		return nil
	}

	select {
	case <-time.After(storageRetryDelay):
	case <-ctx.Done():
		return err
	}

	txCtx, cancel = context.WithTimeout(ctx, dbTxTimeout)
	err = s.store.WriteTick(txCtx, now, snapshots, records)
	cancel()
	return err
}

// llmMonitorLoop polls the upstream model server's presence endpoint
// every 5s and reports it via a gauge; it never creates sessions, since
// those come from the proxy observing real traffic.
func (s *Scheduler) llmMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(llmMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportPresence(ctx)
		}
	}
}

func (s *Scheduler) reportPresence(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.cfg.LLM.APIURL+"/api/tags", nil)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Do(req)
	up := err == nil && resp != nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	s.sinks.RecordPresence(up)
	s.logger.Debug("scheduler: llm backend presence check", zap.Bool("up", up))
}

// maintenanceLoop runs retention/archival once an hour.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.archiver.Run(ctx, now); err != nil {
				s.logger.Warn("scheduler: maintenance pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runProxyListener(ctx context.Context, fail func(error)) {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.LLM.ProxyPort),
		Handler: s.proxy.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("scheduler: proxy listener failed", zap.Error(err))
			fail(errkind.New(errkind.ProxyListenFailed, err))
		}
	}
}

// shutdown drains the proxy listener within shutdownDeadline and closes
// the sink fan-out; loops observe context cancellation independently.
func (s *Scheduler) shutdown() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("scheduler: proxy shutdown did not complete cleanly", zap.Error(err))
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	s.sinks.Close(closeCtx)
}
