package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"gpumon/internal/classifier"
	"gpumon/internal/config"
	"gpumon/internal/gpu"
	"gpumon/internal/processinfo"
	"gpumon/internal/sink"
	"gpumon/internal/storage"
)

func TestSamplingLoopPersistsOneTransactionPerTick(t *testing.T) {
	cfg := config.Default()
	cfg.Service.PollIntervalSecs = 1
	cfg.LLM.Enabled = false
	cfg.LLM.EnableProxy = false

	store, err := storage.Open(filepath.Join(t.TempDir(), "gpumon.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	archiver := storage.NewArchiver(store, t.TempDir(), cfg.Storage.RetentionDays, false, zap.NewNop())
	fanOut := sink.NewFanOut(zap.NewNop())

	s := &Scheduler{
		cfg:        cfg,
		logger:     zap.NewNop(),
		table:      processinfo.New(),
		classifier: classifier.New(classifier.DefaultRules()),
		store:      store,
		archiver:   archiver,
		sinks:      fanOut,
		httpClient: nil,
	}

	stub := &stubBackend{
		snapshots: []gpu.DeviceSnapshot{
			{Index: 0, UtilizationGPU: 42, MemoryUsedBytes: 2_000_000_000, MemoryTotalBytes: 8_000_000_000, TemperatureC: 55, PowerUsageWatts: 120},
			{Index: 1, UtilizationGPU: 0, MemoryUsedBytes: 0, MemoryTotalBytes: 8_000_000_000, TemperatureC: 40, PowerUsageWatts: 30},
		},
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		snaps, err := stub.Poll()
		if err != nil {
			t.Fatalf("stub poll: %v", err)
		}
		if err := s.table.Refresh(ctx); err != nil {
			t.Fatalf("table refresh: %v", err)
		}
		records := s.classifier.Classify(time.Now(), snaps, s.table)
		if err := s.store.WriteTick(ctx, time.Now(), snaps, records); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM gpu_metrics`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 20 {
		t.Fatalf("expected 20 gpu_metrics rows across 10 ticks of 2 devices, got %d", count)
	}
}

type stubBackend struct {
	snapshots []gpu.DeviceSnapshot
}

func (b *stubBackend) Poll() ([]gpu.DeviceSnapshot, error) {
	return b.snapshots, nil
}
