package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"gpumon/internal/classifier"
	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "gpumon.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteTickPersistsMetricsAndEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	snaps := []gpu.DeviceSnapshot{
		{Index: 0, Name: "GPU0", UtilizationGPU: 42, MemoryUsedBytes: 2e9, MemoryTotalBytes: 8e9, TemperatureC: 55, PowerUsageWatts: 120},
		{Index: 1, Name: "GPU1", UtilizationGPU: 0, MemoryUsedBytes: 0, MemoryTotalBytes: 8e9, TemperatureC: 40, PowerUsageWatts: 30},
	}
	recs := []classifier.Record{
		{Timestamp: now, PID: 100, Name: "ollama", Category: classifier.LLMInference, GPUMemoryBytes: 1e9, GPUUtilization: 10, DurationSeconds: 5},
	}

	if err := s.WriteTick(ctx, now, snaps, recs); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}

	var metricCount, eventCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM gpu_metrics`).Scan(&metricCount); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM process_events`).Scan(&eventCount); err != nil {
		t.Fatal(err)
	}
	if metricCount != 2 {
		t.Fatalf("expected 2 gpu_metrics rows, got %d", metricCount)
	}
	if eventCount != 1 {
		t.Fatalf("expected 1 process_events row, got %d", eventCount)
	}
}

func TestRecordSessionUpsertsById(t *testing.T) {
	s := openTestStore(t)
	tps := 3.5

	sess := llmproxy.Session{ID: "abc", Model: "m", StartTime: time.Now()}
	s.RecordSession(sess)

	sess.Ended = true
	sess.EndTime = time.Now()
	sess.CompletionTokens = 7
	sess.TokensPerSecond = &tps
	s.RecordSession(sess)

	var count int
	var completion int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM llm_sessions WHERE id = ?`, "abc").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row for session id, got %d", count)
	}
	if err := s.db.QueryRow(`SELECT completion_tokens FROM llm_sessions WHERE id = ?`, "abc").Scan(&completion); err != nil {
		t.Fatal(err)
	}
	if completion != 7 {
		t.Fatalf("expected upsert to update completion_tokens to 7, got %d", completion)
	}
}

func TestArchiverDeletesWithoutParquetWhenDisabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -30)

	if err := s.WriteTick(ctx, old, []gpu.DeviceSnapshot{{Index: 0, Name: "GPU0"}}, nil); err != nil {
		t.Fatal(err)
	}

	arch := NewArchiver(s, t.TempDir(), 7, false, zap.NewNop())
	if err := arch.Run(ctx, time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM gpu_metrics`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected expired rows dropped, got %d remaining", count)
	}
}

func TestArchiverWritesParquetAndArchiveLogWhenEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -30)

	if err := s.WriteTick(ctx, old, []gpu.DeviceSnapshot{{Index: 0, Name: "GPU0"}}, nil); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	arch := NewArchiver(s, dir, 7, true, zap.NewNop())
	if err := arch.Run(ctx, time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var hotCount, logCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM gpu_metrics`).Scan(&hotCount); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM archive_log WHERE table_name = 'gpu_metrics'`).Scan(&logCount); err != nil {
		t.Fatal(err)
	}
	if hotCount != 0 {
		t.Fatalf("expected archived rows removed from hot store, got %d remaining", hotCount)
	}
	if logCount != 1 {
		t.Fatalf("expected one archive_log entry, got %d", logCount)
	}
}

func TestArchivedParquetFileReadsBackTheArchivedRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -30).UTC()

	snaps := []gpu.DeviceSnapshot{
		{Index: 0, Name: "GPU0", UtilizationGPU: 42, MemoryUsedBytes: 2e9, MemoryTotalBytes: 8e9, TemperatureC: 55, PowerUsageWatts: 120},
		{Index: 1, Name: "GPU1", UtilizationGPU: 7, MemoryUsedBytes: 1e9, MemoryTotalBytes: 8e9, TemperatureC: 41, PowerUsageWatts: 35},
		{Index: 2, Name: "GPU2", UtilizationGPU: 91, MemoryUsedBytes: 6e9, MemoryTotalBytes: 8e9, TemperatureC: 68, PowerUsageWatts: 210},
	}
	if err := s.WriteTick(ctx, old, snaps, nil); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	arch := NewArchiver(s, dir, 7, true, zap.NewNop())
	if err := arch.Run(ctx, time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var file string
	if err := s.db.QueryRow(`SELECT parquet_file FROM archive_log WHERE table_name = 'gpu_metrics'`).Scan(&file); err != nil {
		t.Fatalf("querying archive_log for parquet_file: %v", err)
	}

	f, err := os.Open(file)
	if err != nil {
		t.Fatalf("opening archived parquet file: %v", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[GPUMetricRow](f)
	defer reader.Close()

	rows := make([]GPUMetricRow, len(snaps))
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		t.Fatalf("reading rows back: %v (read %d)", err, n)
	}
	if n != len(snaps) {
		t.Fatalf("expected %d rows read back from %s, got %d", len(snaps), file, n)
	}

	byIndex := make(map[int]GPUMetricRow, n)
	for _, r := range rows {
		byIndex[r.GPUID] = r
	}
	for _, snap := range snaps {
		got, ok := byIndex[snap.Index]
		if !ok {
			t.Fatalf("gpu index %d missing from archived file", snap.Index)
		}
		if got.Name != snap.Name || got.UtilizationGPU != snap.UtilizationGPU ||
			got.MemoryUsedBytes != snap.MemoryUsedBytes || got.TemperatureC != snap.TemperatureC ||
			got.PowerUsageWatts != snap.PowerUsageWatts {
			t.Fatalf("row for gpu %d did not round-trip: got %+v, want snapshot %+v", snap.Index, got, snap)
		}
	}
}
