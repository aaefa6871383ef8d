package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"gpumon/internal/classifier"
	"gpumon/internal/errkind"
	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
)

// Store is the hot tier: a single SQLite file opened with database/sql
// over the pure-Go modernc.org/sqlite driver.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates the data directory if needed, opens (or creates) the
// database file at path, and applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errkind.New(errkind.StorageFatal, fmt.Errorf("storage: create data dir: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errkind.New(errkind.StorageFatal, fmt.Errorf("storage: open %s: %w", path, err))
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errkind.New(errkind.StorageFatal, fmt.Errorf("storage: apply schema: %w", err))
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteTick persists one sampling tick's device snapshots and
// classification records in a single transaction, so a tick is either
// fully visible or not visible at all.
func (s *Store) WriteTick(ctx context.Context, ts time.Time, snapshots []gpu.DeviceSnapshot, records []classifier.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.New(errkind.StorageWriteFailed, err)
	}
	defer tx.Rollback()

	metricStmt, err := tx.PrepareContext(ctx, `INSERT INTO gpu_metrics
		(timestamp, gpu_id, name, utilization_gpu, utilization_memory, memory_used, memory_total, temperature, power_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errkind.New(errkind.StorageWriteFailed, err)
	}
	defer metricStmt.Close()

	for _, snap := range snapshots {
		if _, err := metricStmt.ExecContext(ctx, ts, snap.Index, snap.Name, snap.UtilizationGPU,
			snap.UtilizationMemory, snap.MemoryUsedBytes, snap.MemoryTotalBytes, snap.TemperatureC, snap.PowerUsageWatts); err != nil {
			return errkind.New(errkind.StorageWriteFailed, err)
		}
	}

	eventStmt, err := tx.PrepareContext(ctx, `INSERT INTO process_events
		(timestamp, pid, name, category, gpu_memory_mb, gpu_utilization, command_line, exe_path, duration_secs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errkind.New(errkind.StorageWriteFailed, err)
	}
	defer eventStmt.Close()

	for _, rec := range records {
		gpuMemoryMB := int64(rec.GPUMemoryBytes / (1024 * 1024))
		if _, err := eventStmt.ExecContext(ctx, rec.Timestamp, rec.PID, rec.Name, string(rec.Category),
			gpuMemoryMB, rec.GPUUtilization, rec.CommandLine, rec.ExePath, rec.DurationSeconds); err != nil {
			return errkind.New(errkind.StorageWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errkind.New(errkind.StorageWriteFailed, err)
	}
	return nil
}

// RecordSession implements llmproxy.SessionRecorder: insert-then-upsert
// on the session id, so the in-flight write and the later finalize (or
// abort) write on the same session both land as a single row.
func (s *Store) RecordSession(sess llmproxy.Session) {
	var endTime any
	if sess.Ended {
		endTime = sess.EndTime
	}

	_, err := s.db.Exec(`INSERT INTO llm_sessions
		(id, start_time, end_time, model, prompt_tokens, completion_tokens, total_tokens, tokens_per_second, time_to_first_token_ms, time_per_output_token_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time = excluded.end_time,
			model = excluded.model,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			tokens_per_second = excluded.tokens_per_second,
			time_to_first_token_ms = excluded.time_to_first_token_ms,
			time_per_output_token_ms = excluded.time_per_output_token_ms`,
		sess.ID, sess.StartTime, endTime, sess.Model, sess.PromptTokens, sess.CompletionTokens, sess.TotalTokens,
		sess.TokensPerSecond, sess.TimeToFirstTokenMs, sess.TimePerOutputTokenMs)
	if err != nil {
		s.logger.Error("storage: failed to record llm session", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// DB exposes the underlying handle to callers outside this package that
// need raw queries the typed helpers above don't cover; the archiver,
// inside the package, uses the field directly.
func (s *Store) DB() *sql.DB {
	return s.db
}
