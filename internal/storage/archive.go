package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"gpumon/internal/errkind"
)

// archivableTable names a hot-store time-series table subject to
// retention, paired with the query needed to select rows for archival
// and the statement used to delete them once archived.
type archivableTable struct {
	name       string
	selectSQL  string
	deleteSQL  string
}

var archivableTables = []archivableTable{
	{
		name:      "gpu_metrics",
		selectSQL: `SELECT id, timestamp, gpu_id, name, utilization_gpu, utilization_memory, memory_used, memory_total, temperature, power_usage FROM gpu_metrics WHERE timestamp < ?`,
		deleteSQL: `DELETE FROM gpu_metrics WHERE timestamp < ?`,
	},
	{
		name:      "process_events",
		selectSQL: `SELECT id, timestamp, pid, name, category, gpu_memory_mb, gpu_utilization, command_line, exe_path, duration_secs FROM process_events WHERE timestamp < ?`,
		deleteSQL: `DELETE FROM process_events WHERE timestamp < ?`,
	},
}

// Archiver runs the retention/archival maintenance step: rows past the
// retention window get written to Parquet (or just dropped, if
// archival is disabled) and removed from the hot store.
type Archiver struct {
	store         *Store
	archiveDir    string
	retentionDays int
	enabled       bool
	logger        *zap.Logger
}

// NewArchiver builds an Archiver for store, writing Parquet files under
// archiveDir when enabled is true; when false, expired rows are simply
// dropped.
func NewArchiver(store *Store, archiveDir string, retentionDays int, enabled bool, logger *zap.Logger) *Archiver {
	return &Archiver{store: store, archiveDir: archiveDir, retentionDays: retentionDays, enabled: enabled, logger: logger}
}

// Run executes one maintenance pass: for each time-series table, rows
// older than the retention window are archived (if enabled) and
// deleted, or simply deleted (if archival is disabled).
func (a *Archiver) Run(ctx context.Context, now time.Time) error {
	cutoff := now.AddDate(0, 0, -a.retentionDays)

	for _, tbl := range archivableTables {
		if err := a.archiveTable(ctx, tbl, cutoff, now); err != nil {
			a.logger.Warn("storage: archival failed for table", zap.String("table", tbl.name), zap.Error(err))
		}
	}

	return a.computeWeeklySummaries(ctx, now)
}

func (a *Archiver) archiveTable(ctx context.Context, tbl archivableTable, cutoff, now time.Time) error {
	if !a.enabled {
		_, err := a.store.db.ExecContext(ctx, tbl.deleteSQL, cutoff)
		if err != nil {
			return errkind.New(errkind.ArchivalFailed, err)
		}
		return nil
	}

	rows, err := a.store.db.QueryContext(ctx, tbl.selectSQL, cutoff)
	if err != nil {
		return errkind.New(errkind.ArchivalFailed, err)
	}

	var count int64
	var file string
	switch tbl.name {
	case "gpu_metrics":
		count, file, err = archiveRows[GPUMetricRow](rows, a.archiveDir, tbl.name, now, scanGPUMetricRow)
	case "process_events":
		count, file, err = archiveRows[ProcessEventRow](rows, a.archiveDir, tbl.name, now, scanProcessEventRow)
	default:
		rows.Close()
		return fmt.Errorf("storage: unknown archivable table %q", tbl.name)
	}
	if err != nil {
		return errkind.New(errkind.ArchivalFailed, err)
	}
	if count == 0 {
		return nil
	}

	// Delete + archive_log insert share a transaction: either both
	// commit or the Parquet file is removed and the hot rows survive.
	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		os.Remove(file)
		return errkind.New(errkind.ArchivalFailed, err)
	}

	if _, err := tx.ExecContext(ctx, tbl.deleteSQL, cutoff); err != nil {
		tx.Rollback()
		os.Remove(file)
		return errkind.New(errkind.ArchivalFailed, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO archive_log (archive_date, table_name, records_archived, parquet_file, created_at) VALUES (?, ?, ?, ?, ?)`,
		now, tbl.name, count, file, now); err != nil {
		tx.Rollback()
		os.Remove(file)
		return errkind.New(errkind.ArchivalFailed, err)
	}

	if err := tx.Commit(); err != nil {
		os.Remove(file)
		return errkind.New(errkind.ArchivalFailed, err)
	}

	a.logger.Info("storage: archived table", zap.String("table", tbl.name), zap.Int64("rows", count), zap.String("file", file))
	return nil
}

// archiveRows drains rows via scan into T values, writes them to a new
// Parquet file under dir, and returns the row count and file path.
func archiveRows[T any](rows *sql.Rows, dir, table string, now time.Time, scan func(*sql.Rows) (T, error)) (int64, string, error) {
	defer rows.Close()

	var batch []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return 0, "", err
		}
		batch = append(batch, v)
	}
	if err := rows.Err(); err != nil {
		return 0, "", err
	}
	if len(batch) == 0 {
		return 0, "", nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", err
	}
	name := fmt.Sprintf("%s_%s.parquet", table, now.UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(batch); err != nil {
		w.Close()
		os.Remove(path)
		return 0, "", err
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return 0, "", err
	}

	return int64(len(batch)), path, nil
}

func scanGPUMetricRow(rows *sql.Rows) (GPUMetricRow, error) {
	var r GPUMetricRow
	err := rows.Scan(&r.ID, &r.Timestamp, &r.GPUID, &r.Name, &r.UtilizationGPU, &r.UtilizationMemory,
		&r.MemoryUsedBytes, &r.MemoryTotalBytes, &r.TemperatureC, &r.PowerUsageWatts)
	return r, err
}

func scanProcessEventRow(rows *sql.Rows) (ProcessEventRow, error) {
	var r ProcessEventRow
	err := rows.Scan(&r.ID, &r.Timestamp, &r.PID, &r.Name, &r.Category, &r.GPUMemoryMB,
		&r.GPUUtilization, &r.CommandLine, &r.ExePath, &r.DurationSecs)
	return r, err
}

// computeWeeklySummaries aggregates the completed prior week's
// process_events into weekly_summaries, giving operators a rollup they
// can query without re-scanning per-event history.
func (a *Archiver) computeWeeklySummaries(ctx context.Context, now time.Time) error {
	weekStart := startOfISOWeek(now).AddDate(0, 0, -7)
	weekEnd := weekStart.AddDate(0, 0, 7)

	rows, err := a.store.db.QueryContext(ctx, `
		SELECT category,
		       COALESCE(SUM(duration_secs), 0),
		       COALESCE(AVG(gpu_utilization), 0),
		       COALESCE(MAX(gpu_utilization), 0),
		       COALESCE(SUM(gpu_memory_mb), 0),
		       COUNT(*)
		FROM process_events
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY category`, weekStart, weekEnd)
	if err != nil {
		return errkind.New(errkind.ArchivalFailed, err)
	}
	defer rows.Close()

	type agg struct {
		category    string
		totalDur    float64
		avgUtil     float64
		maxUtil     int
		totalMemMB  int64
		count       int64
	}
	var aggs []agg
	for rows.Next() {
		var v agg
		if err := rows.Scan(&v.category, &v.totalDur, &v.avgUtil, &v.maxUtil, &v.totalMemMB, &v.count); err != nil {
			return errkind.New(errkind.ArchivalFailed, err)
		}
		aggs = append(aggs, v)
	}
	if err := rows.Err(); err != nil {
		return errkind.New(errkind.ArchivalFailed, err)
	}

	for _, v := range aggs {
		if _, err := a.store.db.ExecContext(ctx, `INSERT INTO weekly_summaries
			(week_start, week_end, category, total_duration_secs, avg_gpu_utilization, max_gpu_utilization, total_gpu_memory_mb, event_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(week_start, category) DO UPDATE SET
				total_duration_secs = excluded.total_duration_secs,
				avg_gpu_utilization = excluded.avg_gpu_utilization,
				max_gpu_utilization = excluded.max_gpu_utilization,
				total_gpu_memory_mb = excluded.total_gpu_memory_mb,
				event_count = excluded.event_count`,
			weekStart, weekEnd, v.category, v.totalDur, v.avgUtil, v.maxUtil, v.totalMemMB, v.count); err != nil {
			return errkind.New(errkind.ArchivalFailed, err)
		}
	}
	return nil
}

func startOfISOWeek(t time.Time) time.Time {
	t = t.Truncate(24 * time.Hour)
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	return t.AddDate(0, 0, -offset)
}
