// Package storage implements a two-tier store: a hot embedded
// relational database for live queries and a cold Parquet archive for
// retained history.
package storage

import "time"

// GPUMetricRow is one gpu_metrics row.
type GPUMetricRow struct {
	ID                int64     `parquet:"id"`
	Timestamp         time.Time `parquet:"timestamp"`
	GPUID             int       `parquet:"gpu_id"`
	Name              string    `parquet:"name"`
	UtilizationGPU    int       `parquet:"utilization_gpu"`
	UtilizationMemory int       `parquet:"utilization_memory"`
	MemoryUsedBytes   uint64    `parquet:"memory_used"`
	MemoryTotalBytes  uint64    `parquet:"memory_total"`
	TemperatureC      int       `parquet:"temperature"`
	PowerUsageWatts   float64   `parquet:"power_usage"`
}

// LLMSessionRow is one llm_sessions row.
type LLMSessionRow struct {
	ID                   string     `parquet:"id"`
	StartTime            time.Time  `parquet:"start_time"`
	EndTime              *time.Time `parquet:"end_time,optional"`
	Model                string     `parquet:"model"`
	PromptTokens         int        `parquet:"prompt_tokens"`
	CompletionTokens     int        `parquet:"completion_tokens"`
	TotalTokens          int        `parquet:"total_tokens"`
	TokensPerSecond      *float64   `parquet:"tokens_per_second,optional"`
	TimeToFirstTokenMs   *float64   `parquet:"time_to_first_token_ms,optional"`
	TimePerOutputTokenMs *float64   `parquet:"time_per_output_token_ms,optional"`
}

// ProcessEventRow is one process_events row.
type ProcessEventRow struct {
	ID              int64     `parquet:"id"`
	Timestamp       time.Time `parquet:"timestamp"`
	PID             int32     `parquet:"pid"`
	Name            string    `parquet:"name"`
	Category        string    `parquet:"category"`
	GPUMemoryMB     int64     `parquet:"gpu_memory_mb"`
	GPUUtilization  int       `parquet:"gpu_utilization"`
	CommandLine     string    `parquet:"command_line"`
	ExePath         string    `parquet:"exe_path"`
	DurationSecs    float64   `parquet:"duration_secs"`
}

// WeeklySummaryRow is one weekly_summaries row, a supplemented feature
// grounded on gpumon-core/src/storage/db.rs::compute_weekly_summary.
type WeeklySummaryRow struct {
	ID                  int64     `parquet:"id"`
	WeekStart           time.Time `parquet:"week_start"`
	WeekEnd             time.Time `parquet:"week_end"`
	Category            string    `parquet:"category"`
	TotalDurationSecs   float64   `parquet:"total_duration_secs"`
	AvgGPUUtilization   float64   `parquet:"avg_gpu_utilization"`
	MaxGPUUtilization   int       `parquet:"max_gpu_utilization"`
	TotalGPUMemoryMB    int64     `parquet:"total_gpu_memory_mb"`
	EventCount          int64     `parquet:"event_count"`
}

// ArchiveLogRow is one archive_log row, tracked to make retention and
// archival transactionally consistent: a row's presence marks that
// table's archival window as fully written and safe to delete.
type ArchiveLogRow struct {
	ID               int64     `parquet:"id"`
	ArchiveDate      time.Time `parquet:"archive_date"`
	TableName        string    `parquet:"table_name"`
	RecordsArchived  int64     `parquet:"records_archived"`
	ParquetFile      string    `parquet:"parquet_file"`
	CreatedAt        time.Time `parquet:"created_at"`
}
