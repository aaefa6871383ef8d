package storage

// schema is the hot store's DDL, applied once at start-up.
// modernc.org/sqlite is the pure-Go SQLite driver, so the storage layer
// itself needs no cgo toolchain (the NVML binding in internal/gpu does).
const schema = `
CREATE TABLE IF NOT EXISTS gpu_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	gpu_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	utilization_gpu INTEGER NOT NULL,
	utilization_memory INTEGER NOT NULL,
	memory_used INTEGER NOT NULL,
	memory_total INTEGER NOT NULL,
	temperature INTEGER NOT NULL,
	power_usage REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gpu_metrics_timestamp ON gpu_metrics(timestamp);
CREATE INDEX IF NOT EXISTS idx_gpu_metrics_gpu_id ON gpu_metrics(gpu_id);

CREATE TABLE IF NOT EXISTS llm_sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME NOT NULL,
	end_time DATETIME,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	tokens_per_second REAL,
	time_to_first_token_ms REAL,
	time_per_output_token_ms REAL
);
CREATE INDEX IF NOT EXISTS idx_llm_sessions_start_time ON llm_sessions(start_time);
CREATE INDEX IF NOT EXISTS idx_llm_sessions_model ON llm_sessions(model);

CREATE TABLE IF NOT EXISTS process_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	pid INTEGER NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	gpu_memory_mb INTEGER NOT NULL,
	gpu_utilization INTEGER NOT NULL,
	command_line TEXT NOT NULL,
	exe_path TEXT NOT NULL,
	duration_secs REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_events_timestamp ON process_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_process_events_category ON process_events(category);
CREATE INDEX IF NOT EXISTS idx_process_events_pid ON process_events(pid);

CREATE TABLE IF NOT EXISTS weekly_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	week_start DATETIME NOT NULL,
	week_end DATETIME NOT NULL,
	category TEXT NOT NULL,
	total_duration_secs REAL NOT NULL,
	avg_gpu_utilization REAL NOT NULL,
	max_gpu_utilization INTEGER NOT NULL,
	total_gpu_memory_mb INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	UNIQUE(week_start, category)
);

CREATE TABLE IF NOT EXISTS archive_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	archive_date DATETIME NOT NULL,
	table_name TEXT NOT NULL,
	records_archived INTEGER NOT NULL,
	parquet_file TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`
