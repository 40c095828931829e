package collect

import "time"

// Snapshot is one point-in-time read of all monitored metrics for an instance.
//
// Every field is independently optional: a nil pointer or an empty slice means
// the metric returned no data. Consumers must treat absence as "no data", never
// as zero. A Snapshot is not mutated after Collect returns it.
type Snapshot struct {
	Overview              *Overview          `json:"overview"`
	ConnectionUsage       *ConnectionUsage   `json:"connection_usage"`
	Deadlocks             []DeadlockRow      `json:"deadlocks"`
	Locks                 []LockCount        `json:"locks"`
	LockSummary           []LockSummaryRow   `json:"lock_summary"`
	BlockedSessions       []BlockedSession   `json:"blocked_sessions"`
	WaitByLockMode        []LockModeWait     `json:"wait_by_lock_mode"`
	LockOverviewPerDB     []DatabaseLocks    `json:"lock_overview_per_db"`
	IndexUsage            []IndexUsageRow    `json:"index_usage"`
	SeqVsIdxScans         []ScanRatioRow     `json:"seq_vs_idx_scans"`
	TableSizes            []TableSizeRow     `json:"table_sizes"`
	LongRunning           []LongRunningQuery `json:"long_running"`
	WaitEvents            []WaitEvent        `json:"wait_events"`
	OldestIdleTransaction []IdleTransaction  `json:"oldest_idle_transaction"`
	ActiveWaitingSessions *SessionCounts     `json:"active_waiting_sessions"`
	TPSRollbackRate       []RollbackRateRow  `json:"tps_rollback_rate"`
	PerDBCacheHit         []DatabaseCacheHit `json:"per_db_cache_hit"`
	AutoVacuum            []AutovacuumRow    `json:"autovacuum"`
	DeadTuples            []DeadTupleRow     `json:"dead_tuples"`
	WALThroughput         *WALStats          `json:"wal_throughput"`
	Checkpoints           *CheckpointStats   `json:"checkpoints"`
	TempFiles             []TempFileRow      `json:"temp_files"`
	DBSizes               []DatabaseSize     `json:"db_sizes"`

	CollectedAt time.Time `json:"collected_at"`
}

// Overview combines connection states and the current database cache hit ratio.
type Overview struct {
	ConnectionsByState []StateCount `json:"connections_by_state"`
	CacheHitPercent    *float64     `json:"cache_hit_percent"`
}

type StateCount struct {
	State string `db:"state" json:"state"`
	Count int64  `db:"count" json:"count"`
}

type ConnectionUsage struct {
	Current     int64   `db:"current_connections" json:"current_connections"`
	Max         int64   `db:"max_connections" json:"max_connections"`
	UsedPercent float64 `db:"used_percent" json:"used_percent"`
}

type DeadlockRow struct {
	Datname   string `db:"datname" json:"datname"`
	Deadlocks int64  `db:"deadlocks" json:"deadlocks"`
}

type LockCount struct {
	Mode  string `db:"mode" json:"mode"`
	Count int64  `db:"count" json:"count"`
}

type LockSummaryRow struct {
	Mode    string `db:"mode" json:"mode"`
	Granted int64  `db:"granted" json:"granted"`
	Waiting int64  `db:"waiting" json:"waiting"`
}

// BlockedSession pairs a waiting backend with the backend holding its lock.
type BlockedSession struct {
	BlockedPID      int32   `db:"blocked_pid" json:"blocked_pid"`
	BlockedUser     *string `db:"blocked_user" json:"blocked_user"`
	BlockedQuery    *string `db:"blocked_query" json:"blocked_query"`
	BlockingPID     int32   `db:"blocking_pid" json:"blocking_pid"`
	BlockingUser    *string `db:"blocking_user" json:"blocking_user"`
	BlockingQuery   *string `db:"blocking_query" json:"blocking_query"`
	BlockedState    *string `db:"blocked_state" json:"blocked_state"`
	BlockingState   *string `db:"blocking_state" json:"blocking_state"`
	BlockedDuration string  `db:"blocked_duration" json:"blocked_duration"`
}

type LockModeWait struct {
	LockType string `db:"locktype" json:"locktype"`
	Mode     string `db:"mode" json:"mode"`
	Waiting  int64  `db:"waiting" json:"waiting"`
	Held     int64  `db:"held" json:"held"`
}

type DatabaseLocks struct {
	Database     string `db:"database" json:"database"`
	WaitingLocks int64  `db:"waiting_locks" json:"waiting_locks"`
	HeldLocks    int64  `db:"held_locks" json:"held_locks"`
	TotalLocks   int64  `db:"total_locks" json:"total_locks"`
}

type IndexUsageRow struct {
	Relname  string   `db:"relname" json:"relname"`
	IdxScan  *int64   `db:"idx_scan" json:"idx_scan"`
	SeqScan  *int64   `db:"seq_scan" json:"seq_scan"`
	IdxUsage *float64 `db:"idx_usage" json:"idx_usage"`
}

type ScanRatioRow struct {
	Schema          string   `db:"schemaname" json:"schemaname"`
	Relname         string   `db:"relname" json:"relname"`
	SeqScan         *int64   `db:"seq_scan" json:"seq_scan"`
	IdxScan         *int64   `db:"idx_scan" json:"idx_scan"`
	IdxUsagePercent *float64 `db:"idx_usage_percent" json:"idx_usage_percent"`
	LiveTuples      *int64   `db:"n_live_tup" json:"n_live_tup"`
}

// TableSizeRow carries pg_size_pretty strings such as "12 GB".
type TableSizeRow struct {
	Schema    string `db:"schemaname" json:"schemaname"`
	Relname   string `db:"relname" json:"relname"`
	TotalSize string `db:"total_size" json:"total_size"`
	TableSize string `db:"table_size" json:"table_size"`
	IndexSize string `db:"index_size" json:"index_size"`
}

type LongRunningQuery struct {
	PID         int32   `db:"pid" json:"pid"`
	User        *string `db:"usename" json:"user"`
	DB          *string `db:"datname" json:"db"`
	State       *string `db:"state" json:"state"`
	DurationSec *int64  `db:"duration_sec" json:"duration_sec"`
	Query       *string `db:"query" json:"query"`
	StartedAt   *string `db:"query_start" json:"started_at"`
	App         *string `db:"application_name" json:"app"`
}

type WaitEvent struct {
	PID           int32   `db:"pid" json:"pid"`
	User          *string `db:"usename" json:"usename"`
	Datname       *string `db:"datname" json:"datname"`
	State         *string `db:"state" json:"state"`
	WaitEventType *string `db:"wait_event_type" json:"wait_event_type"`
	WaitEvent     *string `db:"wait_event" json:"wait_event"`
	Duration      *string `db:"duration" json:"duration"`
	SampleQuery   *string `db:"sample_query" json:"sample_query"`
}

type IdleTransaction struct {
	Database     *string `db:"database" json:"database"`
	PID          int32   `db:"pid" json:"pid"`
	User         *string `db:"user" json:"user"`
	State        *string `db:"state" json:"state"`
	IdleDuration *string `db:"idle_duration" json:"idle_duration"`
	CurrentQuery *string `db:"current_query" json:"current_query"`
}

type SessionCounts struct {
	Active  int64 `db:"active_sessions" json:"active_sessions"`
	Waiting int64 `db:"waiting_sessions" json:"waiting_sessions"`
	Idle    int64 `db:"idle_sessions" json:"idle_sessions"`
	Total   int64 `db:"total_sessions" json:"total_sessions"`
}

type RollbackRateRow struct {
	Database    string   `db:"database" json:"database"`
	Commits     *int64   `db:"xact_commit" json:"xact_commit"`
	Rollbacks   *int64   `db:"xact_rollback" json:"xact_rollback"`
	TPS         *float64 `db:"tps" json:"tps"`
	RollbackPct *float64 `db:"rollback_pct" json:"rollback_pct"`
	StatsReset  *string  `db:"stats_reset" json:"stats_reset"`
}

type DatabaseCacheHit struct {
	Database    string   `db:"database" json:"database"`
	CacheHitPct *float64 `db:"cache_hit_pct" json:"cache_hit_pct"`
	BlksHit     *int64   `db:"blks_hit" json:"blks_hit"`
	BlksRead    *int64   `db:"blks_read" json:"blks_read"`
}

type AutovacuumRow struct {
	Relname        string     `db:"relname" json:"relname"`
	LiveTuples     *int64     `db:"n_live_tup" json:"n_live_tup"`
	DeadTuples     *int64     `db:"n_dead_tup" json:"n_dead_tup"`
	LastAutovacuum *time.Time `db:"last_autovacuum" json:"last_autovacuum"`
	LastVacuum     *time.Time `db:"last_vacuum" json:"last_vacuum"`
}

type DeadTupleRow struct {
	Schema          string   `db:"schema" json:"schema"`
	Table           string   `db:"table" json:"table"`
	DeadPercent     *float64 `db:"dead_percent" json:"dead_percent"`
	AutovacuumCount *int64   `db:"autovacuum_count" json:"autovacuum_count"`
	VacuumCount     *int64   `db:"vacuum_count" json:"vacuum_count"`
}

type WALStats struct {
	Records     *int64   `db:"wal_records" json:"wal_records"`
	FPI         *int64   `db:"wal_fpi" json:"wal_fpi"`
	Bytes       *float64 `db:"wal_bytes" json:"wal_bytes"`
	BytesPerSec *float64 `db:"wal_bytes_per_sec" json:"wal_bytes_per_sec"`
	StatsReset  *string  `db:"stats_reset" json:"stats_reset"`
}

type CheckpointStats struct {
	NumTimed       *int64   `db:"num_timed" json:"num_timed"`
	NumRequested   *int64   `db:"num_requested" json:"num_requested"`
	NumDone        *int64   `db:"num_done" json:"num_done"`
	WriteTime      *float64 `db:"write_time" json:"write_time"`
	SyncTime       *float64 `db:"sync_time" json:"sync_time"`
	BuffersWritten *int64   `db:"buffers_written" json:"buffers_written"`
	SLRUWritten    *int64   `db:"slru_written" json:"slru_written"`
	StatsReset     *string  `db:"stats_reset" json:"stats_reset"`
}

type TempFileRow struct {
	Datname   string `db:"datname" json:"datname"`
	TempFiles *int64 `db:"temp_files" json:"temp_files"`
	TempBytes *int64 `db:"temp_bytes" json:"temp_bytes"`
}

type DatabaseSize struct {
	Datname string `db:"datname" json:"datname"`
	Size    string `db:"size" json:"size"`
}

// Instance identifies the monitored database a snapshot was taken from.
type Instance struct {
	DatabaseName   string `json:"database_name" yaml:"database_name"`
	ConnectionHost string `json:"connection_host" yaml:"connection_host"`
	InstanceLabel  string `json:"instance_label" yaml:"instance_label"`
}
