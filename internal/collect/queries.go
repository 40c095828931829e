package collect

// Catalog queries. Numeric results are cast to float8 and counters to int8 so
// they scan directly into Go numbers. Column aliases match the db struct tags.
const (
	sqlConnectionsByState = `
SELECT COALESCE(state, 'unknown') AS state, COUNT(*)::int8 AS count
FROM pg_stat_activity
WHERE datname = current_database()
GROUP BY COALESCE(state, 'unknown')
ORDER BY count DESC`

	sqlCacheHitPercent = `
SELECT CASE
         WHEN (SUM(blks_hit) + SUM(blks_read)) = 0 THEN 100.0
         ELSE ROUND(100.0 * SUM(blks_hit) / NULLIF(SUM(blks_hit) + SUM(blks_read), 0), 1)
       END::float8 AS hit
FROM pg_stat_database
WHERE datname = current_database()`

	sqlConnectionUsage = `
SELECT current_connections,
       max_connections,
       ROUND(100.0 * current_connections / max_connections, 2)::float8 AS used_percent
FROM (
  SELECT COUNT(*)::int8 AS current_connections,
         (SELECT setting::int8 FROM pg_settings WHERE name = 'max_connections') AS max_connections
  FROM pg_stat_activity
) AS s`

	sqlDeadlocks = `
SELECT COALESCE(datname, '') AS datname, deadlocks::int8 AS deadlocks
FROM pg_stat_database
ORDER BY deadlocks DESC`

	sqlLocks = `
SELECT mode, COUNT(*)::int8 AS count
FROM pg_locks
GROUP BY mode
ORDER BY count DESC`

	sqlLockSummary = `
SELECT l.mode,
       SUM(CASE WHEN l.granted THEN 1 ELSE 0 END)::int8 AS granted,
       SUM(CASE WHEN NOT l.granted THEN 1 ELSE 0 END)::int8 AS waiting
FROM pg_locks AS l
GROUP BY l.mode
ORDER BY waiting DESC, granted DESC, mode`

	sqlBlockedSessions = `
SELECT blocked.pid      AS blocked_pid,
       blocked.usename::text  AS blocked_user,
       blocked.query    AS blocked_query,
       blocking.pid     AS blocking_pid,
       blocking.usename::text AS blocking_user,
       blocking.query   AS blocking_query,
       blocked.state    AS blocked_state,
       blocking.state   AS blocking_state,
       COALESCE((now() - blocked.query_start)::text, '') AS blocked_duration
FROM pg_locks bl
JOIN pg_stat_activity blocked  ON bl.pid = blocked.pid
JOIN pg_locks kl               ON kl.locktype = bl.locktype
                              AND kl.database IS NOT DISTINCT FROM bl.database
                              AND kl.relation IS NOT DISTINCT FROM bl.relation
                              AND kl.page IS NOT DISTINCT FROM bl.page
                              AND kl.tuple IS NOT DISTINCT FROM bl.tuple
                              AND kl.virtualxid IS NOT DISTINCT FROM bl.virtualxid
                              AND kl.transactionid IS NOT DISTINCT FROM bl.transactionid
                              AND kl.classid IS NOT DISTINCT FROM bl.classid
                              AND kl.objid IS NOT DISTINCT FROM bl.objid
                              AND kl.objsubid IS NOT DISTINCT FROM bl.objsubid
JOIN pg_stat_activity blocking ON kl.pid = blocking.pid
WHERE NOT bl.granted
ORDER BY now() - blocked.query_start DESC
LIMIT 20`

	sqlWaitByLockMode = `
SELECT locktype,
       mode,
       COUNT(*) FILTER (WHERE granted = false)::int8 AS waiting,
       COUNT(*) FILTER (WHERE granted = true)::int8 AS held
FROM pg_locks
GROUP BY locktype, mode
ORDER BY waiting DESC, held DESC`

	sqlLockOverviewPerDB = `
SELECT COALESCE(a.datname, '') AS database,
       COUNT(*) FILTER (WHERE l.granted = false)::int8 AS waiting_locks,
       COUNT(*) FILTER (WHERE l.granted = true)::int8 AS held_locks,
       COUNT(*)::int8 AS total_locks
FROM pg_stat_activity a
JOIN pg_locks l ON l.pid = a.pid
GROUP BY a.datname
ORDER BY waiting_locks DESC, total_locks DESC`

	sqlIndexUsage = `
SELECT relname::text AS relname,
       idx_scan::int8 AS idx_scan,
       seq_scan::int8 AS seq_scan,
       ROUND(100 * idx_scan::numeric / NULLIF(idx_scan + seq_scan, 0), 2)::float8 AS idx_usage
FROM pg_stat_user_tables
ORDER BY idx_usage ASC NULLS LAST
LIMIT 10`

	sqlSeqVsIdxScans = `
SELECT schemaname::text AS schemaname,
       relname::text AS relname,
       seq_scan::int8 AS seq_scan,
       idx_scan::int8 AS idx_scan,
       ROUND(100.0 * idx_scan::numeric / NULLIF(seq_scan + idx_scan, 0), 2)::float8 AS idx_usage_percent,
       n_live_tup::int8 AS n_live_tup
FROM pg_stat_user_tables
ORDER BY seq_scan DESC
LIMIT 20`

	sqlTableSizes = `
SELECT schemaname::text AS schemaname,
       relname::text AS relname,
       pg_size_pretty(pg_total_relation_size(relid)) AS total_size,
       pg_size_pretty(pg_relation_size(relid)) AS table_size,
       pg_size_pretty(pg_indexes_size(relid)) AS index_size
FROM pg_catalog.pg_statio_user_tables
ORDER BY pg_total_relation_size(relid) DESC
LIMIT 10`

	// $1 is the minimum age in seconds.
	sqlLongRunning = `
SELECT pid,
       usename::text AS usename,
       datname::text AS datname,
       COALESCE(state, 'active') AS state,
       EXTRACT(EPOCH FROM now() - query_start)::int8 AS duration_sec,
       query,
       TO_CHAR(query_start, 'YYYY-MM-DD"T"HH24:MI:SS') AS query_start,
       application_name
FROM pg_stat_activity
WHERE datname = current_database()
  AND state = 'active'
  AND query NOT ILIKE '%pg_stat_activity%'
  AND now() - query_start > make_interval(secs => $1::float8)
ORDER BY duration_sec DESC
LIMIT 100`

	sqlWaitEvents = `
SELECT pid,
       usename::text AS usename,
       datname::text AS datname,
       state,
       wait_event_type,
       wait_event,
       (now() - query_start)::text AS duration,
       LEFT(query, 200) AS sample_query
FROM pg_stat_activity
WHERE state <> 'idle'
ORDER BY now() - query_start DESC
LIMIT 20`

	sqlOldestIdleTransaction = `
SELECT datname::text AS database,
       pid,
       usename::text AS "user",
       state,
       (now() - xact_start)::text AS idle_duration,
       query AS current_query
FROM pg_stat_activity
WHERE state = 'idle in transaction'
ORDER BY now() - xact_start DESC
LIMIT 10`

	sqlActiveWaitingSessions = `
SELECT COUNT(*) FILTER (WHERE state = 'active')::int8 AS active_sessions,
       COUNT(*) FILTER (WHERE wait_event_type IS NOT NULL)::int8 AS waiting_sessions,
       COUNT(*) FILTER (WHERE state = 'idle')::int8 AS idle_sessions,
       COUNT(*)::int8 AS total_sessions
FROM pg_stat_activity
WHERE datname = current_database()`

	sqlTPSRollbackRate = `
SELECT COALESCE(datname, '') AS database,
       xact_commit::int8 AS xact_commit,
       xact_rollback::int8 AS xact_rollback,
       ROUND((xact_commit + xact_rollback)::numeric / NULLIF(EXTRACT(EPOCH FROM (now() - stats_reset)), 0), 2)::float8 AS tps,
       ROUND((100.0 * xact_rollback / NULLIF(xact_commit + xact_rollback, 0)), 2)::float8 AS rollback_pct,
       TO_CHAR(stats_reset, 'YYYY-MM-DD HH24:MI:SS') AS stats_reset
FROM pg_stat_database
WHERE datname NOT IN ('template0', 'template1')
ORDER BY tps DESC NULLS LAST`

	sqlPerDBCacheHit = `
SELECT COALESCE(datname, '') AS database,
       ROUND(100.0 * blks_hit / NULLIF(blks_hit + blks_read, 0), 2)::float8 AS cache_hit_pct,
       blks_hit::int8 AS blks_hit,
       blks_read::int8 AS blks_read
FROM pg_stat_database
WHERE datname NOT IN ('template0', 'template1')
ORDER BY cache_hit_pct DESC`

	sqlAutovacuum = `
SELECT relname::text AS relname,
       n_live_tup::int8 AS n_live_tup,
       n_dead_tup::int8 AS n_dead_tup,
       last_autovacuum,
       last_vacuum
FROM pg_stat_user_tables
ORDER BY n_dead_tup DESC NULLS LAST
LIMIT 10`

	sqlDeadTuples = `
SELECT schemaname::text AS schema,
       relname::text AS "table",
       ROUND((n_dead_tup::numeric / NULLIF(n_live_tup + n_dead_tup, 0)) * 100, 2)::float8 AS dead_percent,
       autovacuum_count::int8 AS autovacuum_count,
       vacuum_count::int8 AS vacuum_count
FROM pg_stat_user_tables
ORDER BY dead_percent DESC NULLS LAST
LIMIT 20`

	// pg_stat_wal exists from PostgreSQL 14.
	sqlWALThroughput = `
SELECT wal_records::int8 AS wal_records,
       wal_fpi::int8 AS wal_fpi,
       wal_bytes::float8 AS wal_bytes,
       ROUND(wal_bytes::numeric / NULLIF(EXTRACT(EPOCH FROM (now() - stats_reset)), 0), 2)::float8 AS wal_bytes_per_sec,
       TO_CHAR(stats_reset, 'YYYY-MM-DD"T"HH24:MI:SS') AS stats_reset
FROM pg_stat_wal`

	// pg_stat_checkpointer exists from PostgreSQL 17.
	sqlCheckpoints = `
SELECT num_timed::int8 AS num_timed,
       num_requested::int8 AS num_requested,
       num_done::int8 AS num_done,
       write_time::float8 AS write_time,
       sync_time::float8 AS sync_time,
       buffers_written::int8 AS buffers_written,
       slru_written::int8 AS slru_written,
       TO_CHAR(stats_reset, 'YYYY-MM-DD"T"HH24:MI:SS') AS stats_reset
FROM pg_stat_checkpointer`

	sqlTempFiles = `
SELECT COALESCE(datname, '') AS datname,
       temp_files::int8 AS temp_files,
       temp_bytes::int8 AS temp_bytes
FROM pg_stat_database
ORDER BY temp_bytes DESC`

	sqlDBSizes = `
SELECT datname::text AS datname,
       pg_size_pretty(pg_database_size(datname)) AS size
FROM pg_database
ORDER BY pg_database_size(datname) DESC`
)
