package sql

import (
	"github.com/jmoiron/sqlx"

	"github.com/senpuki/senpuki/pkg/storage"
)

// Postgres is the storage.Dialect for github.com/lib/pq.
type Postgres struct{}

func (Postgres) Name() string          { return "postgres" }
func (Postgres) BindType() int         { return sqlx.DOLLAR }
func (Postgres) ClaimLockClause() string { return "FOR UPDATE SKIP LOCKED" }
func (Postgres) CacheUpsertSQL() string {
	return `INSERT INTO cache_entries (function_name, idempotency_key, result, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (function_name, idempotency_key) DO NOTHING`
}
func (Postgres) CounterUpsertSQL() string {
	return `INSERT INTO execution_counters (execution_id, name, value)
		VALUES (?, ?, ?)
		ON CONFLICT (execution_id, name) DO UPDATE SET value = execution_counters.value + excluded.value
		RETURNING value`
}
func (Postgres) CustomStateUpsertSQL() string {
	return `INSERT INTO execution_state (execution_id, state_key, value)
		VALUES (?, ?, ?)
		ON CONFLICT (execution_id, state_key) DO UPDATE SET value = excluded.value`
}

// MySQL is the storage.Dialect for github.com/go-sql-driver/mysql.
// MySQL's InnoDB honors SELECT ... FOR UPDATE SKIP LOCKED since 8.0.
type MySQL struct{}

func (MySQL) Name() string          { return "mysql" }
func (MySQL) BindType() int         { return sqlx.QUESTION }
func (MySQL) ClaimLockClause() string { return "FOR UPDATE SKIP LOCKED" }
func (MySQL) CacheUpsertSQL() string {
	return `INSERT IGNORE INTO cache_entries (function_name, idempotency_key, result, created_at)
		VALUES (?, ?, ?, ?)`
}

// CounterUpsertSQL has no RETURNING equivalent in MySQL; the backend
// re-selects the value inside the same transaction after this runs.
func (MySQL) CounterUpsertSQL() string {
	return `INSERT INTO execution_counters (execution_id, name, value)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE value = value + VALUES(value)`
}
func (MySQL) CustomStateUpsertSQL() string {
	return `INSERT INTO execution_state (execution_id, state_key, value)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)`
}

var (
	_ storage.Dialect = Postgres{}
	_ storage.Dialect = MySQL{}
)
