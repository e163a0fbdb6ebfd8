package storage

// Dialect isolates the handful of SQL differences between the backends
// that share the pkg/storage/sql query code (Postgres, MySQL), the way
// the teacher's per-driver dialect.go files did for its own schema.
type Dialect interface {
	Name() string

	// BindType is the sqlx bind type (sqlx.DOLLAR, sqlx.QUESTION, ...)
	// used to rebind "?"-style queries via db.Rebind before executing,
	// so query text can be written once and shared across drivers.
	BindType() int

	// ClaimLockClause returns the row-locking clause appended to the
	// SELECT used to find a claimable task, e.g. "FOR UPDATE SKIP LOCKED".
	ClaimLockClause() string

	// CacheUpsertSQL returns the write-once insert-or-ignore statement
	// for the cache table, written with "?" placeholders for Rebind.
	CacheUpsertSQL() string

	// CounterUpsertSQL returns the insert-or-atomically-increment
	// statement for execution_counters, written with "?" placeholders
	// for Rebind. Its params are (execution_id, name, delta).
	CounterUpsertSQL() string

	// CustomStateUpsertSQL returns the insert-or-overwrite statement for
	// execution_state, written with "?" placeholders for Rebind. Its
	// params are (execution_id, key, value).
	CustomStateUpsertSQL() string
}
