// Package sql implements storage.Backend against a networked SQL
// server (Postgres via lib/pq, MySQL via go-sql-driver/mysql),
// generalizing the teacher's per-driver dialect files into one
// implementation parameterized by storage.Dialect.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/senpuki/senpuki/pkg/storage"
)

// Backend is the networked storage.Backend implementation.
type Backend struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// OpenPostgres connects to a Postgres DSN (postgres://... or a libpq
// keyword string).
func OpenPostgres(dsn string) (*Backend, error) { return open("postgres", dsn, Postgres{}) }

// OpenMySQL connects to a MySQL DSN (user:pass@tcp(host:port)/dbname).
func OpenMySQL(dsn string) (*Backend, error) { return open("mysql", dsn, MySQL{}) }

func open(driver, dsn string, dialect storage.Dialect) (*Backend, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Backend{db: db, dialect: dialect}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) rebind(query string) string { return sqlx.Rebind(b.dialect.BindType(), query) }

func (b *Backend) InitSchema(ctx context.Context) error {
	schema := postgresSchema
	if b.dialect.Name() == "mysql" {
		schema = mysqlSchema
	}
	for _, stmt := range strings.Split(schema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sql: init schema: %w", err)
		}
	}
	return nil
}

func (b *Backend) CreateExecutionWithRootTask(ctx context.Context, exec *storage.Execution, root *storage.Task) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	now := exec.CreatedAt
	_, err = tx.ExecContext(ctx, b.rebind(`
		INSERT INTO executions (id, function_name, root_task_id, state, result, error_text, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.FunctionName, exec.RootTaskID, exec.State, exec.Result, exec.ErrorText, exec.ProgressRaw, now, now)
	if err != nil {
		return fmt.Errorf("sql: insert execution: %w", err)
	}
	if err := b.insertTask(ctx, tx, root); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *Backend) insertTask(ctx context.Context, tx *sqlx.Tx, t *storage.Task) error {
	_, err := tx.ExecContext(ctx, b.rebind(`
		INSERT INTO tasks (
			id, execution_id, parent_task_id, function_name, args, queue, priority, tags,
			state, attempt, max_attempts, scheduled_for, created_at, timeout_seconds,
			concurrency_group, concurrency_limit, cacheable, idempotency_key, retry_policy, is_root
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.ExecutionID, t.ParentTaskID, t.FunctionName, t.Args, t.Queue, t.Priority, t.Tags,
		t.State, t.Attempt, t.MaxAttempts, t.ScheduledFor, t.CreatedAt, t.TimeoutSeconds,
		t.ConcurrencyGroup, t.ConcurrencyLimit, t.Cacheable, t.IdempotencyKey, t.RetryPolicy, t.IsRoot)
	if err != nil {
		return fmt.Errorf("sql: insert task: %w", err)
	}
	return nil
}

func (b *Backend) DispatchChildTask(ctx context.Context, t *storage.Task) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()
	if err := b.insertTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextTask locks a candidate row with the dialect's SKIP LOCKED
// clause, so concurrent workers never block on each other and never
// double-claim.
func (b *Backend) ClaimNextTask(ctx context.Context, queues []string, requiredTags []string, workerID string, leaseDuration time.Duration) (*storage.Task, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `
		SELECT * FROM tasks
		WHERE (
			state = ?
			OR (state IN (?, ?) AND lease_expires_at <= ?)
		)
		  AND scheduled_for <= ?
		  AND execution_id NOT IN (SELECT id FROM executions WHERE state = ?)
	`
	args := []any{storage.TaskPending, storage.TaskClaimed, storage.TaskRunning, now, now, storage.ExecutionCancelled}
	if len(queues) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
		query += fmt.Sprintf(" AND queue IN (%s)", placeholders)
		for _, q := range queues {
			args = append(args, q)
		}
	}
	for _, tag := range requiredTags {
		query += " AND tags LIKE ?"
		args = append(args, "%,"+tag+",%")
	}
	query += `
		AND (
			concurrency_group = '' OR concurrency_limit <= 0 OR (
				SELECT COUNT(*) FROM tasks r
				WHERE r.concurrency_group = tasks.concurrency_group AND r.state IN ('claimed', 'running')
					AND r.id != tasks.id
			) < concurrency_limit
		)
		ORDER BY priority DESC, scheduled_for ASC, created_at ASC
		LIMIT 1
	` + b.dialect.ClaimLockClause()

	var candidate storage.Task
	if err := tx.GetContext(ctx, &candidate, b.rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNoTaskReady
		}
		return nil, fmt.Errorf("sql: select claimable task: %w", err)
	}

	token := newLeaseToken()
	expires := now.Add(leaseDuration)
	res, err := tx.ExecContext(ctx, b.rebind(`
		UPDATE tasks SET state = ?, attempt = attempt + 1, claimed_at = ?, lease_expires_at = ?,
			lease_token = ?, worker_id = ?
		WHERE id = ? AND (state = ? OR (state IN (?, ?) AND lease_expires_at <= ?))`),
		storage.TaskClaimed, now, expires, token, workerID,
		candidate.ID, storage.TaskPending, storage.TaskClaimed, storage.TaskRunning, now)
	if err != nil {
		return nil, fmt.Errorf("sql: claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNoTaskReady
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sql: commit claim: %w", err)
	}

	candidate.State = storage.TaskClaimed
	candidate.Attempt++
	candidate.LeaseToken = token
	candidate.WorkerID = workerID
	candidate.ClaimedAt = &now
	candidate.LeaseExpiresAt = &expires
	log.Ctx(ctx).Debug().Str("task_id", candidate.ID).Str("worker_id", workerID).Msg("task claimed")
	return &candidate, nil
}

func (b *Backend) RenewLease(ctx context.Context, taskID, leaseToken string, extension time.Duration) error {
	expires := time.Now().UTC().Add(extension)
	res, err := b.db.ExecContext(ctx, b.rebind(`
		UPDATE tasks SET lease_expires_at = ?,
			state = CASE WHEN state = ? THEN ? ELSE state END
		WHERE id = ? AND lease_token = ? AND state IN ('claimed', 'running')`),
		expires, storage.TaskClaimed, storage.TaskRunning, taskID, leaseToken)
	if err != nil {
		return fmt.Errorf("sql: renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrLeaseMismatch
	}
	return nil
}

func (b *Backend) CompleteTask(ctx context.Context, taskID, leaseToken string, result []byte) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, b.rebind(`
		UPDATE tasks SET state = ?, result = ? WHERE id = ? AND lease_token = ?`),
		storage.TaskCompleted, result, taskID, leaseToken)
	if err != nil {
		return fmt.Errorf("sql: complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrLeaseMismatch
	}

	var t storage.Task
	if err := tx.GetContext(ctx, &t, b.rebind(`SELECT * FROM tasks WHERE id = ?`), taskID); err != nil {
		return fmt.Errorf("sql: reload completed task: %w", err)
	}
	if t.IsRoot {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, b.rebind(`
			UPDATE executions SET state = ?, result = ?, updated_at = ? WHERE id = ?`),
			storage.ExecutionCompleted, result, now, t.ExecutionID); err != nil {
			return fmt.Errorf("sql: complete execution: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) FailTask(ctx context.Context, taskID, leaseToken, errText string, retry bool, nextAttemptAt time.Time) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	var t storage.Task
	if err := tx.GetContext(ctx, &t, b.rebind(`SELECT * FROM tasks WHERE id = ? AND lease_token = ?`), taskID, leaseToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrLeaseMismatch
		}
		return fmt.Errorf("sql: load task for failure: %w", err)
	}

	if retry {
		if _, err := tx.ExecContext(ctx, b.rebind(`
			UPDATE tasks SET state = ?, scheduled_for = ?, error_text = ?, lease_token = '', worker_id = '',
				failure_attempts = failure_attempts + 1
			WHERE id = ?`), storage.TaskPending, nextAttemptAt, errText, taskID); err != nil {
			return fmt.Errorf("sql: reschedule task: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, b.rebind(`
		UPDATE tasks SET state = ?, error_text = ?, failure_attempts = failure_attempts + 1 WHERE id = ?`),
		storage.TaskDead, errText, taskID); err != nil {
		return fmt.Errorf("sql: mark task dead: %w", err)
	}
	snapshot, err := marshalSnapshot(&t, errText)
	if err != nil {
		return err
	}
	dl := storage.DeadLetter{
		ID: newLeaseToken(), TaskID: t.ID, ExecutionID: t.ExecutionID,
		Snapshot: snapshot, Reason: errText, CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`
		INSERT INTO dead_letters (id, task_id, execution_id, snapshot, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		dl.ID, dl.TaskID, dl.ExecutionID, dl.Snapshot, dl.Reason, dl.CreatedAt); err != nil {
		return fmt.Errorf("sql: insert dead letter: %w", err)
	}
	if t.IsRoot {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, b.rebind(`
			UPDATE executions SET state = ?, error_text = ?, updated_at = ? WHERE id = ?`),
			storage.ExecutionFailed, errText, now, t.ExecutionID); err != nil {
			return fmt.Errorf("sql: fail execution: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) TimeoutTask(ctx context.Context, taskID, leaseToken, errText string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	var t storage.Task
	if err := tx.GetContext(ctx, &t, b.rebind(`SELECT * FROM tasks WHERE id = ? AND lease_token = ?`), taskID, leaseToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrLeaseMismatch
		}
		return fmt.Errorf("sql: load task for timeout: %w", err)
	}

	if _, err := tx.ExecContext(ctx, b.rebind(`
		UPDATE tasks SET state = ?, error_text = ?, failure_attempts = failure_attempts + 1 WHERE id = ?`),
		storage.TaskDead, errText, taskID); err != nil {
		return fmt.Errorf("sql: mark task dead on timeout: %w", err)
	}
	snapshot, err := marshalSnapshot(&t, errText)
	if err != nil {
		return err
	}
	dl := storage.DeadLetter{
		ID: newLeaseToken(), TaskID: t.ID, ExecutionID: t.ExecutionID,
		Snapshot: snapshot, Reason: errText, CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`
		INSERT INTO dead_letters (id, task_id, execution_id, snapshot, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		dl.ID, dl.TaskID, dl.ExecutionID, dl.Snapshot, dl.Reason, dl.CreatedAt); err != nil {
		return fmt.Errorf("sql: insert dead letter on timeout: %w", err)
	}
	if t.IsRoot {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, b.rebind(`
			UPDATE executions SET state = ?, error_text = ?, updated_at = ? WHERE id = ?`),
			storage.ExecutionTimedOut, errText, now, t.ExecutionID); err != nil {
			return fmt.Errorf("sql: time out execution: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) CancelExecution(ctx context.Context, executionID string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	var state storage.ExecutionState
	if err := tx.GetContext(ctx, &state, b.rebind(`SELECT state FROM executions WHERE id = ?`), executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sql: load execution for cancel: %w", err)
	}
	if state.Terminal() {
		return storage.ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, b.rebind(`
		UPDATE executions SET state = ?, updated_at = ? WHERE id = ?`),
		storage.ExecutionCancelled, now, executionID); err != nil {
		return fmt.Errorf("sql: cancel execution: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) ParkTask(ctx context.Context, taskID, leaseToken string, resumeAt time.Time) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`
		UPDATE tasks SET state = ?, scheduled_for = ?, lease_token = '', worker_id = ''
		WHERE id = ? AND lease_token = ?`),
		storage.TaskPending, resumeAt, taskID, leaseToken)
	if err != nil {
		return fmt.Errorf("sql: park task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrLeaseMismatch
	}
	return nil
}

func (b *Backend) GetTask(ctx context.Context, taskID string) (*storage.Task, error) {
	var t storage.Task
	if err := b.db.GetContext(ctx, &t, b.rebind(`SELECT * FROM tasks WHERE id = ?`), taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sql: get task: %w", err)
	}
	return &t, nil
}

func (b *Backend) GetExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	var e storage.Execution
	if err := b.db.GetContext(ctx, &e, b.rebind(`SELECT * FROM executions WHERE id = ?`), executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sql: get execution: %w", err)
	}
	if err := unmarshalProgress(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *Backend) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*storage.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM executions`
	var args []any
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, opts.State)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []*storage.Execution
	if err := b.db.SelectContext(ctx, &rows, b.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("sql: list executions: %w", err)
	}
	for _, e := range rows {
		if err := unmarshalProgress(e); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (b *Backend) CountExecutions(ctx context.Context, opts storage.ListOptions) (int64, error) {
	query := `SELECT COUNT(*) FROM executions`
	var args []any
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, opts.State)
	}
	var n int64
	if err := b.db.GetContext(ctx, &n, b.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("sql: count executions: %w", err)
	}
	return n, nil
}

func (b *Backend) UpdateExecutionState(ctx context.Context, executionID string, state storage.ExecutionState, result []byte, errText string) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, b.rebind(`
		UPDATE executions SET state = ?, result = ?, error_text = ?, updated_at = ? WHERE id = ?`),
		state, result, errText, now, executionID)
	if err != nil {
		return fmt.Errorf("sql: update execution state: %w", err)
	}
	return nil
}

func (b *Backend) AppendProgress(ctx context.Context, executionID string, entry storage.ProgressEntry) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.GetContext(ctx, &raw, b.rebind(`SELECT progress FROM executions WHERE id = ?`), executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sql: load progress: %w", err)
	}
	entries, err := decodeProgress(raw)
	if err != nil {
		return err
	}
	replaced := false
	for i, e := range entries {
		if e.Index == entry.Index {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	newRaw, err := encodeProgress(entries)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`UPDATE executions SET progress = ?, updated_at = ? WHERE id = ?`),
		newRaw, time.Now().UTC(), executionID); err != nil {
		return fmt.Errorf("sql: save progress: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) CacheGet(ctx context.Context, functionName, key string) ([]byte, error) {
	var result []byte
	err := b.db.GetContext(ctx, &result, b.rebind(`
		SELECT result FROM cache_entries WHERE function_name = ? AND idempotency_key = ?`), functionName, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCacheMiss
		}
		return nil, fmt.Errorf("sql: cache get: %w", err)
	}
	return result, nil
}

func (b *Backend) CachePut(ctx context.Context, functionName, key string, result []byte) error {
	_, err := b.db.ExecContext(ctx, b.rebind(b.dialect.CacheUpsertSQL()),
		functionName, key, result, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sql: cache put: %w", err)
	}
	return nil
}

func (b *Backend) SendSignal(ctx context.Context, executionID, name string, payload []byte) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO signals (id, execution_id, name, payload, consumed, created_at)
		VALUES (?, ?, ?, ?, false, ?)`),
		newLeaseToken(), executionID, name, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sql: send signal: %w", err)
	}
	return nil
}

func (b *Backend) ConsumeSignal(ctx context.Context, executionID, name string) (*storage.Signal, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	var sig storage.Signal
	query := `
		SELECT * FROM signals WHERE execution_id = ? AND name = ? AND consumed = false
		ORDER BY created_at ASC LIMIT 1 ` + b.dialect.ClaimLockClause()
	err = tx.GetContext(ctx, &sig, b.rebind(query), executionID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sql: select signal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`UPDATE signals SET consumed = true WHERE id = ?`), sig.ID); err != nil {
		return nil, fmt.Errorf("sql: consume signal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sql: commit consume signal: %w", err)
	}
	sig.Consumed = true
	return &sig, nil
}

func (b *Backend) ListDeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*storage.DeadLetter
	if err := b.db.SelectContext(ctx, &rows, b.rebind(`SELECT * FROM dead_letters ORDER BY created_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("sql: list dead letters: %w", err)
	}
	return rows, nil
}

func (b *Backend) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, fmt.Errorf("sql: count dead letters: %w", err)
	}
	return n, nil
}

func (b *Backend) GetDeadLetter(ctx context.Context, id string) (*storage.DeadLetter, error) {
	var dl storage.DeadLetter
	if err := b.db.GetContext(ctx, &dl, b.rebind(`SELECT * FROM dead_letters WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sql: get dead letter: %w", err)
	}
	return &dl, nil
}

func (b *Backend) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("sql: delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ReplayDeadLetter inserts a brand-new pending task from the dead
// letter's snapshot; see the sqlite backend's ReplayDeadLetter for the
// full rationale (original task row and dead_letters row both left
// untouched, root tasks reopen their owning execution).
func (b *Backend) ReplayDeadLetter(ctx context.Context, id string, queue string) (*storage.Task, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	var dl storage.DeadLetter
	if err := tx.GetContext(ctx, &dl, b.rebind(`SELECT * FROM dead_letters WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sql: get dead letter for replay: %w", err)
	}
	var t storage.Task
	if err := unmarshalSnapshot(dl.Snapshot, &t); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t.ID = newLeaseToken()
	t.State = storage.TaskPending
	t.Attempt = 0
	t.CreatedAt = now
	t.ScheduledFor = now
	if queue != "" {
		t.Queue = queue
	}

	if err := b.insertTask(ctx, tx, &t); err != nil {
		return nil, fmt.Errorf("sql: insert replayed task: %w", err)
	}
	if t.IsRoot {
		if _, err := tx.ExecContext(ctx, b.rebind(`
			UPDATE executions SET state = ?, root_task_id = ?, error_text = '', updated_at = ? WHERE id = ?`),
			storage.ExecutionPending, t.ID, now, t.ExecutionID); err != nil {
			return nil, fmt.Errorf("sql: reopen execution for replay: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sql: commit replay: %w", err)
	}
	return &t, nil
}

func (b *Backend) CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, b.rebind(`
		DELETE FROM tasks WHERE execution_id IN (
			SELECT id FROM executions WHERE updated_at < ? AND state IN (?, ?, ?, ?)
		)`), cutoff, storage.ExecutionCompleted, storage.ExecutionFailed, storage.ExecutionTimedOut, storage.ExecutionCancelled); err != nil {
		return 0, fmt.Errorf("sql: cleanup tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx, b.rebind(`
		DELETE FROM executions WHERE updated_at < ? AND state IN (?, ?, ?, ?)`),
		cutoff, storage.ExecutionCompleted, storage.ExecutionFailed, storage.ExecutionTimedOut, storage.ExecutionCancelled)
	if err != nil {
		return 0, fmt.Errorf("sql: cleanup executions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sql: commit cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddCounter atomically increments an execution's named counter.
// Postgres returns the new total via RETURNING; MySQL has no
// equivalent, so a follow-up SELECT inside the same transaction reads
// it back after the upsert commits its effect.
func (b *Backend) AddCounter(ctx context.Context, executionID, name string, delta int64) (int64, error) {
	if b.dialect.Name() == "postgres" {
		var total int64
		if err := b.db.GetContext(ctx, &total, b.rebind(b.dialect.CounterUpsertSQL()), executionID, name, delta); err != nil {
			return 0, fmt.Errorf("sql: add counter: %w", err)
		}
		return total, nil
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sql: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, b.rebind(b.dialect.CounterUpsertSQL()), executionID, name, delta); err != nil {
		return 0, fmt.Errorf("sql: add counter: %w", err)
	}
	var total int64
	if err := tx.GetContext(ctx, &total, b.rebind(`
		SELECT value FROM execution_counters WHERE execution_id = ? AND name = ?`), executionID, name); err != nil {
		return 0, fmt.Errorf("sql: read counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sql: commit add counter: %w", err)
	}
	return total, nil
}

func (b *Backend) SetCustomState(ctx context.Context, executionID, key string, value []byte) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(b.dialect.CustomStateUpsertSQL()), executionID, key, value); err != nil {
		return fmt.Errorf("sql: set custom state: %w", err)
	}
	return nil
}

func (b *Backend) GetExecutionState(ctx context.Context, executionID string) (map[string]int64, map[string][]byte, error) {
	var counterRows []struct {
		Name  string `db:"name"`
		Value int64  `db:"value"`
	}
	if err := b.db.SelectContext(ctx, &counterRows, b.rebind(`
		SELECT name, value FROM execution_counters WHERE execution_id = ?`), executionID); err != nil {
		return nil, nil, fmt.Errorf("sql: list counters: %w", err)
	}
	counters := make(map[string]int64, len(counterRows))
	for _, r := range counterRows {
		counters[r.Name] = r.Value
	}

	var stateRows []struct {
		Key   string `db:"state_key"`
		Value []byte `db:"value"`
	}
	if err := b.db.SelectContext(ctx, &stateRows, b.rebind(`
		SELECT state_key, value FROM execution_state WHERE execution_id = ?`), executionID); err != nil {
		return nil, nil, fmt.Errorf("sql: list custom state: %w", err)
	}
	customState := make(map[string][]byte, len(stateRows))
	for _, r := range stateRows {
		customState[r.Key] = r.Value
	}
	return counters, customState, nil
}

var _ storage.Backend = (*Backend)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	function_name TEXT NOT NULL,
	root_task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	result BYTEA,
	error_text TEXT NOT NULL DEFAULT '',
	progress BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	parent_task_id TEXT NOT NULL DEFAULT '',
	function_name TEXT NOT NULL,
	args BYTEA,
	queue TEXT NOT NULL DEFAULT 'default',
	priority INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	failure_attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	scheduled_for TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	lease_token TEXT NOT NULL DEFAULT '',
	worker_id TEXT NOT NULL DEFAULT '',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	concurrency_group TEXT NOT NULL DEFAULT '',
	concurrency_limit INTEGER NOT NULL DEFAULT 0,
	cacheable BOOLEAN NOT NULL DEFAULT false,
	idempotency_key TEXT NOT NULL DEFAULT '',
	retry_policy BYTEA,
	result BYTEA,
	error_text TEXT NOT NULL DEFAULT '',
	is_root BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, queue, priority DESC, scheduled_for ASC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_execution ON tasks(execution_id);
CREATE INDEX IF NOT EXISTS idx_tasks_concurrency_group ON tasks(concurrency_group, state);

CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	snapshot BYTEA NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	function_name TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	result BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (function_name, idempotency_key)
);

CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	name TEXT NOT NULL,
	payload BYTEA,
	consumed BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(execution_id, name, consumed, created_at);

CREATE TABLE IF NOT EXISTS execution_counters (
	execution_id TEXT NOT NULL,
	name TEXT NOT NULL,
	value BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, name)
);

CREATE TABLE IF NOT EXISTS execution_state (
	execution_id TEXT NOT NULL,
	state_key TEXT NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (execution_id, state_key)
)
`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id VARCHAR(64) PRIMARY KEY,
	function_name VARCHAR(255) NOT NULL,
	root_task_id VARCHAR(64) NOT NULL,
	state VARCHAR(32) NOT NULL,
	result MEDIUMBLOB,
	error_text TEXT NOT NULL,
	progress MEDIUMBLOB,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	INDEX idx_executions_state (state),
	INDEX idx_executions_created_at (created_at)
);

CREATE TABLE IF NOT EXISTS tasks (
	id VARCHAR(64) PRIMARY KEY,
	execution_id VARCHAR(64) NOT NULL,
	parent_task_id VARCHAR(64) NOT NULL DEFAULT '',
	function_name VARCHAR(255) NOT NULL,
	args MEDIUMBLOB,
	queue VARCHAR(128) NOT NULL DEFAULT 'default',
	priority INT NOT NULL DEFAULT 0,
	tags VARCHAR(512) NOT NULL DEFAULT '',
	state VARCHAR(32) NOT NULL,
	attempt INT NOT NULL DEFAULT 0,
	failure_attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 1,
	scheduled_for DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	claimed_at DATETIME NULL,
	lease_expires_at DATETIME NULL,
	lease_token VARCHAR(64) NOT NULL DEFAULT '',
	worker_id VARCHAR(128) NOT NULL DEFAULT '',
	timeout_seconds INT NOT NULL DEFAULT 0,
	concurrency_group VARCHAR(255) NOT NULL DEFAULT '',
	concurrency_limit INT NOT NULL DEFAULT 0,
	cacheable BOOLEAN NOT NULL DEFAULT false,
	idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
	retry_policy MEDIUMBLOB,
	result MEDIUMBLOB,
	error_text TEXT NOT NULL,
	is_root BOOLEAN NOT NULL DEFAULT false,
	INDEX idx_tasks_claim (state, queue, priority, scheduled_for, created_at),
	INDEX idx_tasks_execution (execution_id),
	INDEX idx_tasks_concurrency_group (concurrency_group, state)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id VARCHAR(64) PRIMARY KEY,
	task_id VARCHAR(64) NOT NULL,
	execution_id VARCHAR(64) NOT NULL,
	snapshot MEDIUMBLOB NOT NULL,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	function_name VARCHAR(255) NOT NULL,
	idempotency_key VARCHAR(255) NOT NULL,
	result MEDIUMBLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (function_name, idempotency_key)
);

CREATE TABLE IF NOT EXISTS signals (
	id VARCHAR(64) PRIMARY KEY,
	execution_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	payload MEDIUMBLOB,
	consumed BOOLEAN NOT NULL DEFAULT false,
	created_at DATETIME NOT NULL,
	INDEX idx_signals_pending (execution_id, name, consumed, created_at)
);

CREATE TABLE IF NOT EXISTS execution_counters (
	execution_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	value BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, name)
);

CREATE TABLE IF NOT EXISTS execution_state (
	execution_id VARCHAR(64) NOT NULL,
	state_key VARCHAR(255) NOT NULL,
	value MEDIUMBLOB NOT NULL,
	PRIMARY KEY (execution_id, state_key)
)
`
