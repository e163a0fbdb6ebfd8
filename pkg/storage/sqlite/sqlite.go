// Package sqlite implements storage.Backend on an embedded SQLite
// database, in the style of the teacher's
// pkg/storage/sqlite/workflow_aggregate_repo.go: a single *sqlx.DB,
// WAL journaling, and one big schema migration run on every start.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/senpuki/senpuki/pkg/storage"
)

// Backend is the embedded storage.Backend implementation.
type Backend struct {
	db *sqlx.DB
}

// Open connects to (creating if necessary) a SQLite database file at
// path and configures it for concurrent access. "_txlock=immediate" on
// the DSN makes every *sql.Tx begin with BEGIN IMMEDIATE, giving
// ClaimNextTask a write lock up front instead of racing on upgrade.
func Open(path string) (*Backend, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers anyway; one conn avoids SQLITE_BUSY entirely.
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

func configure(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("sqlite: configure %q: %w", p, err)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	function_name TEXT NOT NULL,
	root_task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	result BLOB,
	error_text TEXT NOT NULL DEFAULT '',
	progress BLOB,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	parent_task_id TEXT NOT NULL DEFAULT '',
	function_name TEXT NOT NULL,
	args BLOB,
	queue TEXT NOT NULL DEFAULT 'default',
	priority INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	failure_attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	scheduled_for TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	claimed_at TIMESTAMP,
	lease_expires_at TIMESTAMP,
	lease_token TEXT NOT NULL DEFAULT '',
	worker_id TEXT NOT NULL DEFAULT '',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	concurrency_group TEXT NOT NULL DEFAULT '',
	concurrency_limit INTEGER NOT NULL DEFAULT 0,
	cacheable INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL DEFAULT '',
	retry_policy BLOB,
	result BLOB,
	error_text TEXT NOT NULL DEFAULT '',
	is_root INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, queue, priority DESC, scheduled_for ASC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_execution ON tasks(execution_id);
CREATE INDEX IF NOT EXISTS idx_tasks_concurrency_group ON tasks(concurrency_group, state);
CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(state, lease_expires_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	snapshot BLOB NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);

CREATE TABLE IF NOT EXISTS cache_entries (
	function_name TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	result BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (function_name, idempotency_key)
);

CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	name TEXT NOT NULL,
	payload BLOB,
	consumed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(execution_id, name, consumed, created_at);

CREATE TABLE IF NOT EXISTS execution_counters (
	execution_id TEXT NOT NULL,
	name TEXT NOT NULL,
	value INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, name)
);

CREATE TABLE IF NOT EXISTS execution_state (
	execution_id TEXT NOT NULL,
	state_key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (execution_id, state_key)
);
`

// InitSchema runs the full schema migration. Safe to call repeatedly.
func (b *Backend) InitSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) CreateExecutionWithRootTask(ctx context.Context, exec *storage.Execution, root *storage.Task) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	now := exec.CreatedAt
	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, function_name, root_task_id, state, result, error_text, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.FunctionName, exec.RootTaskID, exec.State, exec.Result, exec.ErrorText, exec.ProgressRaw, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: insert execution: %w", err)
	}
	if err := insertTask(ctx, tx, root); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	log.Ctx(ctx).Debug().Str("execution_id", exec.ID).Str("function", exec.FunctionName).Msg("execution created")
	return nil
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t *storage.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, execution_id, parent_task_id, function_name, args, queue, priority, tags,
			state, attempt, max_attempts, scheduled_for, created_at, timeout_seconds,
			concurrency_group, concurrency_limit, cacheable, idempotency_key, retry_policy, is_root
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ExecutionID, t.ParentTaskID, t.FunctionName, t.Args, t.Queue, t.Priority, t.Tags,
		t.State, t.Attempt, t.MaxAttempts, t.ScheduledFor, t.CreatedAt, t.TimeoutSeconds,
		t.ConcurrencyGroup, t.ConcurrencyLimit, t.Cacheable, t.IdempotencyKey, t.RetryPolicy, t.IsRoot)
	if err != nil {
		return fmt.Errorf("sqlite: insert task: %w", err)
	}
	return nil
}

func (b *Backend) DispatchChildTask(ctx context.Context, t *storage.Task) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()
	if err := insertTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextTask runs inside a BEGIN IMMEDIATE transaction (via the
// _txlock=immediate DSN option) so the SELECT-then-UPDATE claim
// sequence is atomic across concurrent workers without needing
// SELECT ... FOR UPDATE, which SQLite has no notion of.
func (b *Backend) ClaimNextTask(ctx context.Context, queues []string, requiredTags []string, workerID string, leaseDuration time.Duration) (*storage.Task, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	query := `
		SELECT t.* FROM tasks t
		WHERE (
			t.state = ?
			OR (t.state IN (?, ?) AND t.lease_expires_at <= ?)
		)
		  AND t.scheduled_for <= ?
		  AND t.execution_id NOT IN (SELECT id FROM executions WHERE state = ?)
	`
	args := []any{storage.TaskPending, storage.TaskClaimed, storage.TaskRunning, now, now, storage.ExecutionCancelled}
	if len(queues) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
		query += fmt.Sprintf(" AND t.queue IN (%s)", placeholders)
		for _, q := range queues {
			args = append(args, q)
		}
	}
	for _, tag := range requiredTags {
		query += " AND t.tags LIKE ?"
		args = append(args, "%,"+tag+",%")
	}
	query += `
		  AND (
			t.concurrency_group = '' OR t.concurrency_limit <= 0 OR (
				SELECT COUNT(*) FROM tasks r
				WHERE r.concurrency_group = t.concurrency_group AND r.state IN ('claimed', 'running')
					AND r.id != t.id
			) < t.concurrency_limit
		  )
		ORDER BY t.priority DESC, t.scheduled_for ASC, t.created_at ASC
		LIMIT 1
	`

	var candidate storage.Task
	if err := tx.GetContext(ctx, &candidate, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNoTaskReady
		}
		return nil, fmt.Errorf("sqlite: select claimable task: %w", err)
	}

	token := newLeaseToken()
	expires := now.Add(leaseDuration)
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, attempt = attempt + 1, claimed_at = ?, lease_expires_at = ?,
			lease_token = ?, worker_id = ?
		WHERE id = ? AND (state = ? OR (state IN (?, ?) AND lease_expires_at <= ?))`,
		storage.TaskClaimed, now, expires, token, workerID,
		candidate.ID, storage.TaskPending, storage.TaskClaimed, storage.TaskRunning, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Another transaction beat us between SELECT and UPDATE; with
		// BEGIN IMMEDIATE this should not happen, but stay defensive.
		return nil, storage.ErrNoTaskReady
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
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
	res, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?,
			state = CASE WHEN state = ? THEN ? ELSE state END
		WHERE id = ? AND lease_token = ? AND state IN ('claimed', 'running')`,
		expires, storage.TaskClaimed, storage.TaskRunning, taskID, leaseToken)
	if err != nil {
		return fmt.Errorf("sqlite: renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrLeaseMismatch
	}
	return nil
}

func (b *Backend) CompleteTask(ctx context.Context, taskID, leaseToken string, result []byte) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, result = ?
		WHERE id = ? AND lease_token = ?`,
		storage.TaskCompleted, result, taskID, leaseToken)
	if err != nil {
		return fmt.Errorf("sqlite: complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrLeaseMismatch
	}

	var t storage.Task
	if err := tx.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("sqlite: reload completed task: %w", err)
	}
	if t.IsRoot {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = ?, result = ?, updated_at = ?
			WHERE id = ?`, storage.ExecutionCompleted, result, now, t.ExecutionID); err != nil {
			return fmt.Errorf("sqlite: complete execution: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) FailTask(ctx context.Context, taskID, leaseToken, errText string, retry bool, nextAttemptAt time.Time) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var t storage.Task
	if err := tx.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ? AND lease_token = ?`, taskID, leaseToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrLeaseMismatch
		}
		return fmt.Errorf("sqlite: load task for failure: %w", err)
	}

	if retry {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, scheduled_for = ?, error_text = ?, lease_token = '', worker_id = '',
				failure_attempts = failure_attempts + 1
			WHERE id = ?`, storage.TaskPending, nextAttemptAt, errText, taskID); err != nil {
			return fmt.Errorf("sqlite: reschedule task: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, error_text = ?, failure_attempts = failure_attempts + 1 WHERE id = ?`,
		storage.TaskDead, errText, taskID); err != nil {
		return fmt.Errorf("sqlite: mark task dead: %w", err)
	}
	snapshot, err := marshalSnapshot(&t, errText)
	if err != nil {
		return err
	}
	dl := storage.DeadLetter{
		ID:          newLeaseToken(),
		TaskID:      t.ID,
		ExecutionID: t.ExecutionID,
		Snapshot:    snapshot,
		Reason:      errText,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, task_id, execution_id, snapshot, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.TaskID, dl.ExecutionID, dl.Snapshot, dl.Reason, dl.CreatedAt); err != nil {
		return fmt.Errorf("sqlite: insert dead letter: %w", err)
	}
	if t.IsRoot {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = ?, error_text = ?, updated_at = ? WHERE id = ?`,
			storage.ExecutionFailed, errText, now, t.ExecutionID); err != nil {
			return fmt.Errorf("sqlite: fail execution: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) TimeoutTask(ctx context.Context, taskID, leaseToken, errText string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var t storage.Task
	if err := tx.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ? AND lease_token = ?`, taskID, leaseToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrLeaseMismatch
		}
		return fmt.Errorf("sqlite: load task for timeout: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, error_text = ?, failure_attempts = failure_attempts + 1 WHERE id = ?`,
		storage.TaskDead, errText, taskID); err != nil {
		return fmt.Errorf("sqlite: mark task dead on timeout: %w", err)
	}
	snapshot, err := marshalSnapshot(&t, errText)
	if err != nil {
		return err
	}
	dl := storage.DeadLetter{
		ID:          newLeaseToken(),
		TaskID:      t.ID,
		ExecutionID: t.ExecutionID,
		Snapshot:    snapshot,
		Reason:      errText,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, task_id, execution_id, snapshot, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.TaskID, dl.ExecutionID, dl.Snapshot, dl.Reason, dl.CreatedAt); err != nil {
		return fmt.Errorf("sqlite: insert dead letter on timeout: %w", err)
	}
	if t.IsRoot {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = ?, error_text = ?, updated_at = ? WHERE id = ?`,
			storage.ExecutionTimedOut, errText, now, t.ExecutionID); err != nil {
			return fmt.Errorf("sqlite: time out execution: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) CancelExecution(ctx context.Context, executionID string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var state storage.ExecutionState
	if err := tx.GetContext(ctx, &state, `SELECT state FROM executions WHERE id = ?`, executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlite: load execution for cancel: %w", err)
	}
	if state.Terminal() {
		return storage.ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET state = ?, updated_at = ? WHERE id = ?`,
		storage.ExecutionCancelled, now, executionID); err != nil {
		return fmt.Errorf("sqlite: cancel execution: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) ParkTask(ctx context.Context, taskID, leaseToken string, resumeAt time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, scheduled_for = ?, lease_token = '', worker_id = ''
		WHERE id = ? AND lease_token = ?`,
		storage.TaskPending, resumeAt, taskID, leaseToken)
	if err != nil {
		return fmt.Errorf("sqlite: park task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrLeaseMismatch
	}
	return nil
}

func (b *Backend) GetTask(ctx context.Context, taskID string) (*storage.Task, error) {
	var t storage.Task
	if err := b.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get task: %w", err)
	}
	return &t, nil
}

func (b *Backend) GetExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	var e storage.Execution
	if err := b.db.GetContext(ctx, &e, `SELECT * FROM executions WHERE id = ?`, executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get execution: %w", err)
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
	if err := b.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
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
	if err := b.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("sqlite: count executions: %w", err)
	}
	return n, nil
}

func (b *Backend) UpdateExecutionState(ctx context.Context, executionID string, state storage.ExecutionState, result []byte, errText string) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, `
		UPDATE executions SET state = ?, result = ?, error_text = ?, updated_at = ?
		WHERE id = ?`, state, result, errText, now, executionID)
	if err != nil {
		return fmt.Errorf("sqlite: update execution state: %w", err)
	}
	return nil
}

func (b *Backend) AppendProgress(ctx context.Context, executionID string, entry storage.ProgressEntry) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.GetContext(ctx, &raw, `SELECT progress FROM executions WHERE id = ?`, executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlite: load progress: %w", err)
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
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET progress = ?, updated_at = ? WHERE id = ?`,
		newRaw, time.Now().UTC(), executionID); err != nil {
		return fmt.Errorf("sqlite: save progress: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) CacheGet(ctx context.Context, functionName, key string) ([]byte, error) {
	var result []byte
	err := b.db.GetContext(ctx, &result, `
		SELECT result FROM cache_entries WHERE function_name = ? AND idempotency_key = ?`, functionName, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCacheMiss
		}
		return nil, fmt.Errorf("sqlite: cache get: %w", err)
	}
	return result, nil
}

func (b *Backend) CachePut(ctx context.Context, functionName, key string, result []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cache_entries (function_name, idempotency_key, result, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (function_name, idempotency_key) DO NOTHING`,
		functionName, key, result, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: cache put: %w", err)
	}
	return nil
}

func (b *Backend) SendSignal(ctx context.Context, executionID, name string, payload []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO signals (id, execution_id, name, payload, consumed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		newLeaseToken(), executionID, name, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: send signal: %w", err)
	}
	return nil
}

func (b *Backend) ConsumeSignal(ctx context.Context, executionID, name string) (*storage.Signal, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var sig storage.Signal
	err = tx.GetContext(ctx, &sig, `
		SELECT * FROM signals WHERE execution_id = ? AND name = ? AND consumed = 0
		ORDER BY created_at ASC LIMIT 1`, executionID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: select signal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE signals SET consumed = 1 WHERE id = ?`, sig.ID); err != nil {
		return nil, fmt.Errorf("sqlite: consume signal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit consume signal: %w", err)
	}
	sig.Consumed = true
	return &sig, nil
}

func (b *Backend) ListDeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*storage.DeadLetter
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT * FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("sqlite: list dead letters: %w", err)
	}
	return rows, nil
}

func (b *Backend) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, fmt.Errorf("sqlite: count dead letters: %w", err)
	}
	return n, nil
}

func (b *Backend) GetDeadLetter(ctx context.Context, id string) (*storage.DeadLetter, error) {
	var dl storage.DeadLetter
	if err := b.db.GetContext(ctx, &dl, `SELECT * FROM dead_letters WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get dead letter: %w", err)
	}
	return &dl, nil
}

func (b *Backend) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ReplayDeadLetter inserts a brand-new pending task from the dead
// letter's snapshot rather than resurrecting the original row: the
// original task stays exactly as FailTask/TimeoutTask left it (state
// 'dead', its final error_text and failure_attempts intact) so it
// remains an accurate historical record, and the dead_letters row is
// left in place for the caller to remove explicitly via
// DeleteDeadLetter once satisfied with the replay. If queue is
// non-empty, the new task is dispatched to that queue instead of the
// snapshot's original one. Replaying a dead-lettered root task also
// resets its owning execution back to ExecutionPending and repoints
// RootTaskID at the new task, since FailTask/TimeoutTask already moved
// that execution to a terminal state when the original task died.
func (b *Backend) ReplayDeadLetter(ctx context.Context, id string, queue string) (*storage.Task, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var dl storage.DeadLetter
	if err := tx.GetContext(ctx, &dl, `SELECT * FROM dead_letters WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get dead letter for replay: %w", err)
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

	if err := insertTask(ctx, tx, &t); err != nil {
		return nil, fmt.Errorf("sqlite: insert replayed task: %w", err)
	}
	if t.IsRoot {
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = ?, root_task_id = ?, error_text = '', updated_at = ? WHERE id = ?`,
			storage.ExecutionPending, t.ID, now, t.ExecutionID); err != nil {
			return nil, fmt.Errorf("sqlite: reopen execution for replay: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit replay: %w", err)
	}
	return &t, nil
}

func (b *Backend) CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE execution_id IN (
			SELECT id FROM executions WHERE updated_at < ? AND state IN (?, ?, ?, ?)
		)`, cutoff, storage.ExecutionCompleted, storage.ExecutionFailed, storage.ExecutionTimedOut, storage.ExecutionCancelled)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup tasks: %w", err)
	}
	res2, err := tx.ExecContext(ctx, `
		DELETE FROM executions WHERE updated_at < ? AND state IN (?, ?, ?, ?)`,
		cutoff, storage.ExecutionCompleted, storage.ExecutionFailed, storage.ExecutionTimedOut, storage.ExecutionCancelled)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup executions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit cleanup: %w", err)
	}
	n, _ := res2.RowsAffected()
	n2, _ := res.RowsAffected()
	log.Ctx(ctx).Debug().Int64("executions", n).Int64("tasks", n2).Msg("cleanup swept terminal executions")
	return n, nil
}

// AddCounter atomically increments an execution's named counter,
// creating it at delta if it does not yet exist, and returns the new
// total in the same statement.
func (b *Backend) AddCounter(ctx context.Context, executionID, name string, delta int64) (int64, error) {
	var total int64
	err := b.db.GetContext(ctx, &total, `
		INSERT INTO execution_counters (execution_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT (execution_id, name) DO UPDATE SET value = execution_counters.value + excluded.value
		RETURNING value`, executionID, name, delta)
	if err != nil {
		return 0, fmt.Errorf("sqlite: add counter: %w", err)
	}
	return total, nil
}

func (b *Backend) SetCustomState(ctx context.Context, executionID, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO execution_state (execution_id, state_key, value) VALUES (?, ?, ?)
		ON CONFLICT (execution_id, state_key) DO UPDATE SET value = excluded.value`,
		executionID, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set custom state: %w", err)
	}
	return nil
}

func (b *Backend) GetExecutionState(ctx context.Context, executionID string) (map[string]int64, map[string][]byte, error) {
	var counterRows []struct {
		Name  string `db:"name"`
		Value int64  `db:"value"`
	}
	if err := b.db.SelectContext(ctx, &counterRows, `
		SELECT name, value FROM execution_counters WHERE execution_id = ?`, executionID); err != nil {
		return nil, nil, fmt.Errorf("sqlite: list counters: %w", err)
	}
	counters := make(map[string]int64, len(counterRows))
	for _, r := range counterRows {
		counters[r.Name] = r.Value
	}

	var stateRows []struct {
		Key   string `db:"state_key"`
		Value []byte `db:"value"`
	}
	if err := b.db.SelectContext(ctx, &stateRows, `
		SELECT state_key, value FROM execution_state WHERE execution_id = ?`, executionID); err != nil {
		return nil, nil, fmt.Errorf("sqlite: list custom state: %w", err)
	}
	customState := make(map[string][]byte, len(stateRows))
	for _, r := range stateRows {
		customState[r.Key] = r.Value
	}
	return counters, customState, nil
}

var _ storage.Backend = (*Backend)(nil)
