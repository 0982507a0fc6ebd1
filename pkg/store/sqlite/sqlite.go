// The MIT License
//
// Copyright (c) 2024 Functionless Corp.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package sqlite implements store.HistoryStore, store.ExecutionStore,
// store.TaskClaimStore, and store.EntityStore against a single SQLite
// database via sqlx. Uses modernc.org/sqlite as a pure-Go driver so
// the engine stays a single static binary.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS history_events (
	execution_id TEXT NOT NULL,
	ordinal      INTEGER NOT NULL,
	payload      TEXT NOT NULL,
	PRIMARY KEY (execution_id, ordinal)
);

CREATE TABLE IF NOT EXISTS executions (
	execution_id   TEXT PRIMARY KEY,
	workflow_name  TEXT NOT NULL,
	execution_name TEXT NOT NULL,
	input          TEXT,
	input_hash     TEXT NOT NULL,
	start_time     TEXT NOT NULL,
	end_time       TEXT,
	status         TEXT NOT NULL,
	result         TEXT,
	error          TEXT,
	message        TEXT,
	parent_execution_id TEXT,
	parent_seq     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_name);

CREATE TABLE IF NOT EXISTS task_claims (
	execution_id TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	retry        INTEGER NOT NULL,
	claimer      TEXT NOT NULL,
	claimed_at   TEXT NOT NULL,
	heartbeat_at TEXT NOT NULL,
	PRIMARY KEY (execution_id, seq, retry)
);

CREATE TABLE IF NOT EXISTS entities (
	key     TEXT PRIMARY KEY,
	value   BLOB,
	version INTEGER NOT NULL
);
`

// DB wraps the shared *sqlx.DB; each store type below is a thin view
// over the same connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens (creating if absent) a SQLite database at dsn and applies
// the engine's schema. dsn is passed straight to modernc.org/sqlite,
// e.g. "file:eventual.db?_pragma=busy_timeout(5000)".
func Open(dsn string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention errors
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) HistoryStore() *HistoryStore           { return &HistoryStore{db: d.conn} }
func (d *DB) ExecutionStore() *ExecutionStore       { return &ExecutionStore{db: d.conn} }
func (d *DB) TaskClaimStore() *TaskClaimStore       { return &TaskClaimStore{db: d.conn} }
func (d *DB) EntityStore() *EntityStore             { return &EntityStore{db: d.conn} }

// HistoryStore is a store.HistoryStore backed by the history_events
// table, one row per event ordered by an append-order ordinal.
type HistoryStore struct {
	db *sqlx.DB
}

var _ store.HistoryStore = (*HistoryStore)(nil)

func (h *HistoryStore) AppendHistory(ctx context.Context, executionID string, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(ordinal), -1) + 1 FROM history_events WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("sqlite: next ordinal: %w", err)
	}
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("sqlite: marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO history_events (execution_id, ordinal, payload) VALUES (?, ?, ?)`, executionID, next, string(payload)); err != nil {
			return fmt.Errorf("sqlite: insert event: %w", err)
		}
		next++
	}
	return tx.Commit()
}

func (h *HistoryStore) ReadHistory(ctx context.Context, executionID string) ([]*event.Event, error) {
	var rows []string
	if err := h.db.SelectContext(ctx, &rows, `SELECT payload FROM history_events WHERE execution_id = ? ORDER BY ordinal`, executionID); err != nil {
		return nil, fmt.Errorf("sqlite: read history: %w", err)
	}
	events := make([]*event.Event, len(rows))
	for i, raw := range rows {
		var e event.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal event: %w", err)
		}
		events[i] = &e
	}
	return events, nil
}

// executionRow is the sqlx scan target for the executions table.
type executionRow struct {
	ExecutionID       string         `db:"execution_id"`
	WorkflowName      string         `db:"workflow_name"`
	ExecutionName     string         `db:"execution_name"`
	Input             sql.NullString `db:"input"`
	InputHash         string         `db:"input_hash"`
	StartTime         string         `db:"start_time"`
	EndTime           sql.NullString `db:"end_time"`
	Status            string         `db:"status"`
	Result            sql.NullString `db:"result"`
	Error             sql.NullString `db:"error"`
	Message           sql.NullString `db:"message"`
	ParentExecutionID sql.NullString `db:"parent_execution_id"`
	ParentSeq         sql.NullInt64  `db:"parent_seq"`
}

func (r executionRow) toExecution() (*event.Execution, error) {
	start, err := time.Parse(time.RFC3339Nano, r.StartTime)
	if err != nil {
		return nil, err
	}
	exe := &event.Execution{
		ExecutionID:   r.ExecutionID,
		WorkflowName:  r.WorkflowName,
		ExecutionName: r.ExecutionName,
		InputHash:     r.InputHash,
		StartTime:     start,
		Status:        event.Status(r.Status),
	}
	if r.Input.Valid {
		exe.Input = json.RawMessage(r.Input.String)
	}
	if r.EndTime.Valid {
		t, err := time.Parse(time.RFC3339Nano, r.EndTime.String)
		if err != nil {
			return nil, err
		}
		exe.EndTime = &t
	}
	if r.Result.Valid {
		exe.Result = json.RawMessage(r.Result.String)
	}
	exe.Error = r.Error.String
	exe.Message = r.Message.String
	if r.ParentExecutionID.Valid {
		exe.Parent = &event.ParentRef{ExecutionID: r.ParentExecutionID.String, Seq: r.ParentSeq.Int64}
	}
	return exe, nil
}

// ExecutionStore is a store.ExecutionStore backed by the executions
// table.
type ExecutionStore struct {
	db *sqlx.DB
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

func (s *ExecutionStore) CreateExecution(ctx context.Context, exe *event.Execution) error {
	var parentID, parentSeq any
	if exe.Parent != nil {
		parentID = exe.Parent.ExecutionID
		parentSeq = exe.Parent.Seq
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, workflow_name, execution_name, input, input_hash, start_time, status, parent_execution_id, parent_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exe.ExecutionID, exe.WorkflowName, exe.ExecutionName, string(exe.Input), exe.InputHash,
		exe.StartTime.UTC().Format(time.RFC3339Nano), string(exe.Status), parentID, parentSeq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("sqlite: create execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) GetExecution(ctx context.Context, executionID string) (*event.Execution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE execution_id = ?`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get execution: %w", err)
	}
	return row.toExecution()
}

func (s *ExecutionStore) CompleteExecution(ctx context.Context, executionID string, status event.Status, endTime time.Time, result []byte, errName, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, end_time = ?, result = ?, error = ?, message = ?
		WHERE execution_id = ? AND status = ?`,
		string(status), endTime.UTC().Format(time.RFC3339Nano), string(result), errName, message,
		executionID, string(event.StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("sqlite: complete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetExecution(ctx, executionID); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, filter store.ListFilter) (store.ListPage, error) {
	query := `SELECT * FROM executions WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, filter.WorkflowName)
	}
	query += ` ORDER BY start_time`

	size := filter.PageSize
	if size <= 0 {
		size = 100
	}
	offset := 0
	if filter.PageToken != "" {
		fmt.Sscanf(filter.PageToken, "%d", &offset)
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, size+1, offset)

	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return store.ListPage{}, fmt.Errorf("sqlite: list executions: %w", err)
	}

	hasMore := len(rows) > size
	if hasMore {
		rows = rows[:size]
	}
	page := store.ListPage{}
	for _, r := range rows {
		exe, err := r.toExecution()
		if err != nil {
			return store.ListPage{}, err
		}
		page.Executions = append(page.Executions, exe)
	}
	if hasMore {
		page.NextPageToken = fmt.Sprintf("%d", offset+size)
	}
	return page, nil
}

// TaskClaimStore is a store.TaskClaimStore backed by the task_claims
// table; Claim relies on the primary key to implement first-writer-wins.
type TaskClaimStore struct {
	db *sqlx.DB
}

var _ store.TaskClaimStore = (*TaskClaimStore)(nil)

func (t *TaskClaimStore) Claim(ctx context.Context, executionID string, seq int64, retry int, claimer string, now time.Time) (bool, error) {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO task_claims (execution_id, seq, retry, claimer, claimed_at, heartbeat_at) VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, seq, retry, claimer, now.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("sqlite: claim: %w", err)
	}
	return true, nil
}

func (t *TaskClaimStore) Heartbeat(ctx context.Context, executionID string, seq int64, retry int, now time.Time) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE task_claims SET heartbeat_at = ? WHERE execution_id = ? AND seq = ? AND retry = ?`,
		now.UTC().Format(time.RFC3339Nano), executionID, seq, retry,
	)
	if err != nil {
		return fmt.Errorf("sqlite: heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *TaskClaimStore) Get(ctx context.Context, executionID string, seq int64, retry int) (*store.TaskClaim, error) {
	type row struct {
		Claimer     string `db:"claimer"`
		ClaimedAt   string `db:"claimed_at"`
		HeartbeatAt string `db:"heartbeat_at"`
	}
	var r row
	err := t.db.GetContext(ctx, &r, `SELECT claimer, claimed_at, heartbeat_at FROM task_claims WHERE execution_id = ? AND seq = ? AND retry = ?`, executionID, seq, retry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get claim: %w", err)
	}
	claimedAt, err := time.Parse(time.RFC3339Nano, r.ClaimedAt)
	if err != nil {
		return nil, err
	}
	heartbeat, err := time.Parse(time.RFC3339Nano, r.HeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &store.TaskClaim{ExecutionID: executionID, Seq: seq, Retry: retry, Claimer: r.Claimer, ClaimedAt: claimedAt, Heartbeat: heartbeat}, nil
}

// EntityStore is a store.EntityStore backed by the entities table, using
// a monotonically increasing integer version column for optimistic
// concurrency.
type EntityStore struct {
	db *sqlx.DB
}

var _ store.EntityStore = (*EntityStore)(nil)

func (e *EntityStore) Get(ctx context.Context, key string) (store.EntityRecord, error) {
	type row struct {
		Value   []byte `db:"value"`
		Version int64  `db:"version"`
	}
	var r row
	err := e.db.GetContext(ctx, &r, `SELECT value, version FROM entities WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return store.EntityRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.EntityRecord{}, fmt.Errorf("sqlite: get entity: %w", err)
	}
	return store.EntityRecord{Value: r.Value, Version: fmt.Sprintf("%d", r.Version)}, nil
}

func (e *EntityStore) Put(ctx context.Context, key string, value []byte, expectedVersion store.EntityVersion) (store.EntityVersion, error) {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var curVersion sql.NullInt64
	err = tx.GetContext(ctx, &curVersion, `SELECT version FROM entities WHERE key = ?`, key)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: get entity: %w", err)
	}
	if !versionMatches(exists, curVersion.Int64, expectedVersion) {
		return "", store.ErrConflict
	}

	newVersion := curVersion.Int64 + 1
	if exists {
		if _, err := tx.ExecContext(ctx, `UPDATE entities SET value = ?, version = ? WHERE key = ?`, value, newVersion, key); err != nil {
			return "", fmt.Errorf("sqlite: update entity: %w", err)
		}
	} else {
		newVersion = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO entities (key, value, version) VALUES (?, ?, ?)`, key, value, newVersion); err != nil {
			return "", fmt.Errorf("sqlite: insert entity: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit: %w", err)
	}
	return fmt.Sprintf("%d", newVersion), nil
}

func (e *EntityStore) Delete(ctx context.Context, key string, expectedVersion store.EntityVersion) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var curVersion int64
	err = tx.GetContext(ctx, &curVersion, `SELECT version FROM entities WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: get entity: %w", err)
	}
	if expectedVersion != "" && fmt.Sprintf("%d", curVersion) != expectedVersion {
		return store.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete entity: %w", err)
	}
	return tx.Commit()
}

func (e *EntityStore) AssertUnchanged(ctx context.Context, key string, observedVersion store.EntityVersion) error {
	var curVersion sql.NullInt64
	err := e.db.GetContext(ctx, &curVersion, `SELECT version FROM entities WHERE key = ?`, key)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: assert unchanged: %w", err)
	}
	if !versionMatches(exists, curVersion.Int64, observedVersion) {
		return store.ErrConflict
	}
	return nil
}

func versionMatches(exists bool, curVersion int64, expected store.EntityVersion) bool {
	if expected == "" {
		return !exists
	}
	return exists && fmt.Sprintf("%d", curVersion) == expected
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint violation")
}
