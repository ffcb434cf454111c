package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	scope               TEXT NOT NULL,
	requester           TEXT NOT NULL DEFAULT '',
	requester_channel   TEXT NOT NULL,
	original_request    TEXT NOT NULL,
	delegated_to        TEXT NOT NULL,
	parent_task_id      TEXT NOT NULL DEFAULT '',
	parent_scope        TEXT NOT NULL DEFAULT '',
	delegation_context  TEXT,
	pending_delegations INTEGER NOT NULL DEFAULT 0,
	origin_handle       TEXT NOT NULL DEFAULT '',
	trace_id            TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS delegation_history (
	id           TEXT PRIMARY KEY,
	scope        TEXT NOT NULL,
	source_agent TEXT NOT NULL DEFAULT '',
	target_agent TEXT NOT NULL,
	task_text    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	result       TEXT,
	error        TEXT,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	completed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_scope ON delegation_history(scope);
`

// OpenDB opens (and migrates) the shared sqlite database backing all scopes.
func OpenDB(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(taskSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply task schema: %w", err)
	}
	return db, nil
}

type taskRow struct {
	ID                 string         `db:"id"`
	Scope              string         `db:"scope"`
	Requester          string         `db:"requester"`
	RequesterChannel   string         `db:"requester_channel"`
	OriginalRequest    string         `db:"original_request"`
	DelegatedTo        string         `db:"delegated_to"`
	ParentTaskID       string         `db:"parent_task_id"`
	ParentScope        string         `db:"parent_scope"`
	DelegationContext  sql.NullString `db:"delegation_context"`
	PendingDelegations int            `db:"pending_delegations"`
	OriginHandle       string         `db:"origin_handle"`
	TraceID            string         `db:"trace_id"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r *taskRow) toTask() (*Task, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parse task id %q: %w", r.ID, err)
	}
	t := &Task{
		ID:                 id,
		Scope:              r.Scope,
		Requester:          r.Requester,
		RequesterChannel:   Channel(r.RequesterChannel),
		OriginalRequest:    r.OriginalRequest,
		DelegatedTo:        r.DelegatedTo,
		ParentScope:        r.ParentScope,
		PendingDelegations: r.PendingDelegations,
		OriginHandle:       r.OriginHandle,
		CreatedAt:          r.CreatedAt,
	}
	if r.ParentTaskID != "" {
		if t.ParentTaskID, err = uuid.Parse(r.ParentTaskID); err != nil {
			return nil, fmt.Errorf("parse parent id %q: %w", r.ParentTaskID, err)
		}
	}
	if r.TraceID != "" {
		if t.TraceID, err = uuid.Parse(r.TraceID); err != nil {
			return nil, fmt.Errorf("parse trace id %q: %w", r.TraceID, err)
		}
	}
	if r.DelegationContext.Valid && r.DelegationContext.String != "" {
		var dc DelegationContext
		if err := json.Unmarshal([]byte(r.DelegationContext.String), &dc); err != nil {
			return nil, fmt.Errorf("decode delegation context: %w", err)
		}
		t.DelegationContext = &dc
	}
	return t, nil
}

func rowFromTask(t *Task) (*taskRow, error) {
	r := &taskRow{
		ID:                 t.ID.String(),
		Scope:              t.Scope,
		Requester:          t.Requester,
		RequesterChannel:   string(t.RequesterChannel),
		OriginalRequest:    t.OriginalRequest,
		DelegatedTo:        t.DelegatedTo,
		ParentScope:        t.ParentScope,
		PendingDelegations: t.PendingDelegations,
		OriginHandle:       t.OriginHandle,
		CreatedAt:          t.CreatedAt,
	}
	if t.ParentTaskID != uuid.Nil {
		r.ParentTaskID = t.ParentTaskID.String()
	}
	if t.TraceID != uuid.Nil {
		r.TraceID = t.TraceID.String()
	}
	if t.DelegationContext != nil {
		raw, err := json.Marshal(t.DelegationContext)
		if err != nil {
			return nil, fmt.Errorf("encode delegation context: %w", err)
		}
		r.DelegationContext = sql.NullString{String: string(raw), Valid: true}
	}
	return r, nil
}

// SQLiteStore is the durable Store variant. One instance per scope over a
// shared database; every Task field round-trips exactly through the tasks table.
// Read-modify-write sequences serialize on a store-level mutex, which plays
// the same role as the memory store's per-key locks (contention on a single
// scope is low).
type SQLiteStore struct {
	db    *sqlx.DB
	scope string
	mu    sync.Mutex
}

// NewSQLiteStore returns the durable store for one scope.
func NewSQLiteStore(db *sqlx.DB, scope string) *SQLiteStore {
	return &SQLiteStore{db: db, scope: scope}
}

const taskInsert = `
INSERT INTO tasks (id, scope, requester, requester_channel, original_request,
	delegated_to, parent_task_id, parent_scope, delegation_context,
	pending_delegations, origin_handle, trace_id, created_at)
VALUES (:id, :scope, :requester, :requester_channel, :original_request,
	:delegated_to, :parent_task_id, :parent_scope, :delegation_context,
	:pending_delegations, :origin_handle, :trace_id, :created_at)`

func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Scope = s.scope
	row, err := rowFromTask(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.NamedExecContext(ctx, taskInsert, row); err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, id uuid.UUID) (*Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM tasks WHERE id = ? AND scope = ?`, id.String(), s.scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return row.toTask()
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *SQLiteStore) Update(ctx context.Context, id uuid.UUID, fn func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	row, err := rowFromTask(t)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE tasks SET
			requester = :requester,
			requester_channel = :requester_channel,
			original_request = :original_request,
			delegated_to = :delegated_to,
			parent_task_id = :parent_task_id,
			parent_scope = :parent_scope,
			delegation_context = :delegation_context,
			pending_delegations = :pending_delegations,
			origin_handle = :origin_handle,
			trace_id = :trace_id
		WHERE id = :id AND scope = :scope`, row)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if t.PendingDelegations > 0 {
		return fmt.Errorf("delete task %s: %w", id, ErrPendingDelegations)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND scope = ?`, id.String(), s.scope); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks WHERE scope = ? ORDER BY created_at`, s.scope); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }
