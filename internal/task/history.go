package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Delegation history status constants.
const (
	HistoryStatusCompleted = "completed"
	HistoryStatusFailed    = "failed"
)

// HistoryRecord is a persisted record of one finished delegation, kept for
// operator visibility after the task itself has been deleted.
type HistoryRecord struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Scope       string     `db:"scope" json:"scope"`
	SourceAgent string     `db:"source_agent" json:"source_agent,omitempty"`
	TargetAgent string     `db:"target_agent" json:"target_agent"`
	TaskText    string     `db:"task_text" json:"task_text,omitempty"`
	Status      string     `db:"status" json:"status"`
	Result      *string    `db:"result" json:"result,omitempty"`
	Error       *string    `db:"error" json:"error,omitempty"`
	DurationMS  int        `db:"duration_ms" json:"duration_ms"`
	CompletedAt time.Time  `db:"completed_at" json:"completed_at"`
}

// HistoryStore persists finished delegations. Errors from it are logged by
// callers, never fatal to a task tree.
type HistoryStore interface {
	SaveDelegationHistory(ctx context.Context, rec *HistoryRecord) error
	ListDelegationHistory(ctx context.Context, scope string, limit int) ([]HistoryRecord, error)
}

// MemoryHistory is the in-process history ring used with the memory store.
type MemoryHistory struct {
	mu      sync.Mutex
	records []HistoryRecord
	max     int
}

// NewMemoryHistory creates a bounded in-memory history (keeps the newest max records).
func NewMemoryHistory(max int) *MemoryHistory {
	if max <= 0 {
		max = 1024
	}
	return &MemoryHistory{max: max}
}

func (h *MemoryHistory) SaveDelegationHistory(_ context.Context, rec *HistoryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *rec)
	if len(h.records) > h.max {
		h.records = h.records[len(h.records)-h.max:]
	}
	return nil
}

func (h *MemoryHistory) ListDelegationHistory(_ context.Context, scope string, limit int) ([]HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []HistoryRecord
	for i := len(h.records) - 1; i >= 0; i-- {
		if scope != "" && h.records[i].Scope != scope {
			continue
		}
		out = append(out, h.records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SQLiteHistory persists delegation history in the shared database.
type SQLiteHistory struct {
	db *sqlx.DB
}

func NewSQLiteHistory(db *sqlx.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

func (h *SQLiteHistory) SaveDelegationHistory(ctx context.Context, rec *HistoryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := h.db.NamedExecContext(ctx, `
		INSERT INTO delegation_history (id, scope, source_agent, target_agent,
			task_text, status, result, error, duration_ms, completed_at)
		VALUES (:id, :scope, :source_agent, :target_agent, :task_text,
			:status, :result, :error, :duration_ms, :completed_at)`,
		map[string]any{
			"id":           rec.ID.String(),
			"scope":        rec.Scope,
			"source_agent": rec.SourceAgent,
			"target_agent": rec.TargetAgent,
			"task_text":    rec.TaskText,
			"status":       rec.Status,
			"result":       rec.Result,
			"error":        rec.Error,
			"duration_ms":  rec.DurationMS,
			"completed_at": rec.CompletedAt,
		})
	if err != nil {
		return fmt.Errorf("save delegation history: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) ListDelegationHistory(ctx context.Context, scope string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, scope, source_agent, target_agent, task_text, status,
		result, error, duration_ms, completed_at
		FROM delegation_history`
	args := []any{}
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []struct {
		ID          string    `db:"id"`
		Scope       string    `db:"scope"`
		SourceAgent string    `db:"source_agent"`
		TargetAgent string    `db:"target_agent"`
		TaskText    string    `db:"task_text"`
		Status      string    `db:"status"`
		Result      *string   `db:"result"`
		Error       *string   `db:"error"`
		DurationMS  int       `db:"duration_ms"`
		CompletedAt time.Time `db:"completed_at"`
	}
	if err := h.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list delegation history: %w", err)
	}
	out := make([]HistoryRecord, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("parse history id %q: %w", r.ID, err)
		}
		out = append(out, HistoryRecord{
			ID: id, Scope: r.Scope, SourceAgent: r.SourceAgent,
			TargetAgent: r.TargetAgent, TaskText: r.TaskText, Status: r.Status,
			Result: r.Result, Error: r.Error, DurationMS: r.DurationMS,
			CompletedAt: r.CompletedAt,
		})
	}
	return out, nil
}
