package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db, "proj")
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	childID := uuid.New()
	orig := &Task{
		ID:               uuid.New(),
		Requester:        "tester",
		RequesterChannel: ChannelTelegram,
		OriginalRequest:  "summarize the report",
		DelegatedTo:      "writer",
		ParentTaskID:     uuid.New(),
		ParentScope:      "supervisor",
		DelegationContext: &DelegationContext{
			OriginalRequest: "summarize the report",
			Requester:       "tester",
			Delegations: []Delegation{{
				ChildTaskID: childID,
				DelegatedTo: "researcher",
				Message:     "gather sources",
				DelegatedAt: time.Now().UTC().Truncate(time.Second),
			}},
			Responses: []Response{{
				ChildTaskID: childID,
				FromAgent:   "researcher",
				Response:    "three sources found",
				CompletedAt: time.Now().UTC().Truncate(time.Second),
			}},
		},
		PendingDelegations: 1,
		OriginHandle:       "424242",
		TraceID:            uuid.New(),
		CreatedAt:          time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Create(ctx, orig); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, orig.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Requester != orig.Requester ||
		got.RequesterChannel != orig.RequesterChannel ||
		got.OriginalRequest != orig.OriginalRequest ||
		got.DelegatedTo != orig.DelegatedTo ||
		got.ParentTaskID != orig.ParentTaskID ||
		got.ParentScope != orig.ParentScope ||
		got.PendingDelegations != orig.PendingDelegations ||
		got.OriginHandle != orig.OriginHandle ||
		got.TraceID != orig.TraceID {
		t.Errorf("fields did not round-trip:\n got %+v\nwant %+v", got, orig)
	}
	if got.DelegationContext == nil {
		t.Fatal("delegation context dropped")
	}
	if len(got.DelegationContext.Delegations) != 1 || len(got.DelegationContext.Responses) != 1 {
		t.Fatalf("context ledger dropped: %+v", got.DelegationContext)
	}
	if got.DelegationContext.Delegations[0].ChildTaskID != childID ||
		got.DelegationContext.Responses[0].Response != "three sources found" {
		t.Error("context entries did not round-trip")
	}
}

func TestSQLiteUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)

	tk := newTask("proj")
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}

	m := NewContextManager(s)
	d := delegation("beta")
	if err := m.RecordDelegation(ctx, tk.ID, d); err != nil {
		t.Fatalf("RecordDelegation over sqlite: %v", err)
	}
	if err := s.Delete(ctx, tk.ID); !errors.Is(err, ErrPendingDelegations) {
		t.Fatalf("want ErrPendingDelegations, got %v", err)
	}

	res, err := m.RecordResponse(ctx, tk.ID, response(d.ChildTaskID, "beta"))
	if err != nil {
		t.Fatalf("RecordResponse over sqlite: %v", err)
	}
	if !res.Complete {
		t.Fatal("single-child cycle should complete")
	}
	if err := s.Delete(ctx, tk.ID); err != nil {
		t.Fatalf("Delete after cycle: %v", err)
	}
	if _, err := s.Get(ctx, tk.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteScopeIsolation(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	alpha := NewSQLiteStore(db, "alpha")
	beta := NewSQLiteStore(db, "beta")

	tk := newTask("alpha")
	if err := alpha.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if _, err := beta.Get(ctx, tk.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task visible across scopes: %v", err)
	}
	list, err := beta.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("beta scope lists %d foreign tasks", len(list))
	}
}

func TestSQLiteHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := NewSQLiteHistory(db)
	result := "all good"
	rec := &HistoryRecord{
		Scope:       "proj",
		TargetAgent: "writer",
		TaskText:    "draft the intro",
		Status:      HistoryStatusCompleted,
		Result:      &result,
		DurationMS:  1200,
		CompletedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := h.SaveDelegationHistory(ctx, rec); err != nil {
		t.Fatalf("SaveDelegationHistory: %v", err)
	}

	recs, err := h.ListDelegationHistory(ctx, "proj", 10)
	if err != nil {
		t.Fatalf("ListDelegationHistory: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("want 1 record, got %d", len(recs))
	}
	if recs[0].TargetAgent != "writer" || recs[0].Status != HistoryStatusCompleted {
		t.Errorf("history did not round-trip: %+v", recs[0])
	}
	if recs[0].Result == nil || *recs[0].Result != "all good" {
		t.Error("result column did not round-trip")
	}

	other, err := h.ListDelegationHistory(ctx, "other", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Error("history leaked across scopes")
	}
}
