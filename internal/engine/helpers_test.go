package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/task"
)

type capturedAnswer struct {
	Task   *task.Task
	Answer string
}

// captureDelivery stands in for the channel router in tests.
type captureDelivery struct {
	ch chan capturedAnswer
}

func newCaptureDelivery() *captureDelivery {
	return &captureDelivery{ch: make(chan capturedAnswer, 16)}
}

func (d *captureDelivery) Deliver(_ context.Context, t *task.Task, answer string) error {
	d.ch <- capturedAnswer{Task: t.Clone(), Answer: answer}
	return nil
}

func (d *captureDelivery) wait(t *testing.T) capturedAnswer {
	t.Helper()
	select {
	case got := <-d.ch:
		return got
	case <-time.After(3 * time.Second):
		t.Fatal("no final answer delivered")
		return capturedAnswer{}
	}
}

// testReasoners maps "scope/agent" to a reasoner; unmapped agents echo.
type testReasoners map[string]Reasoner

func (m testReasoners) provider() ReasonerProvider {
	return func(scope, agent string) Reasoner {
		if r, ok := m[scope+"/"+agent]; ok {
			return r
		}
		return EchoReasoner()
	}
}

func newTestEngine(t *testing.T, rs testReasoners, queueSize int, timeout time.Duration) (*Engine, *captureDelivery) {
	t.Helper()
	d := newCaptureDelivery()
	eng, err := New(Options{
		Bus:    bus.New(queueSize),
		Roster: NewRoster(),
		Stores: func(string) (task.Store, error) {
			return task.NewMemoryStore(), nil
		},
		Delivery:          d,
		Reasoners:         rs.provider(),
		History:           task.NewMemoryHistory(0),
		DelegationTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, d
}

func mustCreateTask(t *testing.T, eng *Engine, tk *task.Task) {
	t.Helper()
	store, err := eng.storeFor(tk.Scope)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
}

func rootTask(scope, agent string) *task.Task {
	return &task.Task{
		ID:               uuid.New(),
		Scope:            scope,
		Requester:        "tester",
		RequesterChannel: task.ChannelInteractive,
		OriginalRequest:  "the original request",
		DelegatedTo:      agent,
		OriginHandle:     "session-1",
		TraceID:          uuid.New(),
		CreatedAt:        time.Now(),
	}
}

// waitScopeEmpty polls until every task in the scope is gone.
func waitScopeEmpty(t *testing.T, eng *Engine, scope string) {
	t.Helper()
	store, err := eng.storeFor(scope)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := store.List(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	tasks, _ := store.List(context.Background())
	t.Fatalf("scope %s still holds %d tasks", scope, len(tasks))
}
