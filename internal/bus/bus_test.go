package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEnqueueConsume(t *testing.T) {
	b := New(0)
	msg := AgentMessage{
		Kind:    KindRequest,
		Scope:   "proj",
		Agent:   "alpha",
		TaskID:  uuid.New(),
		Content: "hello",
	}
	if err := b.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.Consume(ctx, "proj", "alpha")
	if !ok {
		t.Fatal("Consume returned no message")
	}
	if got.TaskID != msg.TaskID || got.Content != "hello" {
		t.Errorf("got %+v", got)
	}
}

func TestEnqueueRequiresAddress(t *testing.T) {
	b := New(0)
	if err := b.Enqueue(AgentMessage{Kind: KindRequest, Content: "x"}); err == nil {
		t.Fatal("enqueue without scope/agent should fail")
	}
}

func TestEnqueueFullQueueErrors(t *testing.T) {
	b := New(1)
	ok := AgentMessage{Kind: KindRequest, Scope: "proj", Agent: "alpha", Content: "1"}
	if err := b.Enqueue(ok); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ok); err == nil {
		t.Fatal("second enqueue on a size-1 queue should fail, not block")
	}
}

func TestTryConsumeEmpty(t *testing.T) {
	b := New(0)
	if _, ok := b.TryConsume("proj", "alpha"); ok {
		t.Fatal("TryConsume on empty queue returned a message")
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	b := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := b.Consume(ctx, "proj", "alpha")
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("cancelled Consume reported a message")
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	b := New(0)
	_ = b.Enqueue(AgentMessage{Kind: KindRequest, Scope: "proj", Agent: "alpha", Content: "for alpha"})
	if _, ok := b.TryConsume("proj", "beta"); ok {
		t.Fatal("beta received alpha's message")
	}
	if _, ok := b.TryConsume("other", "alpha"); ok {
		t.Fatal("scope boundary not honored")
	}
	if got, ok := b.TryConsume("proj", "alpha"); !ok || got.Content != "for alpha" {
		t.Fatalf("alpha's queue: ok=%v got=%+v", ok, got)
	}
}

func TestBroadcastSubscribe(t *testing.T) {
	b := New(0)
	sub := b.Subscribe()
	b.Broadcast(Event{Name: "task.created", Payload: map[string]string{"task_id": "x"}})
	select {
	case ev := <-sub:
		if ev.Name != "task.created" {
			t.Errorf("event name %q", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber got no event")
	}
}

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(time.Minute, 16)
	if c.IsDuplicate("tg:1") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !c.IsDuplicate("tg:1") {
		t.Fatal("second sighting not flagged")
	}
	if c.IsDuplicate("tg:2") {
		t.Fatal("unrelated key flagged")
	}
}
