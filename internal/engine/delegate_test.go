package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/task"
)

type callerRef struct {
	task  *task.Task
	agent string
}

func TestDelegatePreconditions(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil, 0, 0)
	eng.roster.SetScope("proj", []AgentSpec{{Name: "alpha"}, {Name: "beta"}})
	eng.roster.SetScope("solo", []AgentSpec{{Name: "lonely"}})

	caller := rootTask("proj", "alpha")
	mustCreateTask(t, eng, caller)
	solo := rootTask("solo", "lonely")
	mustCreateTask(t, eng, solo)

	cases := []struct {
		name   string
		caller callerRef
		target string
		want   error
	}{
		{"reverse to supervisor", callerRef{caller, "alpha"}, "supervisor", ErrReverseDelegation},
		{"self", callerRef{caller, "alpha"}, "alpha", ErrSelfDelegation},
		{"self wins over solo", callerRef{solo, "lonely"}, "lonely", ErrSelfDelegation},
		{"solo scope", callerRef{solo, "lonely"}, "someone", ErrNoOtherAgent},
		{"unknown target", callerRef{caller, "alpha"}, "gamma", ErrTargetNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Delegate(ctx, tc.caller.task, tc.caller.agent, tc.target, "work")
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}

	// Rejected delegations leave no trace on the caller.
	store, _ := eng.storeFor("proj")
	got, _ := store.Get(ctx, caller.ID)
	if got.PendingDelegations != 0 || got.DelegationContext != nil {
		t.Errorf("failed preconditions mutated the caller: %+v", got)
	}
}

func TestDelegateEffects(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil, 0, 0)
	eng.roster.SetScope("proj", []AgentSpec{{Name: "alpha"}, {Name: "beta"}})

	caller := rootTask("proj", "alpha")
	mustCreateTask(t, eng, caller)

	childID, err := eng.Delegate(ctx, caller, "alpha", "beta", "analyze the data")
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	store, _ := eng.storeFor("proj")
	child, err := store.Get(ctx, childID)
	if err != nil {
		t.Fatalf("child task missing: %v", err)
	}
	if child.ParentTaskID != caller.ID || child.ParentScope != "proj" {
		t.Errorf("child parentage wrong: %+v", child)
	}
	if child.DelegatedTo != "beta" {
		t.Errorf("child assignee = %q", child.DelegatedTo)
	}
	// Origin fields propagate unchanged down the chain.
	if child.OriginalRequest != caller.OriginalRequest ||
		child.Requester != caller.Requester ||
		child.RequesterChannel != caller.RequesterChannel ||
		child.OriginHandle != caller.OriginHandle ||
		child.TraceID != caller.TraceID {
		t.Errorf("origin fields not inherited: %+v", child)
	}

	parent, _ := store.Get(ctx, caller.ID)
	if parent.PendingDelegations != 1 {
		t.Errorf("parent pending = %d", parent.PendingDelegations)
	}
	if parent.DelegationContext == nil || len(parent.DelegationContext.Delegations) != 1 {
		t.Fatalf("delegation not recorded: %+v", parent.DelegationContext)
	}
	if parent.DelegationContext.Delegations[0].Message != "analyze the data" {
		t.Error("delegation message not recorded")
	}

	msg, ok := eng.bus.TryConsume("proj", "beta")
	if !ok {
		t.Fatal("no message enqueued for the target")
	}
	if msg.Kind != bus.KindRequest || msg.TaskID != childID || msg.Content != "analyze the data" {
		t.Errorf("bad delegation message: %+v", msg)
	}
}

func TestDelegateFanOut(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil, 0, 0)
	eng.roster.SetScope("proj", []AgentSpec{{Name: "alpha"}, {Name: "beta"}, {Name: "gamma"}})

	caller := rootTask("proj", "alpha")
	mustCreateTask(t, eng, caller)

	id1, err := eng.Delegate(ctx, caller, "alpha", "beta", "part one")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := eng.Delegate(ctx, caller, "alpha", "gamma", "part two")
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatal("fan-out children share an id")
	}

	store, _ := eng.storeFor("proj")
	parent, _ := store.Get(ctx, caller.ID)
	if parent.PendingDelegations != 2 {
		t.Errorf("pending = %d after fan-out of 2", parent.PendingDelegations)
	}
	dels := parent.DelegationContext.Delegations
	if len(dels) != 2 || dels[0].ChildTaskID != id1 || dels[1].ChildTaskID != id2 {
		t.Errorf("delegations not in issue order: %+v", dels)
	}
}

func TestDelegateEnqueueFailureCompensates(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil, 1, 0)
	eng.roster.SetScope("proj", []AgentSpec{{Name: "alpha"}, {Name: "beta"}})

	// Fill beta's size-1 queue so the delegation enqueue must fail.
	if err := eng.bus.Enqueue(bus.AgentMessage{Kind: bus.KindRequest, Scope: "proj", Agent: "beta", Content: "filler"}); err != nil {
		t.Fatal(err)
	}

	caller := rootTask("proj", "alpha")
	mustCreateTask(t, eng, caller)

	if _, err := eng.Delegate(ctx, caller, "alpha", "beta", "doomed"); err == nil {
		t.Fatal("delegate into a full queue should fail")
	}

	store, _ := eng.storeFor("proj")
	parent, _ := store.Get(ctx, caller.ID)
	if parent.PendingDelegations != 0 {
		t.Errorf("pending = %d after compensation", parent.PendingDelegations)
	}
	if parent.DelegationContext != nil && len(parent.DelegationContext.Delegations) != 0 {
		t.Errorf("delegation survived compensation: %+v", parent.DelegationContext)
	}

	tasks, _ := store.List(ctx)
	if len(tasks) != 1 {
		t.Errorf("orphan child left behind: %d tasks", len(tasks))
	}
}
