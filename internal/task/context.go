package task

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ContextManager owns all mutations of a parent task's delegation context.
// Every append+counter change goes through one Store.Update call, so two
// children finishing at the same time serialize on the parent's record and
// can never both observe the cycle completing.
type ContextManager struct {
	store Store
}

// NewContextManager wraps a store with delegation-context operations.
func NewContextManager(store Store) *ContextManager {
	return &ContextManager{store: store}
}

// RecordDelegation appends a delegation entry to the parent's context
// (creating the context lazily on the first call) and increments the
// pending counter, as one atomic update.
func (m *ContextManager) RecordDelegation(ctx context.Context, parentID uuid.UUID, d Delegation) error {
	return m.store.Update(ctx, parentID, func(t *Task) error {
		if t.DelegationContext == nil {
			t.DelegationContext = &DelegationContext{
				OriginalRequest: t.OriginalRequest,
				Requester:       t.Requester,
			}
		}
		t.DelegationContext.Delegations = append(t.DelegationContext.Delegations, d)
		t.PendingDelegations++
		return nil
	})
}

// RollbackDelegation undoes a RecordDelegation whose downstream enqueue
// failed, so the parent never waits on a child that was never started.
func (m *ContextManager) RollbackDelegation(ctx context.Context, parentID, childID uuid.UUID) error {
	return m.store.Update(ctx, parentID, func(t *Task) error {
		if t.DelegationContext == nil {
			return ErrStaleContext
		}
		dels := t.DelegationContext.Delegations
		for i := len(dels) - 1; i >= 0; i-- {
			if dels[i].ChildTaskID == childID {
				t.DelegationContext.Delegations = append(dels[:i], dels[i+1:]...)
				t.PendingDelegations--
				return nil
			}
		}
		return fmt.Errorf("delegation for child %s not recorded", childID)
	})
}

// CycleResult reports the outcome of folding one child response into the
// parent. When Complete is true, Snapshot holds the full cycle ledger taken
// before the context was cleared; exactly one response per cycle sees it.
type CycleResult struct {
	Complete bool
	Snapshot *DelegationContext
	Pending  int
}

// RecordResponse appends a child response and decrements the pending
// counter atomically. When the counter reaches zero the context is
// snapshotted and cleared inside the same critical section, so the parent
// can start a fresh delegation cycle without contamination.
//
// A response from a child that is not part of the current cycle (a replay
// from an earlier, already-collected cycle), or a second response from the
// same child, returns ErrStaleContext without changing anything.
func (m *ContextManager) RecordResponse(ctx context.Context, parentID uuid.UUID, r Response) (CycleResult, error) {
	var res CycleResult
	err := m.store.Update(ctx, parentID, func(t *Task) error {
		if t.DelegationContext == nil || t.PendingDelegations <= 0 {
			return ErrStaleContext
		}
		if !t.DelegationContext.hasDelegation(r.ChildTaskID) {
			return ErrStaleContext
		}
		if t.DelegationContext.HasResponse(r.ChildTaskID) {
			return ErrStaleContext
		}
		t.DelegationContext.Responses = append(t.DelegationContext.Responses, r)
		t.PendingDelegations--
		res.Pending = t.PendingDelegations
		if t.PendingDelegations == 0 {
			res.Complete = true
			res.Snapshot = t.DelegationContext.clone()
			t.DelegationContext = nil
		}
		return nil
	})
	return res, err
}
