package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/task"
)

// autoReport routes a finished turn's answer. Child tasks report to their
// parent's delegation context; root tasks deliver to the requester channel.
// Either way the finished task is deleted afterwards.
func (e *Engine) autoReport(ctx context.Context, t *task.Task, answer string, succeeded bool) {
	if t.IsRoot() {
		if err := e.delivery.Deliver(ctx, t, answer); err != nil {
			slog.Error("terminal delivery failed", "task_id", t.ID,
				"channel", t.RequesterChannel, "error", err)
		} else {
			e.bus.Broadcast(bus.Event{Name: bus.EventTaskDelivered, Payload: map[string]string{
				"task_id": t.ID.String(),
				"channel": string(t.RequesterChannel),
			}})
		}
		e.deleteTask(ctx, t.Scope, t.ID)
		return
	}
	e.reportToParent(ctx, t, answer, succeeded)
}

// reportToParent folds a child's answer into the parent's delegation
// context. The context manager is the single arbiter: orphaned and stale
// reports come back as errors and are dropped without side effects.
func (e *Engine) reportToParent(ctx context.Context, t *task.Task, answer string, succeeded bool) {
	cm, err := e.managerFor(t.ParentScope)
	if err != nil {
		slog.Error("parent scope unavailable", "child_id", t.ID,
			"parent_scope", t.ParentScope, "error", err)
		return
	}

	res, err := cm.RecordResponse(ctx, t.ParentTaskID, task.Response{
		ChildTaskID: t.ID,
		FromAgent:   t.DelegatedTo,
		Response:    answer,
		CompletedAt: time.Now(),
	})
	switch {
	case errors.Is(err, task.ErrNotFound):
		// Parent is gone. Log and drop; never crash, never re-deliver.
		args := []any{"child_id", t.ID, "parent_id", t.ParentTaskID, "agent", t.DelegatedTo}
		if when, ok := e.recentlyDeleted.Get(t.ParentTaskID); ok {
			args = append(args, "parent_deleted_at", when)
		}
		slog.Warn("orphaned child report dropped", args...)
		e.bus.Broadcast(bus.Event{Name: bus.EventReportOrphaned, Payload: map[string]string{
			"child_id":  t.ID.String(),
			"parent_id": t.ParentTaskID.String(),
		}})
		e.deleteTask(ctx, t.Scope, t.ID)
		return
	case errors.Is(err, task.ErrStaleContext):
		slog.Warn("stale child report dropped", "child_id", t.ID,
			"parent_id", t.ParentTaskID, "agent", t.DelegatedTo)
		e.bus.Broadcast(bus.Event{Name: bus.EventReportStale, Payload: map[string]string{
			"child_id":  t.ID.String(),
			"parent_id": t.ParentTaskID.String(),
		}})
		e.deleteTask(ctx, t.Scope, t.ID)
		return
	case err != nil:
		slog.Error("record child response failed", "child_id", t.ID,
			"parent_id", t.ParentTaskID, "error", err)
		return
	}

	e.saveHistory(ctx, t, answer, succeeded)
	status := bus.EventDelegationCompleted
	if !succeeded {
		status = bus.EventDelegationFailed
	}
	e.bus.Broadcast(bus.Event{Name: status, Payload: map[string]string{
		"child_id":  t.ID.String(),
		"parent_id": t.ParentTaskID.String(),
		"agent":     t.DelegatedTo,
	}})

	if res.Complete {
		e.finishCycle(ctx, t.ParentScope, t.ParentTaskID, res.Snapshot)
	} else {
		slog.Debug("delegation cycle still open", "parent_id", t.ParentTaskID,
			"pending", res.Pending)
	}
	e.deleteTask(ctx, t.Scope, t.ID)
}

// finishCycle resumes the parent with the combined report once the last
// child of a cycle has reported.
func (e *Engine) finishCycle(ctx context.Context, parentScope string, parentID uuid.UUID, snap *task.DelegationContext) {
	store, err := e.storeFor(parentScope)
	if err != nil {
		slog.Error("parent store unavailable", "parent_id", parentID, "error", err)
		return
	}
	parent, err := store.Get(ctx, parentID)
	if err != nil {
		slog.Error("cannot resume parent after fan-in", "parent_id", parentID, "error", err)
		return
	}
	if err := e.bus.Enqueue(bus.AgentMessage{
		Kind:     bus.KindReport,
		Scope:    parentScope,
		Agent:    parent.DelegatedTo,
		TaskID:   parentID,
		Content:  BuildCombinedReport(snap),
		TraceID:  parent.TraceID,
		Restored: snap,
	}); err != nil {
		slog.Error("enqueue combined report failed", "parent_id", parentID, "error", err)
		return
	}
	slog.Info("delegation cycle complete", "parent_id", parentID,
		"responses", len(snap.Responses), "trace_id", parent.TraceID)
	e.bus.Broadcast(bus.Event{Name: bus.EventReportMerged, Payload: map[string]string{
		"parent_id": parentID.String(),
		"responses": fmt.Sprint(len(snap.Responses)),
	}})
}

// BuildCombinedReport renders the fan-in cycle as one prompt for the
// resumed parent turn: the original request, what was delegated in issue
// order, and what came back in completion order.
func BuildCombinedReport(snap *task.DelegationContext) string {
	var b strings.Builder
	b.WriteString("[Delegation Report]\n")
	b.WriteString("Original request from ")
	b.WriteString(snap.Requester)
	b.WriteString(":\n")
	b.WriteString(snap.OriginalRequest)
	b.WriteString("\n\nDelegations issued:\n")
	for i, d := range snap.Delegations {
		fmt.Fprintf(&b, "%d. to %s: %s\n", i+1, d.DelegatedTo, d.Message)
	}
	b.WriteString("\nResponses received:\n")
	for i, r := range snap.Responses {
		fmt.Fprintf(&b, "%d. from %s: %s\n", i+1, r.FromAgent, r.Response)
	}
	b.WriteString("\nUse the responses above to finish the original request. Your reply goes to the original requester.")
	return b.String()
}

// expireDelegation synthesizes a failure response for a child that has not
// reported within the delegation timeout. The response is recorded first so
// the parent's cycle can complete; the abandoned child is then removed. A
// late real report afterwards is stale by construction and gets dropped.
func (e *Engine) expireDelegation(parentScope, childScope string, parentID, childID uuid.UUID, target string) {
	ctx := context.Background()
	childStore, err := e.storeFor(childScope)
	if err != nil {
		return
	}
	if _, err := childStore.Get(ctx, childID); err != nil {
		return // already reported and deleted
	}
	cm, err := e.managerFor(parentScope)
	if err != nil {
		return
	}
	res, err := cm.RecordResponse(ctx, parentID, task.Response{
		ChildTaskID: childID,
		FromAgent:   target,
		Response:    fmt.Sprintf("Task failed: no response from %s within %s", target, e.timeout),
		CompletedAt: time.Now(),
	})
	if err != nil {
		// Real report won the race, or the parent is gone. Nothing to do.
		return
	}
	slog.Warn("delegation expired", "parent_id", parentID, "child_id", childID,
		"target", target, "timeout", e.timeout)
	e.bus.Broadcast(bus.Event{Name: bus.EventDelegationExpired, Payload: map[string]string{
		"parent_id": parentID.String(),
		"child_id":  childID.String(),
		"target":    target,
	}})
	if res.Complete {
		e.finishCycle(ctx, parentScope, parentID, res.Snapshot)
	}
	// Best effort: a child mid-fan-out keeps its record and cleans itself
	// up when its own cycle finishes and its report comes back stale.
	if child, err := childStore.Get(ctx, childID); err == nil && child.PendingDelegations > 0 {
		slog.Debug("expired child still mid fan-out, left for self-cleanup",
			"child_id", childID, "pending", child.PendingDelegations)
		return
	}
	e.deleteTask(ctx, childScope, childID)
}

// deleteTask removes a finished task. Deleting a task that still has
// pending delegations is a protocol violation worth an operator-visible
// error; a missing task is fine (expiry races its own report).
func (e *Engine) deleteTask(ctx context.Context, scope string, id uuid.UUID) {
	store, err := e.storeFor(scope)
	if err != nil {
		return
	}
	switch err := store.Delete(ctx, id); {
	case errors.Is(err, task.ErrPendingDelegations):
		slog.Error("refusing to delete task with pending delegations",
			"task_id", id, "scope", scope)
	case errors.Is(err, task.ErrNotFound):
	case err != nil:
		slog.Error("delete task failed", "task_id", id, "scope", scope, "error", err)
	default:
		e.recentlyDeleted.Add(id, time.Now())
	}
}

func (e *Engine) saveHistory(ctx context.Context, t *task.Task, answer string, succeeded bool) {
	if e.history == nil {
		return
	}
	rec := &task.HistoryRecord{
		Scope:       t.Scope,
		TargetAgent: t.DelegatedTo,
		TaskText:    t.OriginalRequest,
		Status:      task.HistoryStatusCompleted,
		DurationMS:  int(time.Since(t.CreatedAt).Milliseconds()),
		CompletedAt: time.Now(),
	}
	if succeeded {
		rec.Result = &answer
	} else {
		rec.Status = task.HistoryStatusFailed
		rec.Error = &answer
	}
	if err := e.history.SaveDelegationHistory(ctx, rec); err != nil {
		slog.Warn("save delegation history failed", "child_id", t.ID, "error", err)
	}
}
