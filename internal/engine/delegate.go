package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/task"
)

// turnRecorder tracks delegations issued within one reasoning turn. A turn
// that delegated suppresses its own report; the combined child reports
// resume the task instead.
type turnRecorder struct {
	mu    sync.Mutex
	count int
}

func (r *turnRecorder) mark() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *turnRecorder) delegated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count > 0
}

func (r *turnRecorder) children() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// apiFor builds the tool surface for a turn. Supervisor tasks get the
// cross-scope extension; project agents never see it.
func (e *Engine) apiFor(t *task.Task, agent string, rec *turnRecorder) ToolAPI {
	base := agentAPI{eng: e, task: t, agent: agent, rec: rec}
	if t.Scope == SupervisorScope {
		return &supervisorAPI{agentAPI: base}
	}
	return &base
}

type agentAPI struct {
	eng   *Engine
	task  *task.Task
	agent string
	rec   *turnRecorder
}

func (a *agentAPI) Delegate(ctx context.Context, target, message string) (uuid.UUID, error) {
	id, err := a.eng.Delegate(ctx, a.task, a.agent, target, message)
	if err != nil {
		return uuid.Nil, err
	}
	a.rec.mark()
	return id, nil
}

func (a *agentAPI) ListReachableAgents(_ context.Context) []AgentInfo {
	var out []AgentInfo
	for _, spec := range a.eng.roster.Agents(a.task.Scope) {
		if spec.Name == a.agent {
			continue
		}
		out = append(out, AgentInfo{Name: spec.Name, Description: spec.Description})
	}
	return out
}

type supervisorAPI struct {
	agentAPI
}

func (s *supervisorAPI) DelegateCrossScope(ctx context.Context, scopeID, target, message string) (uuid.UUID, error) {
	id, err := s.eng.DelegateCrossScope(ctx, s.task, scopeID, target, message)
	if err != nil {
		return uuid.Nil, err
	}
	s.rec.mark()
	return id, nil
}

func (s *supervisorAPI) ListScopesAndAgents(_ context.Context) []ScopeAgents {
	var out []ScopeAgents
	for _, scope := range s.eng.roster.Scopes() {
		if scope == SupervisorScope {
			continue
		}
		sa := ScopeAgents{ScopeID: scope}
		for _, spec := range s.eng.roster.Agents(scope) {
			sa.Agents = append(sa.Agents, AgentInfo{Name: spec.Name, Description: spec.Description})
		}
		out = append(out, sa)
	}
	return out
}

// Delegate hands part of the caller's work to another agent in the same
// scope. Preconditions are checked in a fixed order so failures are
// deterministic: reverse path, self, solo scope, then target existence.
func (e *Engine) Delegate(ctx context.Context, caller *task.Task, callerAgent, target, message string) (uuid.UUID, error) {
	scope := caller.Scope
	if scope != SupervisorScope && target == e.supAgent {
		return uuid.Nil, fmt.Errorf("delegate from %s to %q: %w", callerAgent, target, ErrReverseDelegation)
	}
	if target == callerAgent {
		return uuid.Nil, fmt.Errorf("agent %s: %w", callerAgent, ErrSelfDelegation)
	}
	others := 0
	for _, spec := range e.roster.Agents(scope) {
		if spec.Name != callerAgent {
			others++
		}
	}
	if others == 0 {
		return uuid.Nil, fmt.Errorf("scope %s: %w", scope, ErrNoOtherAgent)
	}
	if !e.roster.Has(scope, target) {
		return uuid.Nil, fmt.Errorf("agent %q in scope %s: %w", target, scope, ErrTargetNotFound)
	}
	return e.spawnChild(ctx, caller, scope, target, message)
}

// DelegateCrossScope is the supervisor-only path into project scopes. The
// target scope is activated wholesale before the child is enqueued.
func (e *Engine) DelegateCrossScope(ctx context.Context, caller *task.Task, scopeID, target, message string) (uuid.UUID, error) {
	if caller.Scope != SupervisorScope {
		return uuid.Nil, fmt.Errorf("cross-scope delegation from scope %s: %w", caller.Scope, ErrReverseDelegation)
	}
	if scopeID == SupervisorScope {
		return uuid.Nil, fmt.Errorf("scope %s: %w", scopeID, ErrTargetNotFound)
	}
	if !e.roster.Has(scopeID, target) {
		return uuid.Nil, fmt.Errorf("agent %q in scope %s: %w", target, scopeID, ErrTargetNotFound)
	}
	if err := e.StartScope(scopeID); err != nil {
		return uuid.Nil, fmt.Errorf("activate scope %s: %w", scopeID, err)
	}
	return e.spawnChild(ctx, caller, scopeID, target, message)
}

// spawnChild creates the child task, records the delegation on the parent,
// and enqueues the work. Each effect compensates the previous one on
// failure so a rejected delegation leaves no trace.
func (e *Engine) spawnChild(ctx context.Context, caller *task.Task, childScope, target, message string) (uuid.UUID, error) {
	childStore, err := e.storeFor(childScope)
	if err != nil {
		return uuid.Nil, err
	}
	cm, err := e.managerFor(caller.Scope)
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now()
	child := &task.Task{
		ID:               uuid.New(),
		Scope:            childScope,
		Requester:        caller.Requester,
		RequesterChannel: caller.RequesterChannel,
		OriginalRequest:  caller.OriginalRequest,
		DelegatedTo:      target,
		ParentTaskID:     caller.ID,
		ParentScope:      caller.Scope,
		OriginHandle:     caller.OriginHandle,
		TraceID:          caller.TraceID,
		CreatedAt:        now,
	}
	if err := childStore.Create(ctx, child); err != nil {
		return uuid.Nil, fmt.Errorf("create child task: %w", err)
	}
	if err := cm.RecordDelegation(ctx, caller.ID, task.Delegation{
		ChildTaskID: child.ID,
		DelegatedTo: target,
		Message:     message,
		DelegatedAt: now,
	}); err != nil {
		_ = childStore.Delete(ctx, child.ID)
		return uuid.Nil, fmt.Errorf("record delegation: %w", err)
	}
	if err := e.bus.Enqueue(bus.AgentMessage{
		Kind:    bus.KindRequest,
		Scope:   childScope,
		Agent:   target,
		TaskID:  child.ID,
		Content: message,
		TraceID: caller.TraceID,
	}); err != nil {
		_ = cm.RollbackDelegation(ctx, caller.ID, child.ID)
		_ = childStore.Delete(ctx, child.ID)
		return uuid.Nil, fmt.Errorf("enqueue delegation: %w", err)
	}

	slog.Info("delegation started", "parent_id", caller.ID, "child_id", child.ID,
		"scope", childScope, "target", target, "trace_id", caller.TraceID)
	e.bus.Broadcast(bus.Event{Name: bus.EventDelegationStarted, Payload: map[string]string{
		"parent_id": caller.ID.String(),
		"child_id":  child.ID.String(),
		"scope":     childScope,
		"target":    target,
	}})
	if e.timeout > 0 {
		e.scheduleExpiry(caller.Scope, childScope, caller.ID, child.ID, target)
	}
	return child.ID, nil
}

func (e *Engine) scheduleExpiry(parentScope, childScope string, parentID, childID uuid.UUID, target string) {
	time.AfterFunc(e.timeout, func() {
		e.expireDelegation(parentScope, childScope, parentID, childID, target)
	})
}
