package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/task"
	"github.com/kangkukjin/indiebizos/internal/tracing"
)

// Loop is one agent's executor: it blocks on the agent's inbound queue and
// runs exactly one reasoning turn per message. An agent processes messages
// strictly one at a time; concurrency lives between agents, not within one.
type Loop struct {
	eng      *Engine
	scope    string
	agent    string
	reasoner Reasoner
}

func newLoop(eng *Engine, scope, agent string, r Reasoner) *Loop {
	if r == nil {
		r = EchoReasoner()
	}
	return &Loop{eng: eng, scope: scope, agent: agent, reasoner: r}
}

// Run consumes the agent's queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("agent loop started", "scope", l.scope, "agent", l.agent)
	for {
		msg, ok := l.eng.bus.Consume(ctx, l.scope, l.agent)
		if !ok {
			slog.Info("agent loop stopped", "scope", l.scope, "agent", l.agent)
			return nil
		}
		l.handle(ctx, msg)
	}
}

// handle runs one turn. A panic or error inside a turn is contained here;
// the loop itself never dies with work queued behind it.
func (l *Loop) handle(ctx context.Context, msg bus.AgentMessage) {
	t, err := l.resolveTask(ctx, msg)
	if err != nil {
		slog.Warn("dropping inbound message", "scope", l.scope, "agent", l.agent,
			"kind", msg.Kind, "task_id", msg.TaskID, "error", err)
		return
	}
	ctx = tracing.WithTraceID(ctx, t.TraceID)
	if !t.IsRoot() {
		ctx = tracing.WithParentTaskID(ctx, t.ParentTaskID)
	}

	rec := &turnRecorder{}
	api := l.eng.apiFor(t, l.agent, rec)
	res, err := l.reasoner.Step(ctx, StepRequest{
		TaskID:          t.ID,
		Scope:           l.scope,
		Agent:           l.agent,
		Message:         msg.Content,
		OriginalRequest: t.OriginalRequest,
		Requester:       t.Requester,
		Restored:        msg.Restored,
	}, api)

	if rec.delegated() {
		// The turn fanned out; this task is now waiting for its children.
		// Any answer text is discarded, reports resume the task later.
		slog.Debug("turn ended in delegation", "task_id", t.ID,
			"agent", l.agent, "children", rec.children())
		return
	}
	if err != nil {
		slog.Error("reasoning step failed", "scope", l.scope, "agent", l.agent,
			"task_id", t.ID, "error", err)
		// Report the failure upward so the tree unwinds instead of hanging.
		res.Answer = fmt.Sprintf("Task failed: %v", err)
	}
	l.eng.autoReport(ctx, t, res.Answer, err == nil)
}

// resolveTask maps an inbound message to its task record, creating the root
// task for a fresh request.
func (l *Loop) resolveTask(ctx context.Context, msg bus.AgentMessage) (*task.Task, error) {
	store, err := l.eng.storeFor(l.scope)
	if err != nil {
		return nil, err
	}

	if msg.TaskID != uuid.Nil {
		t, err := store.Get(ctx, msg.TaskID)
		if err != nil {
			return nil, fmt.Errorf("%s for task %s: %w", msg.Kind, msg.TaskID, err)
		}
		return t, nil
	}
	if msg.Kind != bus.KindRequest {
		return nil, fmt.Errorf("%s message without a task id", msg.Kind)
	}

	trace := msg.TraceID
	if trace == uuid.Nil {
		trace = uuid.New()
	}
	t := &task.Task{
		ID:               uuid.New(),
		Scope:            l.scope,
		Requester:        msg.Requester,
		RequesterChannel: msg.RequesterChannel,
		OriginalRequest:  msg.Content,
		DelegatedTo:      l.agent,
		OriginHandle:     msg.OriginHandle,
		TraceID:          trace,
		CreatedAt:        time.Now(),
	}
	if t.RequesterChannel == "" {
		t.RequesterChannel = task.ChannelInteractive
	}
	if err := store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create root task: %w", err)
	}
	slog.Info("root task created", "task_id", t.ID, "scope", l.scope,
		"agent", l.agent, "channel", t.RequesterChannel, "trace_id", t.TraceID)
	l.eng.bus.Broadcast(bus.Event{Name: bus.EventTaskCreated, Payload: map[string]string{
		"task_id": t.ID.String(),
		"scope":   l.scope,
		"agent":   l.agent,
	}})
	return t, nil
}
