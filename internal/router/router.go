// Package router delivers final answers back to requester channels and
// feeds inbound channel traffic into the engine. The engine knows channels
// only as an enum value on the task; every transport detail lives here.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/engine"
	"github.com/kangkukjin/indiebizos/internal/task"
)

// DeliverFunc pushes one final answer to a concrete transport. The task
// carries the origin handle the transport needs (session id, chat id,
// waiting task id).
type DeliverFunc func(ctx context.Context, t *task.Task, answer string) error

// SubmitFunc is the ingress side: transports hand inbound requests to the
// engine through it.
type SubmitFunc func(ctx context.Context, sub engine.Submission) error

// Router maps a root task's requester channel to its sender. Senders are
// registered at wiring time; delivery to an unregistered channel is an
// error the engine logs, never a crash.
type Router struct {
	mu      sync.RWMutex
	senders map[task.Channel]DeliverFunc
	retry   RetryConfig
}

// New creates a router with the given retry policy for sends.
func New(retry RetryConfig) *Router {
	if retry.Attempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Router{
		senders: make(map[task.Channel]DeliverFunc),
		retry:   retry,
	}
}

// Register installs the sender for one channel.
func (r *Router) Register(ch task.Channel, fn DeliverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = fn
}

// Deliver implements engine.Delivery: resolve the task's channel and send
// with retries.
func (r *Router) Deliver(ctx context.Context, t *task.Task, answer string) error {
	r.mu.RLock()
	fn := r.senders[t.RequesterChannel]
	r.mu.RUnlock()
	if fn == nil {
		return fmt.Errorf("no sender registered for channel %q", t.RequesterChannel)
	}
	_, err := RetryDo(ctx, r.retry, func() (struct{}, error) {
		return struct{}{}, fn(ctx, t, answer)
	})
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", t.RequesterChannel, err)
	}
	slog.Info("final answer delivered", "task_id", t.ID,
		"channel", t.RequesterChannel, "trace_id", t.TraceID)
	return nil
}

// SupervisorSender routes a root answer back to the supervisor's own
// queue: the task's origin handle names the supervisor task waiting for
// it, and the answer arrives as a report that resumes that task.
func SupervisorSender(b *bus.MessageBus, supervisorAgent string) DeliverFunc {
	return func(_ context.Context, t *task.Task, answer string) error {
		waitingID, err := uuid.Parse(t.OriginHandle)
		if err != nil {
			return fmt.Errorf("supervisor origin handle %q: %w", t.OriginHandle, err)
		}
		return b.Enqueue(bus.AgentMessage{
			Kind:    bus.KindReport,
			Scope:   engine.SupervisorScope,
			Agent:   supervisorAgent,
			TaskID:  waitingID,
			Content: answer,
			TraceID: t.TraceID,
		})
	}
}
