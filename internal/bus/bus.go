// Package bus provides the in-process message fabric: one inbound queue per
// agent, plus a broadcast side-channel for lifecycle events.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kangkukjin/indiebizos/internal/task"
)

// MessageKind distinguishes fresh requests from delegation reports.
type MessageKind string

const (
	// KindRequest starts or continues work: a new root request (TaskID nil)
	// or a delegated child task (TaskID set to the child).
	KindRequest MessageKind = "request"
	// KindReport resumes a waiting task with a combined delegation report
	// or a supervisor-channel answer. TaskID names the waiting task.
	KindReport MessageKind = "report"
)

// AgentMessage is one entry on an agent's inbound queue.
type AgentMessage struct {
	Kind    MessageKind
	Scope   string
	Agent   string
	TaskID  uuid.UUID // nil for new roots; task to resume otherwise
	Content string

	// Root-task origin, carried on KindRequest with a nil TaskID.
	Requester        string
	RequesterChannel task.Channel
	OriginHandle     string

	TraceID uuid.UUID

	// Restored carries the delegation-cycle snapshot on combined reports
	// so the resumed turn sees the original request, the delegations, and
	// the collected responses verbatim.
	Restored *task.DelegationContext

	Metadata map[string]string
}

const defaultQueueSize = 256

// MessageBus owns the per-agent inbound queues. Queues are created on first
// use and are buffered; Enqueue never blocks (a full queue is an error so
// the caller can compensate instead of deadlocking a loop).
type MessageBus struct {
	mu        sync.Mutex
	queues    map[string]chan AgentMessage
	queueSize int

	subMu sync.Mutex
	subs  []chan Event
}

// New creates a message bus. queueSize <= 0 selects the default.
func New(queueSize int) *MessageBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &MessageBus{
		queues:    make(map[string]chan AgentMessage),
		queueSize: queueSize,
	}
}

func queueKey(scope, agent string) string {
	return scope + "/" + agent
}

func (b *MessageBus) queue(scope, agent string) chan AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := queueKey(scope, agent)
	q, ok := b.queues[key]
	if !ok {
		q = make(chan AgentMessage, b.queueSize)
		b.queues[key] = q
	}
	return q
}

// Enqueue places a message on the target agent's inbound queue.
func (b *MessageBus) Enqueue(msg AgentMessage) error {
	if msg.Scope == "" || msg.Agent == "" {
		return fmt.Errorf("enqueue: scope and agent are required")
	}
	select {
	case b.queue(msg.Scope, msg.Agent) <- msg:
		return nil
	default:
		return fmt.Errorf("inbound queue for %s is full", queueKey(msg.Scope, msg.Agent))
	}
}

// Inbox returns the agent's inbound queue for blocking consumption.
func (b *MessageBus) Inbox(scope, agent string) <-chan AgentMessage {
	return b.queue(scope, agent)
}

// TryConsume pulls one message without blocking; ok is false when the queue
// is empty. Used by the supervisor's poll-mode fallback.
func (b *MessageBus) TryConsume(scope, agent string) (AgentMessage, bool) {
	select {
	case msg := <-b.queue(scope, agent):
		return msg, true
	default:
		return AgentMessage{}, false
	}
}

// Consume blocks until a message arrives or ctx is done.
func (b *MessageBus) Consume(ctx context.Context, scope, agent string) (AgentMessage, bool) {
	select {
	case <-ctx.Done():
		return AgentMessage{}, false
	case msg := <-b.queue(scope, agent):
		return msg, true
	}
}

// Event is a broadcast lifecycle notification (task created, delegation
// started, report delivered). Subscribers must drain promptly; slow
// subscribers miss events rather than blocking the engine.
type Event struct {
	Name    string
	Payload map[string]string
}

// Subscribe registers a new event listener.
func (b *MessageBus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.subMu.Lock()
	b.subs = append(b.subs, ch)
	b.subMu.Unlock()
	return ch
}

// Broadcast delivers an event to all subscribers, dropping on full buffers.
func (b *MessageBus) Broadcast(ev Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
