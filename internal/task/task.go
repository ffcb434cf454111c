// Package task holds the delegation task tree: the Task record, the
// delegation context ledger, and the stores that persist them.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies where a root task's final answer must be delivered.
// Resolved once at task creation and carried immutably on the task record.
type Channel string

const (
	ChannelInteractive Channel = "interactive"
	ChannelTelegram    Channel = "telegram"
	ChannelSlack       Channel = "slack"
	ChannelSupervisor  Channel = "supervisor"
)

// ParseChannel validates a channel name from config or wire input.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelInteractive, ChannelTelegram, ChannelSlack, ChannelSupervisor:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown requester channel %q", s)
}

// Delegation records one outbound delegation issued by a parent task.
type Delegation struct {
	ChildTaskID uuid.UUID `json:"child_task_id"`
	DelegatedTo string    `json:"delegated_to"`
	Message     string    `json:"delegation_message"`
	DelegatedAt time.Time `json:"delegation_time"`
}

// Response records one child result folded back into the parent.
type Response struct {
	ChildTaskID uuid.UUID `json:"child_task_id"`
	FromAgent   string    `json:"from_agent"`
	Response    string    `json:"response"`
	CompletedAt time.Time `json:"completed_at"`
}

// DelegationContext is the parent-side ledger of what was delegated and what
// has come back. Owned exclusively by the parent task; mutated only through
// the ContextManager so append+decrement stay in one critical section.
type DelegationContext struct {
	OriginalRequest string       `json:"original_request"`
	Requester       string       `json:"requester"`
	Delegations     []Delegation `json:"delegations"`
	Responses       []Response   `json:"responses"`
}

// Complete reports whether every delegation in this cycle has a response.
func (c *DelegationContext) Complete() bool {
	return len(c.Delegations) > 0 && len(c.Responses) >= len(c.Delegations)
}

// HasResponse reports whether the given child already reported this cycle.
func (c *DelegationContext) HasResponse(childID uuid.UUID) bool {
	for _, r := range c.Responses {
		if r.ChildTaskID == childID {
			return true
		}
	}
	return false
}

// hasDelegation reports whether the given child belongs to this cycle.
func (c *DelegationContext) hasDelegation(childID uuid.UUID) bool {
	for _, d := range c.Delegations {
		if d.ChildTaskID == childID {
			return true
		}
	}
	return false
}

func (c *DelegationContext) clone() *DelegationContext {
	if c == nil {
		return nil
	}
	out := &DelegationContext{
		OriginalRequest: c.OriginalRequest,
		Requester:       c.Requester,
	}
	out.Delegations = append(out.Delegations, c.Delegations...)
	out.Responses = append(out.Responses, c.Responses...)
	return out
}

// Task is one node in a delegation tree: who asked, who is working, and why.
type Task struct {
	ID               uuid.UUID `json:"id"`
	Scope            string    `json:"scope"`
	Requester        string    `json:"requester"`
	RequesterChannel Channel   `json:"requester_channel"`
	OriginalRequest  string    `json:"original_request"`
	DelegatedTo      string    `json:"delegated_to"`

	// ParentTaskID is uuid.Nil for root tasks. ParentScope names the store
	// that holds the parent (cross-scope delegation puts parent and child
	// in different stores).
	ParentTaskID uuid.UUID `json:"parent_task_id"`
	ParentScope  string    `json:"parent_scope"`

	DelegationContext  *DelegationContext `json:"delegation_context,omitempty"`
	PendingDelegations int                `json:"pending_delegations"`

	// OriginHandle is the opaque token the channel router needs to reach
	// the original requester (ws session id, chat id, waiting task id).
	OriginHandle string `json:"origin_handle"`

	TraceID   uuid.UUID `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
}

// IsRoot reports whether this task has no parent.
func (t *Task) IsRoot() bool { return t.ParentTaskID == uuid.Nil }

// Clone returns a deep copy safe to hand outside the store's critical section.
func (t *Task) Clone() *Task {
	out := *t
	out.DelegationContext = t.DelegationContext.clone()
	return &out
}
