package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kangkukjin/indiebizos/internal/task"
)

// AgentInfo describes one reachable delegation target.
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ScopeAgents lists the agents of one project scope (supervisor surface).
type ScopeAgents struct {
	ScopeID string      `json:"scope_id"`
	Agents  []AgentInfo `json:"agents"`
}

// StepRequest is everything one reasoning turn sees.
type StepRequest struct {
	TaskID uuid.UUID
	Scope  string
	Agent  string

	// Message is the literal inbound text: the user request, the
	// delegation message, or a combined delegation report.
	Message string

	// OriginalRequest is the text that started this task tree, copied
	// unchanged down the delegation chain.
	OriginalRequest string
	Requester       string

	// Restored carries the delegation-cycle ledger verbatim when this
	// turn resumes after fan-in completed, so the agent can finish the
	// original request even though it delegated in an earlier turn.
	Restored *task.DelegationContext
}

// StepResult is the outcome of one reasoning turn. Answer is ignored when
// the turn issued delegations (the agent is now waiting, not reporting).
type StepResult struct {
	Answer string
}

// ToolAPI is the tool-call surface handed to a project agent's reasoning
// step. The reasoning itself (LLM inference, tool execution) is a black box
// behind Reasoner.
type ToolAPI interface {
	// Delegate hands a sub-request to another agent in the same scope and
	// returns the child task ID. Multiple calls in one turn fan out.
	Delegate(ctx context.Context, targetAgent, message string) (uuid.UUID, error)
	ListReachableAgents(ctx context.Context) []AgentInfo
}

// SupervisorAPI extends ToolAPI with the one-directional cross-scope path.
type SupervisorAPI interface {
	ToolAPI
	DelegateCrossScope(ctx context.Context, scopeID, targetAgent, message string) (uuid.UUID, error)
	ListScopesAndAgents(ctx context.Context) []ScopeAgents
}

// Reasoner executes one reasoning turn for an agent. Implementations may
// block on external inference; the loop treats the call as opaque.
type Reasoner interface {
	Step(ctx context.Context, req StepRequest, api ToolAPI) (StepResult, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, req StepRequest, api ToolAPI) (StepResult, error)

func (f ReasonerFunc) Step(ctx context.Context, req StepRequest, api ToolAPI) (StepResult, error) {
	return f(ctx, req, api)
}

// ReasonerProvider resolves the reasoner for a given agent. Injected from
// the wiring layer so the engine never imports inference code.
type ReasonerProvider func(scope, agent string) Reasoner

// EchoReasoner is the built-in placeholder used when no inference backend
// is wired: it acknowledges the request without delegating. Useful for
// smoke-testing the pipeline end to end.
func EchoReasoner() Reasoner {
	return ReasonerFunc(func(_ context.Context, req StepRequest, _ ToolAPI) (StepResult, error) {
		if req.Restored != nil {
			return StepResult{Answer: fmt.Sprintf("collected %d delegation responses", len(req.Restored.Responses))}, nil
		}
		return StepResult{Answer: fmt.Sprintf("agent %s received: %s", req.Agent, req.Message)}, nil
	})
}
