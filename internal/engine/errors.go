package engine

import "errors"

// Delegation precondition failures. These are surfaced directly to the
// originating reasoning step as structured failures, never as a crash, so
// the agent can respond to its own requester differently.
var (
	// ErrTargetNotFound: the delegate call references an agent outside the
	// caller's reachable set.
	ErrTargetNotFound = errors.New("target agent not found")

	// ErrSelfDelegation: an agent tried to delegate to itself.
	ErrSelfDelegation = errors.New("cannot delegate to self")

	// ErrNoOtherAgent: the caller is the only agent in its scope.
	ErrNoOtherAgent = errors.New("no other agent in scope")

	// ErrReverseDelegation: a project agent tried to delegate to the
	// supervisor or across scope boundaries. The supervisor path is
	// one-directional.
	ErrReverseDelegation = errors.New("reverse delegation forbidden")
)
