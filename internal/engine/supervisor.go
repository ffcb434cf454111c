package engine

import (
	"context"
	"log/slog"
	"time"
)

// Supervisor is the cross-scope coordinator. It is an ordinary agent loop
// in its own reserved scope, injected at wiring time rather than reached
// through a global, so tests can run several engines side by side.
//
// Delegation through it is one-directional: it reaches into project scopes
// with DelegateCrossScope, project agents can never reach back.
type Supervisor struct {
	eng      *Engine
	agent    string
	reasoner Reasoner

	// pollInterval > 0 switches Run from blocking consumption to a ticker
	// that drains the queue each tick. Blocking is the default; polling
	// exists for hosts that must share the goroutine with other duties.
	pollInterval time.Duration
}

// NewSupervisor registers the supervisor in the roster and returns it.
// agent defaults to "supervisor".
func NewSupervisor(eng *Engine, agent string, r Reasoner, pollInterval time.Duration) *Supervisor {
	if agent == "" {
		agent = "supervisor"
	}
	eng.supAgent = agent
	eng.roster.SetScope(SupervisorScope, []AgentSpec{{
		Name:        agent,
		Description: "cross-project coordinator",
	}})
	return &Supervisor{eng: eng, agent: agent, reasoner: r, pollInterval: pollInterval}
}

// Agent returns the supervisor's agent name.
func (s *Supervisor) Agent() string { return s.agent }

// Run drives the supervisor until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	loop := newLoop(s.eng, SupervisorScope, s.agent, s.reasoner)
	if s.pollInterval <= 0 {
		return loop.Run(ctx)
	}

	slog.Info("supervisor polling", "agent", s.agent, "interval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("supervisor stopped", "agent", s.agent)
			return nil
		case <-ticker.C:
			for {
				msg, ok := s.eng.bus.TryConsume(SupervisorScope, s.agent)
				if !ok {
					break
				}
				loop.handle(ctx, msg)
			}
		}
	}
}
