// Package engine runs the delegation engine: per-agent execution loops,
// same-scope fan-out, atomic fan-in, and auto-reporting up the task tree.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/task"
)

// Delivery pushes a root task's final answer back to its requester channel.
// Implemented by the channel router; the engine never knows transports.
type Delivery interface {
	Deliver(ctx context.Context, t *task.Task, answer string) error
}

// StoreFactory opens the task store for a scope. Called once per scope,
// lazily, on first activation.
type StoreFactory func(scope string) (task.Store, error)

// Options configures an Engine. Bus, Roster, Stores, Delivery and Reasoners
// are required.
type Options struct {
	Bus       *bus.MessageBus
	Roster    *Roster
	Stores    StoreFactory
	Delivery  Delivery
	Reasoners ReasonerProvider
	History   task.HistoryStore

	// DelegationTimeout bounds how long a parent waits for one child.
	// Zero disables expiry; a hung child then blocks its cycle forever.
	DelegationTimeout time.Duration

	// SupervisorAgent is the name project agents are forbidden to target.
	// Defaults to "supervisor".
	SupervisorAgent string
}

type scopeState struct {
	store   task.Store
	manager *task.ContextManager
	started bool
}

// Engine owns the agent loops and every task-tree state transition.
type Engine struct {
	bus       *bus.MessageBus
	roster    *Roster
	stores    StoreFactory
	delivery  Delivery
	reasoners ReasonerProvider
	history   task.HistoryStore
	timeout   time.Duration
	supAgent  string

	mu     sync.Mutex
	scopes map[string]*scopeState

	group  *errgroup.Group
	runCtx context.Context

	// recentlyDeleted remembers tasks removed in the last few minutes so an
	// orphaned child report can be logged with its cause instead of as a
	// bare unknown-parent drop.
	recentlyDeleted *expirable.LRU[uuid.UUID, time.Time]
}

// New validates opts and creates an engine. Start must be called before
// Submit or scope activation.
func New(opts Options) (*Engine, error) {
	if opts.Bus == nil || opts.Roster == nil || opts.Stores == nil {
		return nil, fmt.Errorf("engine: bus, roster and store factory are required")
	}
	if opts.Delivery == nil {
		return nil, fmt.Errorf("engine: delivery is required")
	}
	if opts.Reasoners == nil {
		return nil, fmt.Errorf("engine: reasoner provider is required")
	}
	if opts.SupervisorAgent == "" {
		opts.SupervisorAgent = "supervisor"
	}
	return &Engine{
		bus:             opts.Bus,
		roster:          opts.Roster,
		stores:          opts.Stores,
		delivery:        opts.Delivery,
		reasoners:       opts.Reasoners,
		history:         opts.History,
		timeout:         opts.DelegationTimeout,
		supAgent:        opts.SupervisorAgent,
		scopes:          make(map[string]*scopeState),
		recentlyDeleted: expirable.NewLRU[uuid.UUID, time.Time](4096, nil, 10*time.Minute),
	}, nil
}

// Roster exposes the live agent roster (read by the wiring layer and tools).
func (e *Engine) Roster() *Roster { return e.roster }

// Bus exposes the message bus for event subscribers.
func (e *Engine) Bus() *bus.MessageBus { return e.bus }

// Start binds the engine to its run context. Loops spawned afterwards are
// tracked in one errgroup; Wait blocks until all of them return.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.group, e.runCtx = errgroup.WithContext(ctx)
}

// Wait blocks until every loop has stopped.
func (e *Engine) Wait() error {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Spawn runs fn in the engine's errgroup (supervisor, config watcher).
func (e *Engine) Spawn(fn func(ctx context.Context) error) error {
	e.mu.Lock()
	g, ctx := e.group, e.runCtx
	e.mu.Unlock()
	if g == nil {
		return fmt.Errorf("engine not started")
	}
	g.Go(func() error { return fn(ctx) })
	return nil
}

// state returns the scope's store bundle, opening the store on first use.
func (e *Engine) state(scope string) (*scopeState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(scope)
}

func (e *Engine) stateLocked(scope string) (*scopeState, error) {
	if st, ok := e.scopes[scope]; ok {
		return st, nil
	}
	store, err := e.stores(scope)
	if err != nil {
		return nil, fmt.Errorf("open store for scope %s: %w", scope, err)
	}
	st := &scopeState{store: store, manager: task.NewContextManager(store)}
	e.scopes[scope] = st
	return st, nil
}

func (e *Engine) storeFor(scope string) (task.Store, error) {
	st, err := e.state(scope)
	if err != nil {
		return nil, err
	}
	return st.store, nil
}

func (e *Engine) managerFor(scope string) (*task.ContextManager, error) {
	st, err := e.state(scope)
	if err != nil {
		return nil, err
	}
	return st.manager, nil
}

// StartScope spawns one loop per agent in the scope. Idempotent; safe to
// call on every inbound request. The supervisor scope is driven by the
// Supervisor, not by per-agent loops.
func (e *Engine) StartScope(scope string) error {
	if scope == SupervisorScope {
		return nil
	}
	agents := e.roster.Agents(scope)
	if len(agents) == 0 {
		return fmt.Errorf("scope %s has no agents", scope)
	}

	e.mu.Lock()
	if e.group == nil {
		e.mu.Unlock()
		return fmt.Errorf("engine not started")
	}
	st, err := e.stateLocked(scope)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if st.started {
		e.mu.Unlock()
		return nil
	}
	st.started = true
	g, ctx := e.group, e.runCtx
	e.mu.Unlock()

	for _, spec := range agents {
		l := newLoop(e, scope, spec.Name, e.reasoners(scope, spec.Name))
		g.Go(func() error { return l.Run(ctx) })
	}
	slog.Info("scope activated", "scope", scope, "agents", len(agents))
	e.bus.Broadcast(bus.Event{Name: bus.EventScopeActivated, Payload: map[string]string{
		"scope": scope,
	}})
	return nil
}

// Submission is an inbound root request from a channel.
type Submission struct {
	Scope   string
	Agent   string // optional; defaults to the scope's first agent
	Content string

	Requester    string
	Channel      task.Channel
	OriginHandle string
}

// Submit validates a root request, activates the scope, and enqueues the
// request for the entry agent. The root task itself is created by the
// receiving loop so creation and first turn share one goroutine.
func (e *Engine) Submit(ctx context.Context, sub Submission) error {
	if sub.Scope == "" {
		return fmt.Errorf("submit: scope is required")
	}
	if sub.Content == "" {
		return fmt.Errorf("submit: empty request")
	}
	agents := e.roster.Agents(sub.Scope)
	if len(agents) == 0 {
		return fmt.Errorf("submit: unknown scope %s", sub.Scope)
	}
	agent := sub.Agent
	if agent == "" {
		agent = agents[0].Name
	} else if !e.roster.Has(sub.Scope, agent) {
		return fmt.Errorf("submit: no agent %s in scope %s", agent, sub.Scope)
	}
	if sub.Channel == "" {
		sub.Channel = task.ChannelInteractive
	}
	if err := e.StartScope(sub.Scope); err != nil {
		return err
	}
	return e.bus.Enqueue(bus.AgentMessage{
		Kind:             bus.KindRequest,
		Scope:            sub.Scope,
		Agent:            agent,
		Content:          sub.Content,
		Requester:        sub.Requester,
		RequesterChannel: sub.Channel,
		OriginHandle:     sub.OriginHandle,
		TraceID:          uuid.New(),
	})
}

// ListHistory returns recent finished delegations for a scope.
func (e *Engine) ListHistory(ctx context.Context, scope string, limit int) ([]task.HistoryRecord, error) {
	if e.history == nil {
		return nil, nil
	}
	return e.history.ListDelegationHistory(ctx, scope, limit)
}
