package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a task ID does not resolve.
	ErrNotFound = errors.New("task not found")

	// ErrPendingDelegations is returned by Delete when the task still has
	// unmerged children. The store enforces this, not just callers.
	ErrPendingDelegations = errors.New("task has pending delegations")

	// ErrStaleContext is returned when a response arrives for a cycle that
	// has already been collected (duplicate report race). Callers treat it
	// as a logged no-op.
	ErrStaleContext = errors.New("stale delegation context")
)

// Store is the durable keyed collection of Task records for one scope.
// All mutations on a single task are atomic with respect to concurrent
// callers: Update runs the mutator inside the task's critical section.
type Store interface {
	// Create inserts the task, assigning an ID if the caller left it nil.
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	// Update applies fn to the task under its per-key lock. If fn returns
	// an error the task is left unchanged and the error is propagated.
	Update(ctx context.Context, id uuid.UUID, fn func(*Task) error) error
	// Delete removes the task. Fails with ErrPendingDelegations if the
	// task still has unmerged children.
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns a snapshot of all tasks in the scope (operator surface).
	List(ctx context.Context) ([]*Task, error)
	Close() error
}

// MemoryStore keeps tasks in a keyed map with one lock per key
// (arena+index). Suitable for process-local scopes; the sqlite store
// provides the durable variant with the same contract.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*memEntry
}

type memEntry struct {
	mu   sync.Mutex
	task Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[uuid.UUID]*memEntry)}
}

func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = &memEntry{task: *t.Clone()}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Task, error) {
	s.mu.RLock()
	e, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, fn func(*Task) error) error {
	s.mu.RLock()
	e, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Mutate a copy so a failing mutator never leaves a partial write.
	next := e.task.Clone()
	if err := fn(next); err != nil {
		return err
	}
	e.task = *next
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	pending := e.task.PendingDelegations
	e.mu.Unlock()
	if pending > 0 {
		return fmt.Errorf("delete task %s: %w", id, ErrPendingDelegations)
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task.Clone())
		e.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
