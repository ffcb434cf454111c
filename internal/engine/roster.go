package engine

import (
	"sort"
	"sync"
)

// SupervisorScope is the reserved scope holding the supervisor. Project
// configs may not use this ID.
const SupervisorScope = "supervisor"

// AgentSpec describes one configured agent inside a scope.
type AgentSpec struct {
	Name        string
	Description string
}

// Roster is the live map of scopes to their agents. It is replaced
// wholesale on config reload; loops read it on every delegation check so
// roster changes apply to future delegations without restarts.
type Roster struct {
	mu     sync.RWMutex
	scopes map[string][]AgentSpec
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{scopes: make(map[string][]AgentSpec)}
}

// SetScope installs or replaces one scope's agent list.
func (r *Roster) SetScope(scope string, agents []AgentSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[scope] = append([]AgentSpec(nil), agents...)
}

// Replace swaps the whole roster (config hot-reload path). The supervisor
// scope is preserved unless the new set names it explicitly.
func (r *Roster) Replace(scopes map[string][]AgentSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, hadSup := r.scopes[SupervisorScope]
	r.scopes = make(map[string][]AgentSpec, len(scopes)+1)
	for scope, agents := range scopes {
		r.scopes[scope] = append([]AgentSpec(nil), agents...)
	}
	if hadSup {
		if _, ok := r.scopes[SupervisorScope]; !ok {
			r.scopes[SupervisorScope] = sup
		}
	}
}

// Agents returns a copy of the scope's agent list (empty if unknown).
func (r *Roster) Agents(scope string) []AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AgentSpec(nil), r.scopes[scope]...)
}

// Has reports whether the named agent exists in the scope.
func (r *Roster) Has(scope, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.scopes[scope] {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Scopes returns all scope IDs in sorted order.
func (r *Roster) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scopes))
	for scope := range r.scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}
