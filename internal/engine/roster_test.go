package engine

import "testing"

func TestRosterReplaceKeepsSupervisor(t *testing.T) {
	r := NewRoster()
	r.SetScope(SupervisorScope, []AgentSpec{{Name: "supervisor"}})
	r.SetScope("old-proj", []AgentSpec{{Name: "a"}})

	r.Replace(map[string][]AgentSpec{
		"new-proj": {{Name: "b"}, {Name: "c"}},
	})

	if r.Has("old-proj", "a") {
		t.Error("replaced scope survived")
	}
	if !r.Has("new-proj", "c") {
		t.Error("new scope missing")
	}
	// Config reloads carry only projects; the supervisor must persist.
	if !r.Has(SupervisorScope, "supervisor") {
		t.Error("supervisor dropped by reload")
	}
}

func TestRosterAgentsReturnsCopy(t *testing.T) {
	r := NewRoster()
	r.SetScope("proj", []AgentSpec{{Name: "a"}})
	agents := r.Agents("proj")
	agents[0].Name = "mutated"
	if !r.Has("proj", "a") {
		t.Error("mutating the returned slice changed the roster")
	}
}
