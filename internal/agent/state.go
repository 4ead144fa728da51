package agent

import "github.com/parkerjbeard/mortality/internal/llm"

// LifecycleStatus is an agent's externally-observable life state.
type LifecycleStatus string

const (
	StatusAlive      LifecycleStatus = "alive"
	StatusExpired    LifecycleStatus = "expired"
	statusRespawning LifecycleStatus = "respawning" // internal only; never observed externally
)

// State is the mutable holder bound together at spawn: a profile, a
// memory capsule, and an LLM session, plus the lifecycle bookkeeping
// that moves between them.
type State struct {
	Profile    Profile
	Memory     Memory
	Session    *llm.Session
	Status     LifecycleStatus
	LastTickMs int
	Visible    bool
	Metadata   map[string]any
}

// NewState binds a profile, memory, and session into an initially-alive
// agent state.
func NewState(profile Profile, memory Memory, session *llm.Session) *State {
	return &State{
		Profile:  profile,
		Memory:   memory,
		Session:  session,
		Status:   StatusAlive,
		Visible:  true,
		Metadata: make(map[string]any),
	}
}

// MarkDead transitions to StatusExpired and hides the agent from
// further consideration by the runtime.
func (s *State) MarkDead() {
	s.Status = StatusExpired
	s.Visible = false
}

// Respawn completes synchronously: the agent is immediately alive and
// visible again under its incremented life_index.
func (s *State) Respawn() {
	s.Status = StatusAlive
	s.Visible = true
}
