package heartbeat

import (
	"sync"
	"time"

	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/memory"
)

// Status is what the agent is doing right now.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
	StatusActing   Status = "acting"
	StatusDreaming Status = "dreaming"
)

// Lifecycle counts what the agent has lived through.
type Lifecycle struct {
	Born        time.Time `json:"born"`
	Cycles      int64     `json:"cycles"`
	Dreams      int64     `json:"dreams"`
	Failures    int64     `json:"failures"`
	LastCycleAt time.Time `json:"last_cycle_at"`
}

// AgentState is the aggregate the scheduler owns. Drives and working memory
// are mutated only from inside a cycle; everything else reads through View.
type AgentState struct {
	Drives  *drive.State
	Working *memory.Working

	lifecycle Lifecycle
	status    Status
	mood      string
	thoughts  string
	crashed   bool
	mu        sync.RWMutex
}

// NewAgentState creates a fresh state around drives and working memory.
func NewAgentState(drives *drive.State, working *memory.Working) *AgentState {
	return &AgentState{
		Drives:  drives,
		Working: working,
		status:  StatusIdle,
	}
}

// View is a read-only copy of the agent state.
type View struct {
	Lifecycle Lifecycle        `json:"lifecycle"`
	Status    Status           `json:"status"`
	Mode      drive.Mode       `json:"mode"`
	Mood      string           `json:"mood,omitempty"`
	Thoughts  string           `json:"thoughts,omitempty"`
	Crashed   bool             `json:"crashed"`
	Drives    []drive.Variable `json:"drives"`
	Working   int              `json:"working"`
	Diversity float64          `json:"diversity"`
}

// View captures the state for observers.
func (s *AgentState) View() View {
	s.mu.RLock()
	v := View{
		Lifecycle: s.lifecycle,
		Status:    s.status,
		Mood:      s.mood,
		Thoughts:  s.thoughts,
		Crashed:   s.crashed,
	}
	s.mu.RUnlock()
	v.Mode = s.Drives.Mode()
	v.Drives = s.Drives.Variables()
	v.Working = s.Working.Len()
	v.Diversity = s.Working.Diversity()
	return v
}

// Lifecycle returns the counters.
func (s *AgentState) Lifecycle() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

func (s *AgentState) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *AgentState) wasCrashed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crashed
}

func (s *AgentState) thoughtsAndMood() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thoughts, s.mood
}

// commit records a finished cycle.
func (s *AgentState) commit(cycle int64, at time.Time, failed bool, thoughts, mood string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.Born.IsZero() {
		s.lifecycle.Born = at
	}
	s.lifecycle.Cycles = cycle
	s.lifecycle.LastCycleAt = at
	if failed {
		s.lifecycle.Failures++
	}
	if thoughts != "" {
		s.thoughts = thoughts
	}
	if mood != "" {
		s.mood = mood
	}
	s.crashed = false
	s.status = StatusIdle
}

// crash records a cycle that panicked. The next cycle is told about it.
func (s *AgentState) crash(cycle int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.Born.IsZero() {
		s.lifecycle.Born = at
	}
	s.lifecycle.Cycles = cycle
	s.lifecycle.LastCycleAt = at
	s.lifecycle.Failures++
	s.crashed = true
	s.status = StatusIdle
}

func (s *AgentState) dreamed() {
	s.mu.Lock()
	s.lifecycle.Dreams++
	s.mu.Unlock()
}

func (s *AgentState) restore(l Lifecycle, mood, thoughts string, crashed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = l
	s.mood = mood
	s.thoughts = thoughts
	s.crashed = crashed
	s.status = StatusIdle
}
