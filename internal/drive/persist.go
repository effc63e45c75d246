package drive

import (
	"github.com/nidhogg/atlas/internal/agenterr"
)

// Persisted is the serialisable form of a State.
type Persisted struct {
	Ticks     int64               `json:"ticks"`
	Armed     bool                `json:"armed"`
	Variables []PersistedVariable `json:"variables"`
}

// PersistedVariable carries one drive with its trend window.
type PersistedVariable struct {
	Variable
	Window     []float64 `json:"window"`
	ExtremeRun int       `json:"extreme_run"`
}

// Export captures everything needed to rebuild an equivalent State.
func (s *State) Export() Persisted {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := Persisted{Ticks: s.ticks, Armed: s.armed}
	for _, n := range Names {
		t := s.vars[n]
		p.Variables = append(p.Variables, PersistedVariable{
			Variable:   t.Variable,
			Window:     append([]float64(nil), t.window...),
			ExtremeRun: t.extremeRun,
		})
	}
	return p
}

// Restore replaces the drive values with p. Drives missing from p keep
// their current values; unknown or out-of-range entries reject the whole
// restore. Baselines always follow the configuration.
func (s *State) Restore(p Persisted) error {
	for _, v := range p.Variables {
		if !v.Name.Valid() {
			return agenterr.Invariant("restore: unknown drive %q", v.Name)
		}
		if !unit(v.Value) {
			return agenterr.Invariant("restore: drive %s value %v outside [0,1]", v.Name, v.Value)
		}
		for _, w := range v.Window {
			if !unit(w) {
				return agenterr.Invariant("restore: drive %s window value %v outside [0,1]", v.Name, w)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range p.Variables {
		t := s.vars[v.Name]
		t.Variable = v.Variable
		// Baselines come from the running config, not the snapshot.
		t.Baseline = t.params.Baseline
		if t.Decay <= 0 || t.Decay > t.params.MaxDecay {
			t.Decay = t.params.Decay
		}
		if t.Sensitivity <= 0 || t.Sensitivity > t.params.MaxSensitivity {
			t.Sensitivity = t.params.Sensitivity
		}
		t.window = append([]float64(nil), v.Window...)
		if len(t.window) > s.cfg.Window {
			t.window = t.window[len(t.window)-s.cfg.Window:]
		}
		t.extremeRun = v.ExtremeRun
	}
	s.ticks = p.Ticks
	s.armed = p.Armed
	s.rearm()
	return nil
}
