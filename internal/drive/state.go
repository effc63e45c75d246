package drive

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nidhogg/atlas/internal/agenterr"
)

const (
	emergencyRun  = 3
	emergencyHigh = 0.95
	emergencyLow  = 0.05
	relaxRate     = 0.2
)

type track struct {
	Variable
	params     Params
	window     []float64
	extremeRun int // >0 ticks pinned high, <0 ticks pinned low
}

func (t *track) clone() *track {
	c := *t
	c.window = append([]float64(nil), t.window...)
	return &c
}

// State is the set of drive variables. The heartbeat scheduler is its only
// writer; readers may call the accessor methods concurrently.
type State struct {
	cfg   Config
	vars  map[Name]*track
	ticks int64
	armed bool
	mu    sync.RWMutex
}

// NewState builds a drive state from cfg.
func NewState(cfg Config) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("drive config: %w", err)
	}
	s := &State{cfg: cfg, vars: make(map[Name]*track, len(Names))}
	for _, n := range Names {
		p := cfg.Variables[n]
		s.vars[n] = &track{
			Variable: Variable{
				Name:        n,
				Value:       p.Value,
				Baseline:    p.Baseline,
				Decay:       p.Decay,
				Sensitivity: p.Sensitivity,
			},
			params: p,
		}
	}
	s.armed = s.vars[Fatigue].Value < cfg.SleepThreshold
	return s, nil
}

// Config returns the policy the state was built with.
func (s *State) Config() Config { return s.cfg }

// Tick advances every drive to at: decay toward baseline, then the event
// deltas, then clamping. It is atomic: on error nothing changes.
func (s *State) Tick(at time.Time, deltas []Delta) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[Name]*track, len(s.vars))
	for n, t := range s.vars {
		if !unit(t.Value) {
			return Snapshot{}, agenterr.Invariant("drive %s value %v outside [0,1]", n, t.Value)
		}
		next[n] = t.clone()
	}
	for _, d := range deltas {
		if !d.Name.Valid() {
			return Snapshot{}, agenterr.Invariant("delta for unknown drive %q", d.Name)
		}
		if math.IsNaN(d.Amount) || math.IsInf(d.Amount, 0) {
			return Snapshot{}, agenterr.Invariant("delta for %s is %v", d.Name, d.Amount)
		}
	}

	for _, n := range Names {
		t := next[n]
		t.Value = decayToward(t.Value, t.Baseline, t.Decay, s.steps(t.UpdatedAt, at))
	}
	for _, d := range deltas {
		t := next[d.Name]
		t.Value = clamp(t.Value + s.weigh(t, d.Amount))
	}

	trends := make(map[Name]float64, len(Names))
	for _, n := range Names {
		t := next[n]
		if s.cfg.Emergency {
			regulate(t)
		}
		t.window = append(t.window, t.Value)
		if len(t.window) > s.cfg.Window {
			t.window = t.window[len(t.window)-s.cfg.Window:]
		}
		trends[n] = slope(t.window)
		if s.cfg.TrendGain > 0 {
			s.adapt(t, trends[n])
		}
		t.UpdatedAt = at
	}

	crossed := false
	fatigue := next[Fatigue].Value
	if s.armed && fatigue >= s.cfg.SleepThreshold {
		crossed = true
		s.armed = false
	} else if fatigue < s.cfg.SleepThreshold {
		s.armed = true
	}

	s.vars = next
	s.ticks++
	snap := s.snapshotLocked(at)
	snap.Trends = trends
	snap.SleepTriggered = crossed
	return snap, nil
}

// steps converts the time since last update into decay steps.
func (s *State) steps(last, at time.Time) float64 {
	if last.IsZero() || s.cfg.TimeUnit <= 0 {
		return 1
	}
	dt := at.Sub(last)
	if dt <= 0 {
		return 0
	}
	return float64(dt) / float64(s.cfg.TimeUnit)
}

func (s *State) weigh(t *track, amount float64) float64 {
	if amount < 0 && t.params.AccrualOnly {
		return 0
	}
	w := amount * t.Sensitivity
	if s.cfg.Diminishing {
		w *= effectiveness(t.Value, w)
	}
	return s.bound(w)
}

func (s *State) bound(w float64) float64 {
	if s.cfg.MaxDelta <= 0 {
		return w
	}
	return math.Max(-s.cfg.MaxDelta, math.Min(s.cfg.MaxDelta, w))
}

// adapt tunes sensitivity and decay from the trend. A drive rising away
// from its baseline gets more sensitive to further pushes, and its decay
// rate climbs toward the MaxDecay ceiling so the feedback cannot run away.
func (s *State) adapt(t *track, trend float64) {
	p := t.params
	gain := s.cfg.TrendGain
	excursion := t.Value - t.Baseline

	if trend > 0 {
		t.Sensitivity = math.Min(p.MaxSensitivity, t.Sensitivity+gain*trend)
	} else {
		t.Sensitivity += (p.Sensitivity - t.Sensitivity) * relaxRate
	}

	if trend != 0 && math.Signbit(trend) == math.Signbit(excursion) && excursion != 0 {
		t.Decay = math.Min(p.MaxDecay, t.Decay+gain*math.Abs(trend))
	} else {
		t.Decay += (p.Decay - t.Decay) * relaxRate
	}
}

// Discount moves name toward its baseline by factor in [0,1].
func (s *State) Discount(name Name, factor float64) error {
	if !name.Valid() {
		return agenterr.Invariant("discount for unknown drive %q", name)
	}
	if !unit(factor) {
		return fmt.Errorf("discount factor %v outside [0,1]", factor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.vars[name]
	t.Value = clamp(t.Baseline + (t.Value-t.Baseline)*(1-factor))
	s.rearm()
	return nil
}

// Bump applies a bounded delta outside of a tick. Consolidation uses it for
// its reward and penalty.
func (s *State) Bump(name Name, amount float64) error {
	if !name.Valid() {
		return agenterr.Invariant("bump for unknown drive %q", name)
	}
	if math.IsNaN(amount) {
		return agenterr.Invariant("bump for %s is NaN", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.vars[name]
	t.Value = clamp(t.Value + s.bound(amount))
	s.rearm()
	return nil
}

func (s *State) rearm() {
	if s.vars[Fatigue].Value < s.cfg.SleepThreshold {
		s.armed = true
	}
}

// Value returns the current value of name.
func (s *State) Value(name Name) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.vars[name]; ok {
		return t.Value
	}
	return 0
}

// Variables returns a copy of every drive in canonical order.
func (s *State) Variables() []Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Variable, 0, len(Names))
	for _, n := range Names {
		out = append(out, s.vars[n].Variable)
	}
	return out
}

// Snapshot returns the current values without ticking.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snapshotLocked(time.Time{})
	snap.Trends = make(map[Name]float64, len(Names))
	for _, n := range Names {
		snap.Trends[n] = slope(s.vars[n].window)
		if t := s.vars[n].UpdatedAt; t.After(snap.At) {
			snap.At = t
		}
	}
	return snap
}

func (s *State) snapshotLocked(at time.Time) Snapshot {
	values := make(map[Name]float64, len(Names))
	for _, n := range Names {
		values[n] = s.vars[n].Value
	}
	return Snapshot{Tick: s.ticks, At: at, Values: values}
}

// Ticks returns how many ticks have been applied.
func (s *State) Ticks() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticks
}

func decayToward(v, baseline, rate, steps float64) float64 {
	if rate <= 0 || steps <= 0 {
		return v
	}
	return baseline + (v-baseline)*math.Exp(-rate*steps)
}

// effectiveness shrinks pushes that move a drive further from the centre.
func effectiveness(v, delta float64) float64 {
	switch {
	case delta > 0 && v > 0.5:
		return math.Max(0.1, 1-(v-0.5)*1.6)
	case delta < 0 && v < 0.5:
		return math.Max(0.1, 1-(0.5-v)*1.6)
	}
	return 1
}

// regulate forces a drive pinned at an extreme for several ticks back
// toward its baseline, never past it.
func regulate(t *track) {
	switch {
	case t.Value >= emergencyHigh:
		if t.extremeRun < 0 {
			t.extremeRun = 0
		}
		t.extremeRun++
	case t.Value <= emergencyLow:
		if t.extremeRun > 0 {
			t.extremeRun = 0
		}
		t.extremeRun--
	default:
		t.extremeRun = 0
		return
	}

	switch {
	case t.extremeRun >= emergencyRun && t.Baseline < t.Value:
		t.Value = math.Max(0.75, t.Baseline)
		t.extremeRun = 0
	case t.extremeRun <= -emergencyRun && t.Baseline > t.Value:
		t.Value = math.Min(0.25, t.Baseline)
		t.extremeRun = 0
	}
}

// slope is the least-squares slope of the window against its index.
func slope(window []float64) float64 {
	n := float64(len(window))
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i, y := range window {
		sumX += float64(i)
		sumY += y
	}
	meanX, meanY := sumX/n, sumY/n
	var num, den float64
	for i, y := range window {
		dx := float64(i) - meanX
		num += dx * (y - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
