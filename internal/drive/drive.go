// Package drive models the agent's homeostasis: a fixed set of bounded
// scalar pressures that decay toward a baseline and move with the events of
// each heartbeat.
package drive

import (
	"fmt"
	"time"
)

// Name identifies a drive variable. The set is fixed at compile time.
type Name string

const (
	Curiosity    Name = "curiosity"
	Fatigue      Name = "fatigue"
	Anxiety      Name = "anxiety"
	Satisfaction Name = "satisfaction"
)

// Names lists every drive in its canonical order.
var Names = []Name{Curiosity, Fatigue, Anxiety, Satisfaction}

// Valid reports whether n is one of the known drives.
func (n Name) Valid() bool {
	for _, k := range Names {
		if k == n {
			return true
		}
	}
	return false
}

// Params configures one drive variable.
type Params struct {
	Value          float64 `json:"value"`
	Baseline       float64 `json:"baseline"`
	Decay          float64 `json:"decay"`
	Sensitivity    float64 `json:"sensitivity"`
	MaxDecay       float64 `json:"max_decay"`
	MaxSensitivity float64 `json:"max_sensitivity"`
	Low            float64 `json:"low"`
	High           float64 `json:"high"`
	// AccrualOnly drives ignore negative event deltas; they only come down
	// through decay or an explicit Discount.
	AccrualOnly bool `json:"accrual_only"`
}

// Config holds the homeostasis policy.
type Config struct {
	Variables map[Name]Params `json:"variables"`

	Window         int     `json:"window"`
	SleepThreshold float64 `json:"sleep_threshold"`
	TrendGain      float64 `json:"trend_gain"`
	MaxDelta       float64 `json:"max_delta"`
	Diminishing    bool    `json:"diminishing"`
	Emergency      bool    `json:"emergency"`

	// TimeUnit converts wall time between ticks into decay steps. Zero
	// means every tick is one step.
	TimeUnit time.Duration `json:"-"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Variables: map[Name]Params{
			Curiosity: {
				Value: 0.6, Baseline: 0.5, Decay: 0.12, Sensitivity: 1,
				MaxDecay: 0.36, MaxSensitivity: 2, Low: 0.25, High: 0.75,
			},
			Fatigue: {
				Value: 0.0, Baseline: 0.1, Decay: 0.02, Sensitivity: 1,
				MaxDecay: 0.06, MaxSensitivity: 2, Low: 0.2, High: 0.75,
				AccrualOnly: true,
			},
			Anxiety: {
				Value: 0.25, Baseline: 0.2, Decay: 0.15, Sensitivity: 1,
				MaxDecay: 0.45, MaxSensitivity: 2, Low: 0.15, High: 0.65,
			},
			Satisfaction: {
				Value: 0.5, Baseline: 0.45, Decay: 0.10, Sensitivity: 1,
				MaxDecay: 0.30, MaxSensitivity: 2, Low: 0.25, High: 0.75,
			},
		},
		Window:         10,
		SleepThreshold: 0.8,
		TrendGain:      0.5,
		MaxDelta:       0.3,
		Diminishing:    true,
		Emergency:      true,
	}
}

// Validate checks that every drive is configured and bounded.
func (c Config) Validate() error {
	if c.SleepThreshold <= 0 || c.SleepThreshold >= 1 {
		return fmt.Errorf("sleep threshold %v outside (0,1)", c.SleepThreshold)
	}
	if c.Window < 1 {
		return fmt.Errorf("window must be at least 1, got %d", c.Window)
	}
	for _, n := range Names {
		p, ok := c.Variables[n]
		if !ok {
			return fmt.Errorf("drive %s not configured", n)
		}
		if !unit(p.Value) || !unit(p.Baseline) {
			return fmt.Errorf("drive %s value/baseline outside [0,1]", n)
		}
		if p.Decay < 0 || p.MaxDecay < p.Decay {
			return fmt.Errorf("drive %s decay %v must be within [0, max_decay %v]", n, p.Decay, p.MaxDecay)
		}
		if p.Sensitivity <= 0 || p.MaxSensitivity < p.Sensitivity {
			return fmt.Errorf("drive %s sensitivity %v must be within (0, max_sensitivity %v]", n, p.Sensitivity, p.MaxSensitivity)
		}
	}
	for n := range c.Variables {
		if !n.Valid() {
			return fmt.Errorf("unknown drive %q", n)
		}
	}
	return nil
}

// Variable is the observable state of one drive.
type Variable struct {
	Name        Name      `json:"name"`
	Value       float64   `json:"value"`
	Baseline    float64   `json:"baseline"`
	Decay       float64   `json:"decay"`
	Sensitivity float64   `json:"sensitivity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Delta is an event-driven change to one drive.
type Delta struct {
	Name   Name    `json:"name"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

// Snapshot is the result of a tick.
type Snapshot struct {
	Tick   int64            `json:"tick"`
	At     time.Time        `json:"at"`
	Values map[Name]float64 `json:"values"`
	Trends map[Name]float64 `json:"trends"`

	// SleepTriggered is set only on the tick where fatigue crossed the
	// sleep threshold from below.
	SleepTriggered bool `json:"sleep_triggered"`
}

// Get returns the value of n, or 0 when absent.
func (s Snapshot) Get(n Name) float64 { return s.Values[n] }

// Copy returns a snapshot that shares no maps with s.
func (s Snapshot) Copy() Snapshot {
	out := s
	out.Values = make(map[Name]float64, len(s.Values))
	for k, v := range s.Values {
		out.Values[k] = v
	}
	out.Trends = make(map[Name]float64, len(s.Trends))
	for k, v := range s.Trends {
		out.Trends[k] = v
	}
	return out
}

func unit(v float64) bool { return v >= 0 && v <= 1 }
