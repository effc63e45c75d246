package heartbeat

import (
	"fmt"
	"math"

	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/tools"
)

// Effects maps what happened in a cycle onto drive deltas.
type Effects struct {
	CycleFatigue      float64 `json:"cycle_fatigue"` // accrued every cycle
	ExploreFatigue    float64 `json:"explore_fatigue"`
	CreateFatigue     float64 `json:"create_fatigue"`
	ReflectFatigue    float64 `json:"reflect_fatigue"`
	ExplorationReward float64 `json:"exploration_reward"`
	CreationReward    float64 `json:"creation_reward"`
	ReflectRelief     float64 `json:"reflect_relief"`
	RepeatPenalty     float64 `json:"repeat_penalty"`
	FailureAnxiety    float64 `json:"failure_anxiety"`
	FailureDissatisfy float64 `json:"failure_dissatisfy"`
	RestRelief        float64 `json:"rest_relief"`

	LowDiversity     float64 `json:"low_diversity"`
	DiversityPenalty float64 `json:"diversity_penalty"`

	CuriosityFloor    float64 `json:"curiosity_floor"`
	CuriosityRecovery float64 `json:"curiosity_recovery"`

	Inhibition float64 `json:"inhibition"`
}

// DefaultEffects returns the stock action effects.
func DefaultEffects() Effects {
	return Effects{
		CycleFatigue:      0.025,
		ExploreFatigue:    0.02,
		CreateFatigue:     0.03,
		ReflectFatigue:    0.01,
		ExplorationReward: 0.06,
		CreationReward:    0.10,
		ReflectRelief:     0.10,
		RepeatPenalty:     0.10,
		FailureAnxiety:    0.06,
		FailureDissatisfy: 0.04,
		RestRelief:        0.05,
		LowDiversity:      0.3,
		DiversityPenalty:  0.05,
		CuriosityFloor:    0.35,
		CuriosityRecovery: 0.10,
		Inhibition:        0.5,
	}
}

// Validate rejects negative magnitudes.
func (e Effects) Validate() error {
	for name, v := range map[string]float64{
		"cycle_fatigue":      e.CycleFatigue,
		"explore_fatigue":    e.ExploreFatigue,
		"create_fatigue":     e.CreateFatigue,
		"reflect_fatigue":    e.ReflectFatigue,
		"exploration_reward": e.ExplorationReward,
		"creation_reward":    e.CreationReward,
		"reflect_relief":     e.ReflectRelief,
		"repeat_penalty":     e.RepeatPenalty,
		"failure_anxiety":    e.FailureAnxiety,
		"failure_dissatisfy": e.FailureDissatisfy,
		"rest_relief":        e.RestRelief,
		"diversity_penalty":  e.DiversityPenalty,
		"curiosity_recovery": e.CuriosityRecovery,
		"inhibition":         e.Inhibition,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("effect %s must be a non-negative number, got %v", name, v)
		}
	}
	return nil
}

// rewardScale shrinks rewards while tired.
func (e Effects) rewardScale(fatigue float64) float64 {
	if fatigue <= 0.5 {
		return 1
	}
	return math.Max(0.3, 1-(fatigue-0.5)*e.Inhibition)
}

// action returns the deltas of one dispatched action.
func (e Effects) action(cat tools.Category, success, repeat bool, fatigue float64) []drive.Delta {
	scale := e.rewardScale(fatigue)
	var out []drive.Delta
	add := func(n drive.Name, amt float64, reason string) {
		if amt != 0 {
			out = append(out, drive.Delta{Name: n, Amount: amt, Reason: reason})
		}
	}

	switch cat {
	case tools.Create:
		if success {
			add(drive.Satisfaction, e.CreationReward*scale, "created")
			add(drive.Curiosity, e.CreationReward*scale*0.3, "created")
		}
		add(drive.Fatigue, e.CreateFatigue, "create effort")
	case tools.Reflect:
		if success {
			add(drive.Anxiety, -e.ReflectRelief, "reflected")
			add(drive.Curiosity, 0.02, "reflected")
		}
		add(drive.Fatigue, e.ReflectFatigue, "reflect effort")
	default:
		switch {
		case repeat:
			add(drive.Curiosity, -e.RepeatPenalty, "repeat")
			add(drive.Satisfaction, -e.RepeatPenalty*0.3, "repeat")
		case success:
			add(drive.Curiosity, e.ExplorationReward*scale, "explored")
			add(drive.Satisfaction, e.ExplorationReward*scale*0.5, "explored")
		}
		add(drive.Fatigue, e.ExploreFatigue, "explore effort")
	}

	if !success && !repeat {
		add(drive.Anxiety, e.FailureAnxiety, "failure")
		add(drive.Satisfaction, -e.FailureDissatisfy, "failure")
	}
	return out
}

// failure is the cost of a cycle whose oracle call failed.
func (e Effects) failure() []drive.Delta {
	var out []drive.Delta
	if e.FailureAnxiety != 0 {
		out = append(out, drive.Delta{Name: drive.Anxiety, Amount: e.FailureAnxiety, Reason: "oracle failure"})
	}
	if e.FailureDissatisfy != 0 {
		out = append(out, drive.Delta{Name: drive.Satisfaction, Amount: -e.FailureDissatisfy, Reason: "oracle failure"})
	}
	return out
}

// cycle returns the deltas every cycle carries regardless of its actions.
func (e Effects) cycle(rest bool, curiosity, diversity float64) []drive.Delta {
	var out []drive.Delta
	if e.CycleFatigue != 0 {
		out = append(out, drive.Delta{Name: drive.Fatigue, Amount: e.CycleFatigue, Reason: "heartbeat"})
	}
	if rest && e.RestRelief != 0 {
		out = append(out, drive.Delta{Name: drive.Anxiety, Amount: -e.RestRelief, Reason: "rest"})
	}
	if e.LowDiversity > 0 && diversity < e.LowDiversity && e.DiversityPenalty != 0 {
		out = append(out, drive.Delta{Name: drive.Curiosity, Amount: -e.DiversityPenalty, Reason: "low diversity"})
	}
	if curiosity < e.CuriosityFloor && e.CuriosityRecovery != 0 {
		out = append(out, drive.Delta{Name: drive.Curiosity, Amount: (e.CuriosityFloor - curiosity) * e.CuriosityRecovery, Reason: "curiosity recovery"})
	}
	return out
}
