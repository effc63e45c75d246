package drive

import (
	"fmt"
	"strings"
)

// Mode is the behaviour the current drives suggest.
type Mode string

const (
	ModeRest        Mode = "rest"
	ModeReflect     Mode = "reflect"
	ModeExplore     Mode = "explore"
	ModeSeekNovelty Mode = "seek_novelty"
	ModeCreate      Mode = "create"
	ModeWork        Mode = "work"
)

// Level buckets a drive value against its configured band.
type Level string

const (
	LevelLow    Level = "low"
	LevelNormal Level = "normal"
	LevelHigh   Level = "high"
)

// Mode suggests what the agent should do next.
func (s *State) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return modeFor(
		s.vars[Curiosity].Value,
		s.vars[Fatigue].Value,
		s.vars[Anxiety].Value,
		s.vars[Satisfaction].Value,
		s.cfg.SleepThreshold,
	)
}

func modeFor(curiosity, fatigue, anxiety, satisfaction, sleep float64) Mode {
	switch {
	case fatigue > sleep:
		return ModeRest
	case anxiety > 0.65:
		return ModeReflect
	case curiosity > 0.7 && fatigue < 0.5:
		return ModeExplore
	case curiosity < 0.3:
		return ModeSeekNovelty
	case satisfaction < 0.3:
		return ModeCreate
	}
	return ModeWork
}

// Level reports where name sits relative to its low/high band.
func (s *State) Level(name Name) Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.vars[name]
	if !ok {
		return LevelNormal
	}
	return levelOf(t)
}

func levelOf(t *track) Level {
	switch {
	case t.Value < t.params.Low:
		return LevelLow
	case t.Value > t.params.High:
		return LevelHigh
	}
	return LevelNormal
}

// Critical returns the drives outside their band, in canonical order.
func (s *State) Critical() map[Name]Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Name]Level)
	for _, n := range Names {
		if l := levelOf(s.vars[n]); l != LevelNormal {
			out[n] = l
		}
	}
	return out
}

// Inhibition returns the cross-drive pressures for the next tick: fatigue
// suppresses curiosity, anxiety suppresses satisfaction and an overexcited
// curiosity feeds anxiety.
func (s *State) Inhibition(strength float64) []Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Delta
	if f := s.vars[Fatigue].Value; f > 0.6 {
		out = append(out, Delta{Name: Curiosity, Amount: -(f - 0.6) * strength * 0.1, Reason: "fatigue inhibition"})
	}
	if a := s.vars[Anxiety].Value; a > 0.5 {
		out = append(out, Delta{Name: Satisfaction, Amount: -(a - 0.5) * strength * 0.08, Reason: "anxiety inhibition"})
	}
	if c := s.vars[Curiosity].Value; c > 0.85 {
		out = append(out, Delta{Name: Anxiety, Amount: (c - 0.85) * strength * 0.1, Reason: "overexcitement"})
	}
	return out
}

// Describe renders the drives as a prompt section.
func (s *State) Describe(diversity float64) string {
	mode := s.Mode()

	s.mu.RLock()
	var b strings.Builder
	b.WriteString("## Internal State\n\n")
	for _, n := range Names {
		t := s.vars[n]
		fmt.Fprintf(&b, "%s: %s %.2f (%s)\n", n, bar(t.Value, 10), t.Value, levelOf(t))
	}
	s.mu.RUnlock()

	fmt.Fprintf(&b, "\nBehavioral diversity: %.0f%%\n", diversity*100)
	fmt.Fprintf(&b, "Suggested mode: %s\n", mode)
	switch mode {
	case ModeRest:
		b.WriteString("\nI'm tired. I should do something light or reflect.\n")
	case ModeReflect:
		b.WriteString("\nAnxiety is elevated. I should take a moment to process.\n")
	case ModeExplore:
		b.WriteString("\nCuriosity is high. Good time to explore.\n")
	case ModeSeekNovelty:
		b.WriteString("\nCuriosity is low. I must try something new.\n")
	case ModeCreate:
		b.WriteString("\nSatisfaction is low. Creating something will help.\n")
	}
	if diversity < 0.3 {
		b.WriteString("\nI've been repeating actions. I must vary my approach.\n")
	}
	return b.String()
}

func bar(v float64, width int) string {
	filled := int(v * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
