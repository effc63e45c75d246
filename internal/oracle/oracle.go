// Package oracle adapts a chat-completion model into the two reasoning
// roles the heartbeat needs: choosing actions each cycle and distilling
// episodes while dreaming.
package oracle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/memory"
	"github.com/nidhogg/atlas/internal/provider"
	"github.com/nidhogg/atlas/internal/tools"
)

// Context is everything the decider sees for one cycle.
type Context struct {
	Cycle     int64
	At        time.Time
	Drives    drive.Snapshot
	Mode      drive.Mode
	Feeling   string // drive summary in words
	Working   []memory.Entry
	Episodes  []memory.Scored
	Facts     []memory.Fact
	Questions []memory.Fact
	Crashed   bool
	FirstBoot bool
}

// Note is an episode the oracle asks to remember explicitly.
type Note struct {
	Event      string `json:"event"`
	Outcome    string `json:"outcome,omitempty"`
	Importance int    `json:"importance,omitempty"`
}

// Decision is the oracle's answer for one cycle.
type Decision struct {
	Thoughts string         `json:"thoughts,omitempty"`
	Mood     string         `json:"mood,omitempty"`
	Actions  []tools.Action `json:"actions,omitempty"`
	Remember []Note         `json:"remember,omitempty"`
	Rest     bool           `json:"rest,omitempty"`
}

// Decider picks the next actions. It may fail or time out.
type Decider interface {
	Decide(ctx context.Context, c Context) (*Decision, error)
}

// ToolSource lists the tools offered to the model.
type ToolSource interface {
	Definitions() []provider.Tool
}

// Persona is the agent's identity text.
type Persona struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Profile      string `json:"-"`
}

// DefaultPersona is used when no profile directory is configured.
func DefaultPersona() Persona {
	return Persona{
		Name: "Atlas",
		SystemPrompt: "You are Atlas, an autonomous agent that lives in heartbeats. " +
			"Each heartbeat you see your drives and memories and choose what to do. " +
			"Use tools to act. Call done when you want this heartbeat to end.",
	}
}

var profileFiles = []string{"SOUL.md", "AGENT.md", "GOALS.md"}

// LoadPersona reads SOUL.md, AGENT.md and GOALS.md from dir into the
// persona's profile. Missing files are skipped.
func LoadPersona(dir string, base Persona) Persona {
	if dir == "" {
		return base
	}
	var parts []string
	for _, f := range profileFiles {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	base.Profile = strings.Join(parts, "\n\n---\n\n")
	return base
}
