// Package dream consolidates recent episodes into semantic facts. A run
// walks Idle, Triggered, Retrieving, Synthesizing, Committing and back to
// Idle, or drops to Failed and back to Idle with nothing committed.
package dream

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/memory"
)

// Phase is the consolidator's state.
type Phase string

const (
	Idle         Phase = "idle"
	Triggered    Phase = "triggered"
	Retrieving   Phase = "retrieving"
	Synthesizing Phase = "synthesizing"
	Committing   Phase = "committing"
	Failed       Phase = "failed"
)

// Depth selects how much history a run reads.
type Depth string

const (
	Light Depth = "light"
	Deep  Depth = "deep"
)

// Status is a run's final outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Trigger names the drive crossing that started a run.
type Trigger struct {
	Name  drive.Name `json:"name"`
	Value float64    `json:"value"`
	Cycle int64      `json:"cycle"`
}

// Run is one consolidation attempt. It is never changed after Run returns it.
type Run struct {
	ID         string    `json:"id"`
	Trigger    Trigger   `json:"trigger"`
	Depth      Depth     `json:"depth"`
	EpisodeIDs []string  `json:"episode_ids"`
	FactIDs    []string  `json:"fact_ids"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r Run) clone() Run {
	c := r
	c.EpisodeIDs = append([]string(nil), r.EpisodeIDs...)
	c.FactIDs = append([]string(nil), r.FactIDs...)
	return c
}

// Candidate is a statement the synthesizer proposes for the semantic store.
type Candidate struct {
	Kind       memory.Kind `json:"kind"`
	Topic      string      `json:"topic,omitempty"`
	Statement  string      `json:"statement"`
	Confidence float64     `json:"confidence"`
	// EpisodeIDs narrows provenance; empty means the whole batch.
	EpisodeIDs []string `json:"episode_ids,omitempty"`
}

// Synthesizer distils episodes into candidates. It is the external
// reasoning oracle in its dreaming role.
type Synthesizer interface {
	Synthesize(ctx context.Context, episodes []memory.Episode, depth Depth) ([]Candidate, error)
}

// Regulator is the drive surface a run may touch.
type Regulator interface {
	Discount(name drive.Name, factor float64) error
	Bump(name drive.Name, amount float64) error
}

// EpisodeSource supplies recent episodes, newest first.
type EpisodeSource interface {
	Recent(ctx context.Context, k int) ([]memory.Episode, error)
}

// FactCommitter stores a batch of facts all-or-nothing.
type FactCommitter interface {
	Commit(ctx context.Context, runID string, facts []memory.Fact) ([]string, error)
}

// RunLedger records finalized runs. RecordRun is an upsert by run id.
type RunLedger interface {
	RecordRun(ctx context.Context, run Run) error
	Runs(ctx context.Context, limit int) ([]Run, error)
}

// MemoryLedger keeps runs in process, newest last.
type MemoryLedger struct {
	runs []Run
	mu   sync.RWMutex
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

func (l *MemoryLedger) RecordRun(_ context.Context, run Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.runs {
		if l.runs[i].ID == run.ID {
			l.runs[i] = run.clone()
			return nil
		}
	}
	l.runs = append(l.runs, run.clone())
	return nil
}

// Runs returns up to limit runs, newest first.
func (l *MemoryLedger) Runs(_ context.Context, limit int) ([]Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.runs) {
		limit = len(l.runs)
	}
	out := make([]Run, 0, limit)
	for i := len(l.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.runs[i].clone())
	}
	return out, nil
}
