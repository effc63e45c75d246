package memory

import (
	"sync"
	"time"

	"github.com/nidhogg/atlas/internal/drive"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeRest    Outcome = "rest"
	OutcomeSkipped Outcome = "skipped"
	OutcomeDream   Outcome = "dream"
)

// Entry summarises one heartbeat cycle.
type Entry struct {
	Cycle     int64                  `json:"cycle"`
	At        time.Time              `json:"at"`
	Action    string                 `json:"action"`
	Tools     []string               `json:"tools,omitempty"`
	Resources []string               `json:"resources,omitempty"`
	Outcome   Outcome                `json:"outcome"`
	Detail    string                 `json:"detail,omitempty"`
	Drives    map[drive.Name]float64 `json:"drives,omitempty"`
}

func (e Entry) clone() Entry {
	c := e
	c.Tools = append([]string(nil), e.Tools...)
	c.Resources = append([]string(nil), e.Resources...)
	if e.Drives != nil {
		c.Drives = make(map[drive.Name]float64, len(e.Drives))
		for k, v := range e.Drives {
			c.Drives[k] = v
		}
	}
	return c
}

// Working is the short-horizon FIFO of recent cycles. Entries are copied on
// the way in and out, so nothing appended is ever mutated.
type Working struct {
	capacity int
	entries  []Entry
	mu       sync.RWMutex
}

// NewWorking creates a working memory holding at most capacity entries.
func NewWorking(capacity int) *Working {
	if capacity < 1 {
		capacity = 1
	}
	return &Working{capacity: capacity, entries: make([]Entry, 0, capacity)}
}

// Append adds e, evicting the oldest entry when full.
func (w *Working) Append(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == w.capacity {
		copy(w.entries, w.entries[1:])
		w.entries = w.entries[:len(w.entries)-1]
	}
	w.entries = append(w.entries, e.clone())
}

// Recent returns up to k of the newest entries, oldest first.
func (w *Working) Recent(k int) []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if k <= 0 {
		return nil
	}
	start := len(w.entries) - k
	if start < 0 {
		start = 0
	}
	out := make([]Entry, 0, len(w.entries)-start)
	for _, e := range w.entries[start:] {
		out = append(out, e.clone())
	}
	return out
}

// Entries returns every entry, oldest first.
func (w *Working) Entries() []Entry {
	return w.Recent(w.capacity)
}

// ContainsReference reports whether a successful entry in the window
// already touched resourceID.
func (w *Working) ContainsReference(resourceID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, e := range w.entries {
		if e.Outcome != OutcomeSuccess {
			continue
		}
		for _, r := range e.Resources {
			if r == resourceID {
				return true
			}
		}
	}
	return false
}

// Diversity is the share of distinct tools among all tool uses in the
// window. An empty window counts as fully diverse.
func (w *Working) Diversity() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	total := 0
	distinct := make(map[string]struct{})
	for _, e := range w.entries {
		for _, t := range e.Tools {
			total++
			distinct[t] = struct{}{}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(len(distinct)) / float64(total)
}

// Len returns the number of entries held.
func (w *Working) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Capacity returns the fixed bound.
func (w *Working) Capacity() int { return w.capacity }

// Restore replaces the window with entries, keeping the newest when there
// are more than fit.
func (w *Working) Restore(entries []Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(entries) > w.capacity {
		entries = entries[len(entries)-w.capacity:]
	}
	w.entries = make([]Entry, 0, w.capacity)
	for _, e := range entries {
		w.entries = append(w.entries, e.clone())
	}
}
