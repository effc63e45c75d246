package memory

import (
	"fmt"
	"testing"

	"github.com/nidhogg/atlas/internal/drive"
)

func entry(cycle int64, outcome Outcome, resources ...string) Entry {
	return Entry{
		Cycle:     cycle,
		Action:    fmt.Sprintf("action-%d", cycle),
		Tools:     []string{"read_file"},
		Resources: resources,
		Outcome:   outcome,
	}
}

func TestWorking_EvictsOldestFirst(t *testing.T) {
	w := NewWorking(3)
	for i := int64(1); i <= 4; i++ {
		w.Append(entry(i, OutcomeSuccess))
	}
	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3", w.Len())
	}
	got := w.Entries()
	for i, want := range []int64{2, 3, 4} {
		if got[i].Cycle != want {
			t.Errorf("entry %d cycle = %d, want %d", i, got[i].Cycle, want)
		}
	}
}

func TestWorking_NeverExceedsCapacity(t *testing.T) {
	w := NewWorking(5)
	for i := int64(0); i < 50; i++ {
		w.Append(entry(i, OutcomeSuccess))
		if w.Len() > 5 {
			t.Fatalf("Len = %d after %d appends", w.Len(), i+1)
		}
	}
}

func TestWorking_Recent(t *testing.T) {
	w := NewWorking(5)
	for i := int64(1); i <= 4; i++ {
		w.Append(entry(i, OutcomeSuccess))
	}
	tests := []struct {
		k    int
		want []int64
	}{
		{0, nil},
		{2, []int64{3, 4}},
		{10, []int64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		got := w.Recent(tt.k)
		if len(got) != len(tt.want) {
			t.Fatalf("Recent(%d) len = %d, want %d", tt.k, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].Cycle != tt.want[i] {
				t.Errorf("Recent(%d)[%d] = %d, want %d", tt.k, i, got[i].Cycle, tt.want[i])
			}
		}
	}
}

func TestWorking_EntriesAreImmutable(t *testing.T) {
	w := NewWorking(2)
	e := entry(1, OutcomeSuccess, "notes.md")
	e.Drives = map[drive.Name]float64{drive.Fatigue: 0.3}
	w.Append(e)

	e.Resources[0] = "mutated"
	e.Drives[drive.Fatigue] = 0.9
	got := w.Recent(1)[0]
	got.Resources[0] = "also mutated"

	again := w.Recent(1)[0]
	if again.Resources[0] != "notes.md" {
		t.Errorf("resource = %q, want notes.md", again.Resources[0])
	}
	if again.Drives[drive.Fatigue] != 0.3 {
		t.Errorf("fatigue = %v, want 0.3", again.Drives[drive.Fatigue])
	}
}

func TestWorking_ContainsReference(t *testing.T) {
	w := NewWorking(2)
	w.Append(entry(1, OutcomeSuccess, "a.txt"))
	w.Append(entry(2, OutcomeFailure, "b.txt"))

	if !w.ContainsReference("a.txt") {
		t.Error("expected a.txt to be referenced")
	}
	if w.ContainsReference("b.txt") {
		t.Error("a failed read should not count as a reference")
	}

	w.Append(entry(3, OutcomeSuccess))
	w.Append(entry(4, OutcomeSuccess))
	if w.ContainsReference("a.txt") {
		t.Error("evicted entries should not be referenced")
	}
}

func TestWorking_Diversity(t *testing.T) {
	w := NewWorking(4)
	if d := w.Diversity(); d != 1 {
		t.Errorf("empty diversity = %v, want 1", d)
	}
	for i := int64(0); i < 4; i++ {
		w.Append(entry(i, OutcomeSuccess))
	}
	if d := w.Diversity(); d != 0.25 {
		t.Errorf("diversity = %v, want 0.25", d)
	}

	// counted over tool uses, not entries; tool-less entries don't count
	w = NewWorking(4)
	w.Append(entry(1, OutcomeSuccess))
	w.Append(Entry{Cycle: 2, Action: "write", Tools: []string{"list_dir", "write_file"}, Outcome: OutcomeSuccess})
	w.Append(Entry{Cycle: 3, Action: "rest", Outcome: OutcomeRest})
	w.Append(entry(4, OutcomeSuccess))
	if d := w.Diversity(); d != 0.75 {
		t.Errorf("mixed diversity = %v, want 3 tools over 4 uses", d)
	}
}

func TestWorking_RestoreKeepsNewest(t *testing.T) {
	w := NewWorking(2)
	w.Restore([]Entry{entry(1, OutcomeSuccess), entry(2, OutcomeSuccess), entry(3, OutcomeRest)})
	got := w.Entries()
	if len(got) != 2 || got[0].Cycle != 2 || got[1].Cycle != 3 {
		t.Fatalf("restored = %+v, want cycles 2,3", got)
	}
}
