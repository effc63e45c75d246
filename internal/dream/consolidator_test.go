package dream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/events"
	"github.com/nidhogg/atlas/internal/memory"
)

type call struct {
	op     string
	name   drive.Name
	amount float64
}

type fakeRegulator struct{ calls []call }

func (r *fakeRegulator) Discount(n drive.Name, f float64) error {
	r.calls = append(r.calls, call{"discount", n, f})
	return nil
}

func (r *fakeRegulator) Bump(n drive.Name, a float64) error {
	r.calls = append(r.calls, call{"bump", n, a})
	return nil
}

type fakeSynth struct {
	out     []Candidate
	err     error
	calls   int
	seen    []memory.Episode
	depths  []Depth
}

func (s *fakeSynth) Synthesize(_ context.Context, eps []memory.Episode, d Depth) ([]Candidate, error) {
	s.calls++
	s.seen = eps
	s.depths = append(s.depths, d)
	return s.out, s.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type failingSink struct{}

func (failingSink) PersistFacts(context.Context, string, []memory.Fact) error {
	return errors.New("neo4j unavailable")
}
func (failingSink) LoadFacts(context.Context) ([]memory.Fact, error) { return nil, nil }

type fixture struct {
	episodic *memory.Episodic
	semantic *memory.Semantic
	synth    *fakeSynth
	ledger   *MemoryLedger
	bus      *recorder
	c        *Consolidator
	ids      []string
}

func newFixture(t *testing.T, episodes int, sink memory.FactSink) *fixture {
	t.Helper()
	f := &fixture{
		episodic: memory.NewEpisodic(memory.NewMemoryLog(), nil, nil, zap.NewNop()),
		semantic: memory.NewSemantic(sink, zap.NewNop()),
		synth:    &fakeSynth{},
		ledger:   NewMemoryLedger(),
		bus:      &recorder{},
	}
	for i := 0; i < episodes; i++ {
		id, err := f.episodic.Record(context.Background(), memory.Episode{
			Cycle: int64(i + 1), Event: fmt.Sprintf("read notes part %d", i), Importance: 6,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		f.ids = append(f.ids, id)
	}
	cfg := DefaultConfig()
	cfg.BatchSize, cfg.LightBatchSize = 4, 2
	f.c = NewConsolidator(cfg, f.episodic, f.semantic, f.synth, f.ledger, f.bus, zap.NewNop())
	return f
}

var trigger = Trigger{Name: drive.Fatigue, Value: 0.82, Cycle: 7}

func TestRun_CommitsFactsAndDiscounts(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.synth.out = []Candidate{
		{Kind: memory.KindRule, Statement: "Reading notes before writing avoids rework", Confidence: 0.8},
		{Kind: memory.KindQuestion, Statement: "Why do the notes repeat themselves?", EpisodeIDs: []string{f.ids[2], "not-in-batch"}},
	}
	reg := &fakeRegulator{}

	run, err := f.c.Run(context.Background(), trigger, reg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusCompleted || len(run.FactIDs) != 2 {
		t.Fatalf("run = %+v", run)
	}
	if len(run.EpisodeIDs) != 2 || run.Depth != Light {
		t.Errorf("light run read %d episodes at depth %s", len(run.EpisodeIDs), run.Depth)
	}
	if run.EpisodeIDs[0] != f.ids[2] {
		t.Errorf("run should start from the newest episode")
	}
	if f.semantic.Len() != 2 {
		t.Errorf("semantic holds %d facts", f.semantic.Len())
	}

	q, _ := f.semantic.Get(run.FactIDs[1])
	if q.Kind != memory.KindQuestion || q.Confidence != 0.5 {
		t.Errorf("question fact = %+v", q)
	}
	if len(q.Provenance.EpisodeIDs) != 1 || q.Provenance.EpisodeIDs[0] != f.ids[2] {
		t.Errorf("provenance not narrowed to batch: %v", q.Provenance.EpisodeIDs)
	}
	if len(q.Provenance.RunIDs) != 1 || q.Provenance.RunIDs[0] != run.ID {
		t.Errorf("run id missing from provenance: %v", q.Provenance.RunIDs)
	}

	want := []call{
		{"discount", drive.Fatigue, 0.6},
		{"bump", drive.Satisfaction, 0.1},
	}
	if fmt.Sprint(reg.calls) != fmt.Sprint(want) {
		t.Errorf("regulator calls = %v, want %v", reg.calls, want)
	}
	if got := fmt.Sprint(f.bus.kinds()); got != fmt.Sprint([]events.Kind{events.DreamStarted, events.DreamCompleted}) {
		t.Errorf("events = %s", got)
	}
	runs, _ := f.c.Runs(context.Background(), 0)
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("ledger = %+v", runs)
	}
	if f.c.Phase() != Idle || f.c.Total() != 1 {
		t.Errorf("phase %s total %d", f.c.Phase(), f.c.Total())
	}
}

func TestRun_OracleFailureOnlyRaisesAnxiety(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.synth.err = errors.New("oracle timeout")
	reg := &fakeRegulator{}

	run, err := f.c.Run(context.Background(), trigger, reg)
	if !errors.Is(err, agenterr.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if run == nil || run.Status != StatusFailed || len(run.FactIDs) != 0 {
		t.Fatalf("run = %+v", run)
	}
	if f.semantic.Len() != 0 {
		t.Errorf("failed run left %d facts", f.semantic.Len())
	}
	want := []call{{"bump", drive.Anxiety, 0.05}}
	if fmt.Sprint(reg.calls) != fmt.Sprint(want) {
		t.Errorf("regulator calls = %v, want %v", reg.calls, want)
	}
	if got := f.bus.kinds(); len(got) != 2 || got[1] != events.DreamFailed {
		t.Errorf("events = %v", got)
	}
	runs, _ := f.ledger.Runs(context.Background(), 1)
	if len(runs) != 1 || runs[0].Status != StatusFailed {
		t.Errorf("failed run not recorded: %+v", runs)
	}
	if f.c.Phase() != Idle {
		t.Errorf("phase after failure = %s", f.c.Phase())
	}
}

func TestRun_StoreFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, 2, failingSink{})
	f.synth.out = []Candidate{
		{Statement: "Notes are split into parts", Confidence: 0.7},
		{Statement: "Parts are numbered", Confidence: 0.7},
	}
	reg := &fakeRegulator{}

	_, err := f.c.Run(context.Background(), trigger, reg)
	if !errors.Is(err, agenterr.ErrStoreWrite) {
		t.Fatalf("err = %v, want store write", err)
	}
	if f.semantic.Len() != 0 {
		t.Errorf("partial commit: %d facts", f.semantic.Len())
	}
	if len(reg.calls) != 1 || reg.calls[0].name != drive.Anxiety {
		t.Errorf("regulator calls = %v", reg.calls)
	}
}

func TestRun_RetryIsIdempotent(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.synth.out = []Candidate{{Kind: memory.KindRule, Statement: "Short notes are easier to reread", Confidence: 0.6}}

	first, err := f.c.Run(context.Background(), trigger, &fakeRegulator{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := f.semantic.Get(first.FactIDs[0])

	second, err := f.c.Run(context.Background(), trigger, &fakeRegulator{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.semantic.Len() != 1 {
		t.Fatalf("retry duplicated facts: %d", f.semantic.Len())
	}
	if second.FactIDs[0] != first.FactIDs[0] {
		t.Errorf("fact id changed: %s -> %s", first.FactIDs[0], second.FactIDs[0])
	}
	after, _ := f.semantic.Get(first.FactIDs[0])
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Error("updated timestamp not bumped")
	}
	if len(after.Trail) != 0 {
		t.Errorf("unchanged statement grew a trail: %+v", after.Trail)
	}
}

func TestRun_EmptyHistoryStillRests(t *testing.T) {
	f := newFixture(t, 0, nil)
	reg := &fakeRegulator{}

	run, err := f.c.Run(context.Background(), trigger, reg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusCompleted || len(run.FactIDs) != 0 {
		t.Errorf("run = %+v", run)
	}
	if f.synth.calls != 0 {
		t.Error("synthesizer called with no episodes")
	}
	if len(reg.calls) != 1 || reg.calls[0] != (call{"discount", drive.Fatigue, 0.6}) {
		t.Errorf("regulator calls = %v", reg.calls)
	}
}

func TestRun_DeepTriggerReadsFullBatch(t *testing.T) {
	f := newFixture(t, 6, nil)
	run, err := f.c.Run(context.Background(), Trigger{Name: drive.Fatigue, Value: 0.97, Cycle: 3}, &fakeRegulator{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Depth != Deep || len(run.EpisodeIDs) != 4 {
		t.Errorf("deep run read %d episodes at depth %s", len(run.EpisodeIDs), run.Depth)
	}
	if len(f.synth.depths) != 1 || f.synth.depths[0] != Deep {
		t.Errorf("synth depths = %v", f.synth.depths)
	}
}

func TestRun_CancelledCycleRecordsNothing(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.synth.out = []Candidate{{Statement: "Never seen", Confidence: 0.9}}
	ctx, cancel := context.WithCancel(context.Background())
	f.synth.err = nil
	cancel()
	reg := &fakeRegulator{}

	_, err := f.c.Run(ctx, trigger, reg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if f.semantic.Len() != 0 || len(reg.calls) != 0 {
		t.Errorf("cancelled run committed: facts=%d calls=%v", f.semantic.Len(), reg.calls)
	}
	if runs, _ := f.ledger.Runs(context.Background(), 0); len(runs) != 0 {
		t.Errorf("cancelled run recorded: %+v", runs)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.AnxietyPenalty = 1.5
	if bad.Validate() == nil {
		t.Error("penalty above 1 accepted")
	}
}
