package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/dream"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/events"
	"github.com/nidhogg/atlas/internal/memory"
	"github.com/nidhogg/atlas/internal/oracle"
	"github.com/nidhogg/atlas/internal/tools"
)

// scriptDecider replays decisions in order; past the script it answers with
// an empty decision.
type scriptDecider struct {
	decisions []*oracle.Decision
	errs      []error
	before    func(call int)
	calls     int
	seen      []oracle.Context
}

func (d *scriptDecider) Decide(_ context.Context, c oracle.Context) (*oracle.Decision, error) {
	i := d.calls
	d.calls++
	d.seen = append(d.seen, c)
	if d.before != nil {
		d.before(d.calls)
	}
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.decisions) {
		return d.decisions[i], nil
	}
	return &oracle.Decision{}, nil
}

// readTool reads pretend files and counts its calls.
type readTool struct {
	calls int
	fail  bool
}

func (t *readTool) Name() string { return "read_file" }
func (t *readTool) Description() string { return "read a file" }
func (t *readTool) Category() tools.Category { return tools.Explore }
func (t *readTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *readTool) Resource(args json.RawMessage) string {
	var a struct {
		Path string `json:"path"`
	}
	if json.Unmarshal(args, &a) != nil || a.Path == "" {
		return ""
	}
	return "file:" + a.Path
}

func (t *readTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	t.calls++
	if t.fail {
		return "", errors.New("disk on fire")
	}
	return "contents of " + t.Resource(args), nil
}

type dreamSynth struct {
	out    []dream.Candidate
	during func()
}

func (s *dreamSynth) Synthesize(ctx context.Context, _ []memory.Episode, _ dream.Depth) ([]dream.Candidate, error) {
	if s.during != nil {
		s.during()
		return nil, ctx.Err()
	}
	return s.out, nil
}

// stuckTool ignores its context and returns only once released.
type stuckTool struct{ release chan struct{} }

func (t *stuckTool) Name() string               { return "stuck" }
func (t *stuckTool) Description() string        { return "never answers in time" }
func (t *stuckTool) Category() tools.Category   { return tools.Create }
func (t *stuckTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *stuckTool) Execute(context.Context, json.RawMessage) (string, error) {
	<-t.release
	return "too late", nil
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

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// stillConfig removes decay and shaping from every drive so tests see the
// raw effects.
func stillConfig(fatigue float64) drive.Config {
	cfg := drive.DefaultConfig()
	cfg.TrendGain = 0
	cfg.Diminishing = false
	cfg.Emergency = false
	cfg.MaxDelta = 0
	for n, p := range cfg.Variables {
		p.Decay, p.MaxDecay = 0, 0
		p.Sensitivity, p.MaxSensitivity = 1, 1
		if n == drive.Fatigue {
			p.Value, p.Baseline = fatigue, 0
		}
		cfg.Variables[n] = p
	}
	return cfg
}

func quietEffects() Effects {
	return Effects{}
}

type fixture struct {
	sched    *Scheduler
	state    *AgentState
	decider  *scriptDecider
	read     *readTool
	episodic *memory.Episodic
	semantic *memory.Semantic
	dreams   *dream.Consolidator
	synth    *dreamSynth
	bus      *recorder
}

func newFixture(t *testing.T, fatigue float64, fx Effects, persister Persister) *fixture {
	t.Helper()
	drives, err := drive.NewState(stillConfig(fatigue))
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	f := &fixture{
		state:    NewAgentState(drives, memory.NewWorking(10)),
		decider:  &scriptDecider{},
		read:     &readTool{},
		episodic: memory.NewEpisodic(memory.NewMemoryLog(), nil, nil, zap.NewNop()),
		semantic: memory.NewSemantic(nil, zap.NewNop()),
		synth:    &dreamSynth{},
		bus:      &recorder{},
	}
	reg := tools.NewRegistry(zap.NewNop())
	reg.Register(f.read)
	f.dreams = dream.NewConsolidator(dream.DefaultConfig(), f.episodic, f.semantic, f.synth, nil, f.bus, zap.NewNop())

	cfg := DefaultConfig()
	cfg.Effects = fx
	f.sched, err = NewScheduler(cfg, Components{
		State:     f.state,
		Decider:   f.decider,
		Tools:     reg,
		Episodes:  f.episodic,
		Facts:     f.semantic,
		Dreams:    f.dreams,
		Bus:       f.bus,
		Persister: persister,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return f
}

func readAction(path string) tools.Action {
	return tools.Action{Tool: "read_file", Args: json.RawMessage(`{"path":"` + path + `"}`)}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func mustCycle(t *testing.T, s *Scheduler) *CycleReport {
	t.Helper()
	rep, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return rep
}

func TestNewScheduler_RequiresComponents(t *testing.T) {
	if _, err := NewScheduler(DefaultConfig(), Components{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing components")
	}
	cfg := DefaultConfig()
	cfg.MaxActions = 0
	if _, err := NewScheduler(cfg, Components{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for zero max actions")
	}
}

func TestRunCycle_FatigueTriggersDreamAndDrops(t *testing.T) {
	fx := quietEffects()
	fx.CycleFatigue = 0.15
	f := newFixture(t, 0.5, fx, nil)

	rep := mustCycle(t, f.sched)
	if !near(rep.Drives.Get(drive.Fatigue), 0.65) || rep.Dream != nil {
		t.Fatalf("cycle 1 fatigue=%v dream=%v, want 0.65 and no dream", rep.Drives.Get(drive.Fatigue), rep.Dream)
	}

	rep = mustCycle(t, f.sched)
	if !rep.Drives.SleepTriggered {
		t.Fatalf("cycle 2 fatigue=%v, want trigger at 0.80", rep.Drives.Get(drive.Fatigue))
	}
	if rep.Dream == nil || rep.Dream.Status != dream.StatusCompleted {
		t.Fatalf("cycle 2 dream = %+v, want completed run", rep.Dream)
	}
	// 0.8 discounted by 0.6 toward a zero baseline
	if got := f.state.Drives.Value(drive.Fatigue); !near(got, 0.32) {
		t.Fatalf("fatigue after dream = %v, want 0.32", got)
	}

	rep = mustCycle(t, f.sched)
	if !near(rep.Drives.Get(drive.Fatigue), 0.47) {
		t.Errorf("cycle 3 fatigue = %v, want 0.47", rep.Drives.Get(drive.Fatigue))
	}
	if rep.Drives.SleepTriggered {
		t.Error("cycle 3 triggered again without crossing")
	}

	life := f.state.Lifecycle()
	if life.Cycles != 3 || life.Dreams != 1 {
		t.Errorf("lifecycle = %+v, want 3 cycles and 1 dream", life)
	}
	if n := f.bus.count(events.DriveThreshold); n != 1 {
		t.Errorf("threshold events = %d, want 1", n)
	}
	if n := f.bus.count(events.DreamCompleted); n != 1 {
		t.Errorf("dream completed events = %d, want 1", n)
	}
	entries := f.state.Working.Entries()
	var dreamed bool
	for _, e := range entries {
		if e.Outcome == memory.OutcomeDream {
			dreamed = true
			if !strings.HasPrefix(e.Detail, "slept:") {
				t.Errorf("dream entry detail = %q", e.Detail)
			}
		}
	}
	if !dreamed {
		t.Error("no dream entry in working memory")
	}
}

func TestRunCycle_DreamLearnsFacts(t *testing.T) {
	fx := quietEffects()
	fx.CycleFatigue = 0.35
	f := newFixture(t, 0.5, fx, nil)
	f.decider.decisions = []*oracle.Decision{
		{Thoughts: "look around", Actions: []tools.Action{readAction("notes.md")}},
	}
	f.synth.out = []dream.Candidate{
		{Kind: memory.KindObservation, Statement: "notes.md holds the plan", Confidence: 0.6},
	}

	rep := mustCycle(t, f.sched)
	if rep.Dream == nil || len(rep.Dream.FactIDs) != 1 {
		t.Fatalf("dream = %+v, want one fact", rep.Dream)
	}
	if len(rep.Dream.EpisodeIDs) != 1 {
		t.Errorf("dream read %d episodes, want the promoted cycle", len(rep.Dream.EpisodeIDs))
	}
	if f.semantic.Len() != 1 {
		t.Errorf("semantic holds %d facts, want 1", f.semantic.Len())
	}
	if n := f.bus.count(events.FactLearned); n != 1 {
		t.Errorf("fact learned events = %d, want 1", n)
	}
}

func TestRunCycle_OracleFailureIsRecorded(t *testing.T) {
	fx := quietEffects()
	fx.FailureAnxiety = 0.06
	f := newFixture(t, 0.2, fx, nil)
	f.decider.errs = []error{agenterr.Transient("decide", errors.New("503 from upstream"))}
	anxiety := f.state.Drives.Value(drive.Anxiety)

	rep, err := f.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Outcome != memory.OutcomeFailure || rep.Error == "" {
		t.Fatalf("report = %+v, want failure with error", rep)
	}
	if got := f.state.Drives.Value(drive.Anxiety); !near(got, anxiety+0.06) {
		t.Errorf("anxiety = %v, want %v", got, anxiety+0.06)
	}
	last := f.state.Working.Recent(1)
	if len(last) != 1 || last[0].Action != "oracle" || last[0].Outcome != memory.OutcomeFailure {
		t.Errorf("working entry = %+v", last)
	}
	if n, _ := f.episodic.Count(context.Background()); n != 1 {
		t.Errorf("episodes = %d, want the failure promoted", n)
	}
	if life := f.state.Lifecycle(); life.Failures != 1 || life.Cycles != 1 {
		t.Errorf("lifecycle = %+v", life)
	}

	rep = mustCycle(t, f.sched)
	if rep.Outcome != memory.OutcomeSuccess {
		t.Errorf("cycle 2 outcome = %s, want success", rep.Outcome)
	}
}

func TestRunCycle_RepeatedReadSkipped(t *testing.T) {
	fx := quietEffects()
	fx.RepeatPenalty = 0.1
	f := newFixture(t, 0.2, fx, nil)
	f.decider.decisions = []*oracle.Decision{
		{Actions: []tools.Action{readAction("a.txt"), readAction("a.txt")}},
		{Actions: []tools.Action{readAction("a.txt")}},
	}
	curiosity := f.state.Drives.Value(drive.Curiosity)

	rep := mustCycle(t, f.sched)
	if len(rep.Actions) != 2 || !rep.Actions[0].Success || !rep.Actions[1].Skipped {
		t.Fatalf("cycle 1 actions = %+v, want success then skip", rep.Actions)
	}
	if rep.Outcome != memory.OutcomeSuccess {
		t.Errorf("cycle 1 outcome = %s", rep.Outcome)
	}

	rep = mustCycle(t, f.sched)
	if len(rep.Actions) != 1 || !rep.Actions[0].Skipped {
		t.Fatalf("cycle 2 actions = %+v, want skip", rep.Actions)
	}
	if rep.Outcome != memory.OutcomeSkipped {
		t.Errorf("cycle 2 outcome = %s, want skipped", rep.Outcome)
	}
	if f.read.calls != 1 {
		t.Errorf("read executed %d times, want 1", f.read.calls)
	}
	if got := f.state.Drives.Value(drive.Curiosity); !near(got, curiosity-0.2) {
		t.Errorf("curiosity = %v, want two repeat penalties below %v", got, curiosity)
	}
}

func TestRunCycle_FailedReadIsRetried(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	f.read.fail = true
	f.decider.decisions = []*oracle.Decision{
		{Actions: []tools.Action{readAction("a.txt")}},
		{Actions: []tools.Action{readAction("a.txt")}},
	}

	rep := mustCycle(t, f.sched)
	if rep.Outcome != memory.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", rep.Outcome)
	}
	rep = mustCycle(t, f.sched)
	if rep.Actions[0].Skipped {
		t.Error("a failed read must not count as seen")
	}
	if f.read.calls != 2 {
		t.Errorf("read executed %d times, want 2", f.read.calls)
	}
}

func TestRunCycle_ActionLimit(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	f.decider.decisions = []*oracle.Decision{{Actions: []tools.Action{
		readAction("1"), readAction("2"), readAction("3"), readAction("4"),
	}}}
	rep := mustCycle(t, f.sched)
	if len(rep.Actions) != 3 || f.read.calls != 3 {
		t.Errorf("dispatched %d actions, %d calls; want 3", len(rep.Actions), f.read.calls)
	}
}

func TestRunCycle_CancelledCommitsNothing(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.decider.decisions = []*oracle.Decision{{Actions: []tools.Action{readAction("a.txt")}}}
	f.decider.before = func(int) { cancel() }
	before := f.state.Drives.Snapshot()

	rep, err := f.sched.RunCycle(ctx)
	if !errors.Is(err, context.Canceled) || rep != nil {
		t.Fatalf("RunCycle = %v, %v; want context.Canceled", rep, err)
	}
	if f.state.Working.Len() != 0 {
		t.Errorf("working len = %d, want 0", f.state.Working.Len())
	}
	if life := f.state.Lifecycle(); life.Cycles != 0 {
		t.Errorf("cycles = %d, want 0", life.Cycles)
	}
	if f.read.calls != 0 {
		t.Errorf("tool ran %d times after cancellation", f.read.calls)
	}
	if n, _ := f.episodic.Count(context.Background()); n != 0 {
		t.Errorf("episodes = %d, want 0", n)
	}
	after := f.state.Drives.Snapshot()
	for _, n := range drive.Names {
		if before.Get(n) != after.Get(n) {
			t.Errorf("drive %s moved from %v to %v", n, before.Get(n), after.Get(n))
		}
	}

	if _, err := f.sched.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RunCycle on a done ctx = %v", err)
	}
}

func TestRunCycle_PanicBecomesCrashEpisode(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	f.decider.before = func(call int) {
		if call == 1 {
			panic("oracle exploded")
		}
	}

	rep, err := f.sched.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("err = %v, want panic error", err)
	}
	if rep == nil || rep.Outcome != memory.OutcomeFailure {
		t.Fatalf("report = %+v", rep)
	}
	if !f.state.View().Crashed {
		t.Error("crashed flag not set")
	}
	if f.state.Working.Len() != 1 {
		t.Fatalf("working len = %d, want the crash entry", f.state.Working.Len())
	}
	if e := f.state.Working.Recent(1)[0]; e.Outcome != memory.OutcomeFailure || e.Action != "crash" || e.Cycle != 1 {
		t.Errorf("crash entry = %+v", e)
	}
	eps, _ := f.episodic.Recent(context.Background(), 1)
	if len(eps) != 1 || eps[0].Importance != crashWeight || eps[0].Tags[0] != "crash" {
		t.Fatalf("crash episode = %+v", eps)
	}
	if n := f.bus.count(events.CycleFailed); n != 1 {
		t.Errorf("cycle failed events = %d", n)
	}

	mustCycle(t, f.sched)
	if !f.decider.seen[1].Crashed {
		t.Error("next cycle was not told about the crash")
	}
	if f.state.View().Crashed {
		t.Error("crashed flag survived a clean cycle")
	}
	if life := f.state.Lifecycle(); life.Cycles != 2 || life.Failures != 1 {
		t.Errorf("lifecycle = %+v", life)
	}
}

// brokenRecall serves everything from an Episodic but fails retrieval with
// an invariant violation.
type brokenRecall struct{ *memory.Episodic }

func (brokenRecall) Retrieve(context.Context, memory.Query, int, float64) ([]memory.Scored, error) {
	return nil, agenterr.Invariant("index returned NaN")
}

func TestRunCycle_InvariantAbortsCycle(t *testing.T) {
	fx := quietEffects()
	fx.CycleFatigue = 0.1
	f := newFixture(t, 0.2, fx, nil)
	f.sched.episodes = brokenRecall{f.episodic}
	f.state.Working.Append(memory.Entry{Cycle: 0, Action: "read_file", Outcome: memory.OutcomeSuccess})

	rep, err := f.sched.RunCycle(context.Background())
	if !errors.Is(err, agenterr.ErrInvariant) {
		t.Fatalf("err = %v, want invariant", err)
	}
	if rep.Outcome != memory.OutcomeFailure {
		t.Errorf("outcome = %s", rep.Outcome)
	}
	if f.decider.calls != 0 {
		t.Error("oracle consulted after an invariant failure")
	}
	if got := f.state.Drives.Value(drive.Fatigue); !near(got, 0.2) {
		t.Errorf("fatigue = %v, want untouched 0.2", got)
	}
	if f.state.Working.Len() != 2 {
		t.Errorf("working len = %d, want the failure appended", f.state.Working.Len())
	}
	if n := f.bus.count(events.CycleFailed); n != 1 {
		t.Errorf("cycle failed events = %d", n)
	}
}

func TestRunCycle_RememberNotes(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	f.decider.decisions = []*oracle.Decision{{
		Thoughts: "worth keeping",
		Remember: []oracle.Note{
			{Event: "found the config loader", Importance: 42},
			{Event: "user likes short answers", Outcome: "noted", Importance: 8},
		},
	}}

	rep := mustCycle(t, f.sched)
	if len(rep.Episodes) != 2 {
		t.Fatalf("episodes = %v, want two notes", rep.Episodes)
	}
	eps, _ := f.episodic.Recent(context.Background(), 2)
	if eps[1].Importance != 5 || eps[0].Importance != 8 {
		t.Errorf("importances = %d, %d; want 5 (clamped default) and 8", eps[1].Importance, eps[0].Importance)
	}
	if eps[0].Tags[0] != "remember" {
		t.Errorf("tags = %v", eps[0].Tags)
	}
}

func TestRunCycle_RestOutcome(t *testing.T) {
	fx := quietEffects()
	fx.RestRelief = 0.05
	f := newFixture(t, 0.2, fx, nil)
	f.decider.decisions = []*oracle.Decision{{Rest: true, Thoughts: "quiet"}}
	anxiety := f.state.Drives.Value(drive.Anxiety)

	rep := mustCycle(t, f.sched)
	if rep.Outcome != memory.OutcomeRest {
		t.Errorf("outcome = %s, want rest", rep.Outcome)
	}
	if got := f.state.Drives.Value(drive.Anxiety); !near(got, anxiety-0.05) {
		t.Errorf("anxiety = %v, want %v", got, anxiety-0.05)
	}
}

func TestOutcomeOf(t *testing.T) {
	ok := ActionReport{Success: true}
	bad := ActionReport{}
	skip := ActionReport{Skipped: true}
	tests := []struct {
		name    string
		err     error
		actions []ActionReport
		rest    bool
		want    memory.Outcome
	}{
		{"oracle error", errors.New("x"), nil, false, memory.OutcomeFailure},
		{"all failed", nil, []ActionReport{bad, skip}, false, memory.OutcomeFailure},
		{"one succeeded", nil, []ActionReport{bad, ok}, false, memory.OutcomeSuccess},
		{"all skipped", nil, []ActionReport{skip}, false, memory.OutcomeSkipped},
		{"rest", nil, nil, true, memory.OutcomeRest},
		{"think", nil, nil, false, memory.OutcomeSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeOf(tt.err, tt.actions, tt.rest); got != tt.want {
				t.Errorf("outcomeOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSnapshot_SaveAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	fx := quietEffects()
	fx.CycleFatigue = 0.05
	f := newFixture(t, 0.2, fx, NewFilePersister(path))
	f.decider.decisions = []*oracle.Decision{
		{Thoughts: "first", Mood: "curious", Actions: []tools.Action{readAction("a.txt")}},
		{Thoughts: "second", Mood: "calm"},
	}
	mustCycle(t, f.sched)
	mustCycle(t, f.sched)
	if n := f.bus.count(events.SnapshotSaved); n != 2 {
		t.Fatalf("snapshot events = %d, want one per cycle", n)
	}
	lastID, lastAt := f.episodic.Last()

	g := newFixture(t, 0.9, quietEffects(), NewFilePersister(path))
	ok, err := g.sched.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	view := g.state.View()
	if view.Lifecycle.Cycles != 2 || view.Mood != "calm" || view.Thoughts != "second" {
		t.Errorf("restored view = %+v", view)
	}
	if !near(g.state.Drives.Value(drive.Fatigue), f.state.Drives.Value(drive.Fatigue)) {
		t.Errorf("fatigue = %v, want %v", g.state.Drives.Value(drive.Fatigue), f.state.Drives.Value(drive.Fatigue))
	}
	if g.state.Working.Len() != 2 {
		t.Errorf("working len = %d, want 2", g.state.Working.Len())
	}
	if id, at := g.episodic.Last(); id != lastID || !at.Equal(lastAt) {
		t.Errorf("episode pointer = %s@%v, want %s@%v", id, at, lastID, lastAt)
	}

	rep := mustCycle(t, g.sched)
	if rep.Cycle != 3 {
		t.Errorf("next cycle = %d, want 3", rep.Cycle)
	}
}

func TestSnapshot_LoadWithoutFile(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), NewFilePersister(filepath.Join(t.TempDir(), "none.json")))
	ok, err := f.sched.Load(context.Background())
	if err != nil || ok {
		t.Fatalf("Load = %v, %v; want false, nil", ok, err)
	}
}

func TestRestore_RejectsNewerVersion(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	err := f.sched.Restore(&Snapshot{Version: SnapshotVersion + 1})
	if !errors.Is(err, agenterr.ErrInvariant) {
		t.Fatalf("err = %v, want invariant", err)
	}
	if f.state.Lifecycle().Cycles != 0 {
		t.Error("rejected snapshot changed state")
	}
}

func TestEffects_TiredRewardsShrink(t *testing.T) {
	fx := DefaultEffects()
	fresh := fx.action(tools.Explore, true, false, 0.2)
	tired := fx.action(tools.Explore, true, false, 0.9)
	if fresh[0].Name != drive.Curiosity || tired[0].Amount >= fresh[0].Amount {
		t.Errorf("fresh %+v tired %+v, want smaller reward when tired", fresh[0], tired[0])
	}
	for _, d := range fx.action(tools.Explore, false, true, 0.2) {
		if d.Name == drive.Anxiety {
			t.Error("a skipped repeat must not raise anxiety")
		}
	}
}

func TestCycleTimestampsAdvance(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	base := time.Unix(1_700_000_000, 0)
	n := 0
	f.sched.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	rep := mustCycle(t, f.sched)
	if !rep.FinishedAt.After(rep.StartedAt) {
		t.Errorf("finished %v not after started %v", rep.FinishedAt, rep.StartedAt)
	}
	if got := f.state.Lifecycle().LastCycleAt; !got.Equal(rep.StartedAt) {
		t.Errorf("last cycle at %v, want %v", got, rep.StartedAt)
	}
}

func TestRunCycle_CancelledDreamReturnsContextError(t *testing.T) {
	fx := quietEffects()
	fx.CycleFatigue = 0.35
	f := newFixture(t, 0.5, fx, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.decider.decisions = []*oracle.Decision{
		{Thoughts: "look around", Actions: []tools.Action{readAction("notes.md")}},
	}
	f.synth.out = []dream.Candidate{{Kind: memory.KindObservation, Statement: "never kept", Confidence: 0.6}}
	f.synth.during = cancel
	anxiety := f.state.Drives.Value(drive.Anxiety)

	rep, err := f.sched.RunCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rep == nil || rep.DreamError == "" {
		t.Fatalf("report = %+v, want the interrupted dream noted", rep)
	}
	if f.semantic.Len() != 0 {
		t.Errorf("semantic holds %d facts after a cancelled dream", f.semantic.Len())
	}
	if got := f.state.Drives.Value(drive.Fatigue); !near(got, 0.85) {
		t.Errorf("fatigue = %v, want undiscounted 0.85", got)
	}
	if got := f.state.Drives.Value(drive.Anxiety); !near(got, anxiety) {
		t.Errorf("anxiety = %v, want no dream penalty from %v", got, anxiety)
	}
	if life := f.state.Lifecycle(); life.Dreams != 0 {
		t.Errorf("dreams = %d, want 0", life.Dreams)
	}
	if n := f.bus.count(events.CycleCompleted); n != 0 {
		t.Errorf("cycle completed events = %d, want 0", n)
	}
	for _, e := range f.state.Working.Entries() {
		if e.Outcome == memory.OutcomeDream {
			t.Errorf("dream entry recorded for a cancelled run: %+v", e)
		}
	}
}

func TestRunCycle_ToolIgnoringContextTimesOut(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	f.sched.cfg.ToolTimeout = 50 * time.Millisecond
	stuck := &stuckTool{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	f.sched.tools.(*tools.Registry).Register(stuck)
	f.decider.decisions = []*oracle.Decision{{Actions: []tools.Action{{Tool: "stuck"}}}}

	start := time.Now()
	rep := mustCycle(t, f.sched)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cycle took %v, want it bounded by the tool timeout", elapsed)
	}
	if len(rep.Actions) != 1 || rep.Actions[0].Success {
		t.Fatalf("actions = %+v, want one failed action", rep.Actions)
	}
	if !strings.Contains(rep.Actions[0].Error, "timed out") {
		t.Errorf("action error = %q", rep.Actions[0].Error)
	}
	if rep.Outcome != memory.OutcomeFailure {
		t.Errorf("outcome = %s, want failure", rep.Outcome)
	}
}

func TestRunCycle_DeciderIgnoringContextTimesOut(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	f.sched.cfg.OracleTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.decider.before = func(call int) {
		if call == 1 {
			<-release
		}
	}

	start := time.Now()
	rep := mustCycle(t, f.sched)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cycle took %v, want it bounded by the oracle timeout", elapsed)
	}
	if rep.Outcome != memory.OutcomeFailure || !strings.Contains(rep.Error, "deadline") {
		t.Fatalf("report = %+v, want a timed-out oracle failure", rep)
	}
	if last := f.state.Working.Recent(1); len(last) != 1 || last[0].Action != "oracle" {
		t.Errorf("working entry = %+v", last)
	}
}

func TestRunCycle_RejectedTickRecordsFailureEntry(t *testing.T) {
	f := newFixture(t, 0.2, quietEffects(), nil)
	f.sched.cfg.Effects.CycleFatigue = math.NaN()
	f.decider.decisions = []*oracle.Decision{{Actions: []tools.Action{readAction("a.txt")}}}

	rep, err := f.sched.RunCycle(context.Background())
	if !errors.Is(err, agenterr.ErrInvariant) {
		t.Fatalf("err = %v, want invariant", err)
	}
	if rep.Outcome != memory.OutcomeFailure {
		t.Errorf("outcome = %s, want failure", rep.Outcome)
	}
	last := f.state.Working.Recent(1)
	if len(last) != 1 || last[0].Outcome != memory.OutcomeFailure || last[0].Action != "read_file" {
		t.Fatalf("working entry = %+v, want a failed read_file entry", last)
	}
	if !strings.Contains(last[0].Detail, "invariant") {
		t.Errorf("detail = %q, want the tick error", last[0].Detail)
	}
	if got := f.state.Drives.Value(drive.Fatigue); !near(got, 0.2) {
		t.Errorf("fatigue = %v, want untouched 0.2", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"fits", "hello", 10, "hello"},
		{"ascii", "hello world", 5, "hello..."},
		{"inside two-byte rune", "xéé", 2, "x..."},
		{"inside three-byte rune", "ab日本", 4, "ab..."},
		{"on boundary", "ab日本", 5, "ab日..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}

	long := truncate("x"+strings.Repeat("é", 200), maxDetail)
	if !utf8.ValidString(long) {
		t.Errorf("long truncation is not valid UTF-8: %q", long)
	}
}
