// Package heartbeat drives the agent: one think-act-reflect cycle per
// tick, folding results into memory and drives and dreaming when tired.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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

const (
	maxDetail    = 300
	maxOutput    = 500
	maxQuestions = 3
	crashWeight  = 9
)

// Dispatcher executes actions. *tools.Registry implements it.
type Dispatcher interface {
	Execute(ctx context.Context, a tools.Action) tools.Result
	Resource(a tools.Action) string
	Category(name string) tools.Category
}

// EpisodeStore is the slice of episodic memory the scheduler uses.
type EpisodeStore interface {
	Record(ctx context.Context, ep memory.Episode) (string, error)
	Retrieve(ctx context.Context, q memory.Query, k int, minRelevance float64) ([]memory.Scored, error)
	Count(ctx context.Context) (int, error)
	Last() (string, time.Time)
	Resume(lastID string, at time.Time)
}

// FactStore is the slice of semantic memory the scheduler uses.
type FactStore interface {
	Query(ctx context.Context, keys ...string) []memory.Fact
	Questions() []memory.Fact
	All() []memory.Fact
	IDs() []string
	Restore(facts []memory.Fact)
}

// Dreamer runs consolidation. *dream.Consolidator implements it.
type Dreamer interface {
	Run(ctx context.Context, t dream.Trigger, reg dream.Regulator) (*dream.Run, error)
	SetTotal(n int64)
}

// Publisher is the slice of the event bus the scheduler needs.
type Publisher interface {
	Publish(events.Event)
}

// Config tunes the cycle.
type Config struct {
	Interval          time.Duration `json:"-"`
	MaxActions        int           `json:"max_actions"`
	OracleTimeout     time.Duration `json:"-"`
	ToolTimeout       time.Duration `json:"-"`
	SnapshotEvery     int           `json:"snapshot_every"`
	WorkingWindow     int           `json:"working_window"`
	RecallK           int           `json:"recall_k"`
	MinRelevance      float64       `json:"min_relevance"`
	PromoteImportance int           `json:"promote_importance"`
	FactLimit         int           `json:"fact_limit"`
	Effects           Effects       `json:"effects"`
}

// DefaultConfig returns the stock cycle settings.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Minute,
		MaxActions:        3,
		OracleTimeout:     90 * time.Second,
		ToolTimeout:       30 * time.Second,
		SnapshotEvery:     1,
		WorkingWindow:     5,
		RecallK:           3,
		MinRelevance:      0.2,
		PromoteImportance: 5,
		FactLimit:         5,
		Effects:           DefaultEffects(),
	}
}

// Validate rejects settings the cycle cannot run with.
func (c Config) Validate() error {
	if c.MaxActions < 1 {
		return fmt.Errorf("heartbeat max_actions %d < 1", c.MaxActions)
	}
	if c.OracleTimeout <= 0 || c.ToolTimeout <= 0 {
		return fmt.Errorf("heartbeat timeouts must be positive")
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("heartbeat min_relevance %v outside [0,1]", c.MinRelevance)
	}
	return c.Effects.Validate()
}

// Components are the scheduler's collaborators. Bus and Persister may be
// nil.
type Components struct {
	State     *AgentState
	Decider   oracle.Decider
	Tools     Dispatcher
	Episodes  EpisodeStore
	Facts     FactStore
	Dreams    Dreamer
	Bus       Publisher
	Persister Persister
}

// ActionReport is the fate of one dispatched action.
type ActionReport struct {
	Tool     string         `json:"tool"`
	Category tools.Category `json:"category,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Success  bool           `json:"success"`
	Skipped  bool           `json:"skipped,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// CycleReport describes a finished cycle.
type CycleReport struct {
	Cycle      int64          `json:"cycle"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Mode       drive.Mode     `json:"mode"`
	Outcome    memory.Outcome `json:"outcome"`
	Thoughts   string         `json:"thoughts,omitempty"`
	Mood       string         `json:"mood,omitempty"`
	Actions    []ActionReport `json:"actions,omitempty"`
	Episodes   []string       `json:"episodes,omitempty"`
	Drives     drive.Snapshot `json:"drives"`
	Dream      *dream.Run     `json:"dream,omitempty"`
	DreamError string         `json:"dream_error,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Scheduler runs heartbeat cycles, one at a time.
type Scheduler struct {
	cfg       Config
	state     *AgentState
	decider   oracle.Decider
	tools     Dispatcher
	episodes  EpisodeStore
	facts     FactStore
	dreams    Dreamer
	bus       Publisher
	persister Persister
	now       func() time.Time

	mu     sync.Mutex
	logger *zap.Logger
}

// NewScheduler wires a scheduler.
func NewScheduler(cfg Config, c Components, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.State == nil || c.Decider == nil || c.Tools == nil || c.Episodes == nil || c.Facts == nil || c.Dreams == nil {
		return nil, errors.New("heartbeat: state, decider, tools, episodes, facts and dreams are required")
	}
	return &Scheduler{
		cfg:       cfg,
		state:     c.State,
		decider:   c.Decider,
		tools:     c.Tools,
		episodes:  c.Episodes,
		facts:     c.Facts,
		dreams:    c.Dreams,
		bus:       c.Bus,
		persister: c.Persister,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// State returns the aggregate the scheduler owns.
func (s *Scheduler) State() *AgentState { return s.state }

// RunCycle performs one heartbeat. Oracle and tool failures are recorded
// and the cycle completes; a cancelled ctx commits nothing and returns the
// context error.
func (s *Scheduler) RunCycle(ctx context.Context) (rep *CycleReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	life := s.state.Lifecycle()
	rep = &CycleReport{Cycle: life.Cycles + 1, StartedAt: s.now()}
	s.publish(events.CycleStarted, rep.Cycle, nil)

	defer func() {
		if p := recover(); p != nil {
			rep, err = s.crashed(ctx, rep, p)
		}
	}()
	return s.cycle(ctx, rep, life.Cycles == 0)
}

func (s *Scheduler) cycle(ctx context.Context, rep *CycleReport, firstBoot bool) (*CycleReport, error) {
	defer s.state.setStatus(StatusIdle)
	before := s.state.Drives.Snapshot()
	fatigue := before.Get(drive.Fatigue)
	diversity := s.state.Working.Diversity()
	rep.Mode = s.state.Drives.Mode()

	s.state.setStatus(StatusThinking)
	oc, err := s.assemble(ctx, rep, before, diversity, firstBoot)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return s.abort(rep, before, err)
	}

	decision, derr := s.decide(ctx, oc)
	if err := ctx.Err(); err != nil {
		s.logger.Info("cycle cancelled while deciding", zap.Int64("cycle", rep.Cycle))
		return nil, err
	}
	if decision == nil {
		decision = &oracle.Decision{}
	}

	var deltas []drive.Delta
	if derr != nil {
		decision = &oracle.Decision{}
		rep.Error = derr.Error()
		deltas = append(deltas, s.cfg.Effects.failure()...)
		s.logger.Warn("oracle failed",
			zap.Int64("cycle", rep.Cycle),
			zap.String("class", agenterr.Class(derr)),
			zap.Error(derr))
	} else {
		rep.Thoughts, rep.Mood = decision.Thoughts, decision.Mood
		s.state.setStatus(StatusActing)
		var ad []drive.Delta
		rep.Actions, ad = s.dispatch(ctx, rep.Cycle, decision.Actions, fatigue)
		deltas = append(deltas, ad...)
		if err := ctx.Err(); err != nil {
			s.logger.Info("cycle cancelled while acting", zap.Int64("cycle", rep.Cycle))
			return nil, err
		}
	}

	// Every external call has returned; from here on the cycle commits as
	// a whole.
	commit := context.WithoutCancel(ctx)
	rep.Outcome = outcomeOf(derr, rep.Actions, decision.Rest)
	for range decision.Remember {
		deltas = append(deltas, s.cfg.Effects.action(tools.Create, true, false, fatigue)...)
	}
	deltas = append(deltas, s.cfg.Effects.cycle(decision.Rest, before.Get(drive.Curiosity), diversity)...)
	deltas = append(deltas, s.state.Drives.Inhibition(s.cfg.Effects.Inhibition)...)
	snap, terr := s.state.Drives.Tick(rep.StartedAt, deltas)
	if terr != nil {
		rep.Outcome = memory.OutcomeFailure
		rep.Error = terr.Error()
		rep.Drives = before
	}

	entry := s.entry(rep, before)
	if terr != nil && len(rep.Actions) == 0 {
		entry.Action = "drives"
	}
	s.state.Working.Append(entry)
	s.publish(events.WorkingAppended, rep.Cycle, map[string]any{
		"action":  entry.Action,
		"outcome": string(entry.Outcome),
	})
	s.promote(commit, rep, entry)
	for _, n := range decision.Remember {
		s.remember(commit, rep, n)
	}

	if terr != nil {
		rep.FinishedAt = s.now()
		s.state.commit(rep.Cycle, rep.StartedAt, true, rep.Thoughts, rep.Mood)
		s.logger.Warn("drive tick rejected, keeping prior drives",
			zap.Int64("cycle", rep.Cycle),
			zap.Error(terr))
		s.publish(events.CycleFailed, rep.Cycle, map[string]any{
			"reason": terr.Error(),
			"class":  agenterr.Class(terr),
		})
		return rep, terr
	}
	rep.Drives = snap
	s.emitCritical(rep.Cycle)

	if snap.SleepTriggered {
		s.publish(events.DriveThreshold, rep.Cycle, map[string]any{
			"drive": string(drive.Fatigue),
			"value": snap.Get(drive.Fatigue),
		})
		if err := s.consolidate(ctx, rep); err != nil {
			// The act phase is already in memory; only the dream is dropped.
			rep.FinishedAt = s.now()
			s.state.commit(rep.Cycle, rep.StartedAt, rep.Outcome == memory.OutcomeFailure, rep.Thoughts, rep.Mood)
			s.logger.Info("cycle cancelled while dreaming", zap.Int64("cycle", rep.Cycle))
			return rep, err
		}
	}

	rep.FinishedAt = s.now()
	failed := rep.Outcome == memory.OutcomeFailure
	s.state.commit(rep.Cycle, rep.StartedAt, failed, rep.Thoughts, rep.Mood)
	s.publish(events.CycleCompleted, rep.Cycle, map[string]any{
		"outcome":     string(rep.Outcome),
		"actions":     len(rep.Actions),
		"duration_ms": rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
		"mode":        string(rep.Mode),
	})
	s.logger.Info("heartbeat",
		zap.Int64("cycle", rep.Cycle),
		zap.String("outcome", string(rep.Outcome)),
		zap.Int("actions", len(rep.Actions)),
		zap.Float64("fatigue", s.state.Drives.Value(drive.Fatigue)))

	s.maybeSnapshot(commit, rep.Cycle)
	return rep, nil
}

func (s *Scheduler) assemble(ctx context.Context, rep *CycleReport, before drive.Snapshot, diversity float64, firstBoot bool) (oracle.Context, error) {
	working := s.state.Working.Recent(s.cfg.WorkingWindow)
	thoughts, _ := s.state.thoughtsAndMood()
	query := recallQuery(thoughts, working)

	oc := oracle.Context{
		Cycle:     rep.Cycle,
		At:        rep.StartedAt,
		Drives:    before,
		Mode:      rep.Mode,
		Feeling:   s.state.Drives.Describe(diversity),
		Working:   working,
		Crashed:   s.state.wasCrashed(),
		FirstBoot: firstBoot,
	}

	if query != "" && s.cfg.RecallK > 0 {
		eps, err := s.episodes.Retrieve(ctx, memory.Query{Text: query, At: rep.StartedAt}, s.cfg.RecallK, s.cfg.MinRelevance)
		switch {
		case errors.Is(err, agenterr.ErrInvariant):
			return oc, err
		case err != nil:
			s.logger.Warn("episode recall failed, continuing without",
				zap.Int64("cycle", rep.Cycle),
				zap.Error(err))
		default:
			oc.Episodes = eps
		}
	}

	for _, f := range s.facts.Query(ctx, memory.Keywords(query, 5)...) {
		if f.Kind == memory.KindQuestion {
			continue
		}
		oc.Facts = append(oc.Facts, f)
		if len(oc.Facts) >= s.cfg.FactLimit {
			break
		}
	}
	qs := s.facts.Questions()
	if len(qs) > maxQuestions {
		qs = qs[len(qs)-maxQuestions:]
	}
	oc.Questions = qs
	return oc, nil
}

// recallQuery builds the retrieval text from the last thoughts and the
// recent actions.
func recallQuery(thoughts string, working []memory.Entry) string {
	parts := []string{thoughts}
	for _, e := range working {
		parts = append(parts, e.Action)
		parts = append(parts, e.Resources...)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (s *Scheduler) dispatch(ctx context.Context, cycle int64, actions []tools.Action, fatigue float64) ([]ActionReport, []drive.Delta) {
	var (
		reports []ActionReport
		deltas  []drive.Delta
		seen    = make(map[string]bool)
	)
	for i, a := range actions {
		if i >= s.cfg.MaxActions {
			s.logger.Debug("action limit reached",
				zap.Int64("cycle", cycle),
				zap.Int("dropped", len(actions)-i))
			break
		}
		cat := s.tools.Category(a.Tool)
		ar := ActionReport{Tool: a.Tool, Category: cat, Resource: s.tools.Resource(a)}

		if ar.Resource != "" && cat == tools.Explore && (seen[ar.Resource] || s.state.Working.ContainsReference(ar.Resource)) {
			ar.Skipped = true
			ar.Error = "already seen " + ar.Resource
			reports = append(reports, ar)
			deltas = append(deltas, s.cfg.Effects.action(cat, false, true, fatigue)...)
			s.logger.Debug("repeated read skipped",
				zap.Int64("cycle", cycle),
				zap.String("resource", ar.Resource))
			continue
		}

		tctx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
		res, werr := within(tctx, func(c context.Context) tools.Result { return s.tools.Execute(c, a) })
		timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded)
		cancel()
		if ctx.Err() != nil {
			return reports, nil
		}
		if werr != nil {
			res = tools.Result{Success: false, Error: "no result after " + s.cfg.ToolTimeout.String()}
		}

		ar.Success = res.Success
		ar.Output = truncate(res.Data, maxOutput)
		ar.Error = res.Error
		if !res.Success && timedOut {
			ar.Error = "timed out: " + res.Error
		}
		if ar.Resource != "" {
			seen[ar.Resource] = true
		}
		reports = append(reports, ar)
		deltas = append(deltas, s.cfg.Effects.action(cat, res.Success, false, fatigue)...)
		s.publish(events.ActionExecuted, cycle, map[string]any{
			"tool":     a.Tool,
			"category": string(cat),
			"resource": ar.Resource,
			"success":  res.Success,
		})
		if !res.Success {
			s.logger.Warn("tool failed",
				zap.Int64("cycle", cycle),
				zap.String("tool", a.Tool),
				zap.String("error", ar.Error))
		}
	}
	return reports, deltas
}

func outcomeOf(derr error, actions []ActionReport, rest bool) memory.Outcome {
	if derr != nil {
		return memory.OutcomeFailure
	}
	executed, succeeded := 0, 0
	for _, a := range actions {
		if a.Skipped {
			continue
		}
		executed++
		if a.Success {
			succeeded++
		}
	}
	switch {
	case executed > 0 && succeeded == 0:
		return memory.OutcomeFailure
	case executed > 0:
		return memory.OutcomeSuccess
	case len(actions) > 0:
		return memory.OutcomeSkipped
	case rest:
		return memory.OutcomeRest
	}
	return memory.OutcomeSuccess
}

func (s *Scheduler) entry(rep *CycleReport, before drive.Snapshot) memory.Entry {
	e := memory.Entry{
		Cycle:   rep.Cycle,
		At:      rep.StartedAt,
		Outcome: rep.Outcome,
		Drives:  before.Copy().Values,
	}
	var names, notes []string
	for _, a := range rep.Actions {
		names = append(names, a.Tool)
		e.Tools = append(e.Tools, a.Tool)
		if a.Success && a.Resource != "" {
			e.Resources = append(e.Resources, a.Resource)
		}
		switch {
		case a.Skipped:
			notes = append(notes, a.Tool+": skipped")
		case a.Success:
			notes = append(notes, a.Tool+": ok")
		default:
			notes = append(notes, a.Tool+": "+a.Error)
		}
	}
	switch {
	case rep.Error != "":
		e.Action = "oracle"
		e.Detail = truncate(rep.Error, maxDetail)
	case len(names) > 0:
		e.Action = strings.Join(names, ", ")
		if rep.Error != "" {
			notes = append(notes, rep.Error)
		}
		e.Detail = truncate(strings.Join(append(notes, rep.Thoughts), "; "), maxDetail)
	case rep.Outcome == memory.OutcomeRest:
		e.Action = "rest"
		e.Detail = truncate(rep.Thoughts, maxDetail)
	default:
		e.Action = "think"
		e.Detail = truncate(rep.Thoughts, maxDetail)
	}
	return e
}

// importance scores a cycle for promotion to episodic memory.
func importance(rep *CycleReport) int {
	if rep.Outcome == memory.OutcomeFailure {
		return 7
	}
	score := 2
	for _, a := range rep.Actions {
		v := 3
		switch {
		case a.Skipped || !a.Success:
		case a.Category == tools.Create:
			v = 6
		default:
			v = 5
		}
		if v > score {
			score = v
		}
	}
	return score
}

func (s *Scheduler) promote(ctx context.Context, rep *CycleReport, e memory.Entry) {
	weight := importance(rep)
	if rep.Outcome != memory.OutcomeFailure && weight < s.cfg.PromoteImportance {
		return
	}
	event := fmt.Sprintf("heartbeat %d: %s", rep.Cycle, e.Action)
	if len(e.Resources) > 0 {
		event += " (" + strings.Join(e.Resources, ", ") + ")"
	}
	var outcome []string
	outcome = append(outcome, string(rep.Outcome))
	for _, a := range rep.Actions {
		if a.Output != "" {
			outcome = append(outcome, truncate(a.Output, 200))
		}
	}
	if rep.Error != "" {
		outcome = append(outcome, rep.Error)
	}
	s.record(ctx, rep, memory.Episode{
		Cycle:      rep.Cycle,
		Event:      event,
		Context:    rep.Thoughts,
		Outcome:    truncate(strings.Join(outcome, "\n"), maxOutput),
		Importance: weight,
		Tags:       e.Tools,
	})
}

func (s *Scheduler) remember(ctx context.Context, rep *CycleReport, n oracle.Note) {
	w := n.Importance
	if w < 1 || w > 10 {
		w = 5
	}
	s.record(ctx, rep, memory.Episode{
		Cycle:      rep.Cycle,
		Event:      n.Event,
		Outcome:    n.Outcome,
		Importance: w,
		Tags:       []string{"remember"},
	})
}

func (s *Scheduler) record(ctx context.Context, rep *CycleReport, ep memory.Episode) {
	id, err := s.episodes.Record(ctx, ep)
	if err != nil {
		s.logger.Warn("episode not recorded",
			zap.Int64("cycle", rep.Cycle),
			zap.String("class", agenterr.Class(err)),
			zap.Error(err))
		return
	}
	rep.Episodes = append(rep.Episodes, id)
	s.publish(events.EpisodeRecorded, rep.Cycle, map[string]any{
		"episode":    id,
		"importance": ep.Importance,
	})
}

// consolidate runs the dream the cycle triggered. It returns an error only
// when ctx ended during the run, in which case nothing was committed.
func (s *Scheduler) consolidate(ctx context.Context, rep *CycleReport) error {
	s.state.setStatus(StatusDreaming)
	trigger := dream.Trigger{Name: drive.Fatigue, Value: rep.Drives.Get(drive.Fatigue), Cycle: rep.Cycle}
	run, err := s.dreams.Run(ctx, trigger, s.state.Drives)
	rep.Dream = run

	detail := ""
	switch {
	case err != nil && ctx.Err() != nil:
		rep.DreamError = err.Error()
		s.logger.Info("dream interrupted", zap.Int64("cycle", rep.Cycle))
		return ctx.Err()
	case err != nil:
		rep.DreamError = err.Error()
		detail = "restless sleep: " + err.Error()
	default:
		detail = fmt.Sprintf("slept: %d episodes, %d facts", len(run.EpisodeIDs), len(run.FactIDs))
		for _, id := range run.FactIDs {
			s.publish(events.FactLearned, rep.Cycle, map[string]any{"fact": id, "run": run.ID})
		}
	}
	s.state.dreamed()

	after := s.state.Drives.Snapshot()
	s.state.Working.Append(memory.Entry{
		Cycle:   rep.Cycle,
		At:      s.now(),
		Action:  "dream",
		Outcome: memory.OutcomeDream,
		Detail:  truncate(detail, maxDetail),
		Drives:  after.Values,
	})
	return nil
}

func (s *Scheduler) abort(rep *CycleReport, before drive.Snapshot, cause error) (*CycleReport, error) {
	rep.Outcome = memory.OutcomeFailure
	rep.Error = cause.Error()
	rep.Drives = before
	rep.FinishedAt = s.now()
	s.state.Working.Append(s.entry(rep, before))
	s.state.commit(rep.Cycle, rep.StartedAt, true, "", "")
	s.logger.Warn("cycle aborted",
		zap.Int64("cycle", rep.Cycle),
		zap.String("class", agenterr.Class(cause)),
		zap.Error(cause))
	s.publish(events.CycleFailed, rep.Cycle, map[string]any{
		"reason": cause.Error(),
		"class":  agenterr.Class(cause),
	})
	return rep, fmt.Errorf("cycle %d: %w", rep.Cycle, cause)
}

func (s *Scheduler) crashed(ctx context.Context, rep *CycleReport, p any) (*CycleReport, error) {
	reason := fmt.Sprint(p)
	s.logger.Warn("cycle panicked",
		zap.Int64("cycle", rep.Cycle),
		zap.String("panic", reason),
		zap.Stack("stack"))

	rep.Outcome = memory.OutcomeFailure
	rep.Error = "panic: " + reason
	rep.FinishedAt = s.now()
	if last := s.state.Working.Recent(1); len(last) == 0 || last[0].Cycle != rep.Cycle {
		s.state.Working.Append(memory.Entry{
			Cycle:   rep.Cycle,
			At:      rep.StartedAt,
			Action:  "crash",
			Outcome: memory.OutcomeFailure,
			Detail:  truncate(rep.Error, maxDetail),
			Drives:  s.state.Drives.Snapshot().Values,
		})
	}
	s.record(context.WithoutCancel(ctx), rep, memory.Episode{
		Cycle:      rep.Cycle,
		Event:      fmt.Sprintf("crashed during heartbeat %d", rep.Cycle),
		Outcome:    truncate(reason, maxOutput),
		Importance: crashWeight,
		Tags:       []string{"crash"},
	})
	s.state.crash(rep.Cycle, rep.StartedAt)
	s.publish(events.CycleFailed, rep.Cycle, map[string]any{
		"reason": rep.Error,
		"class":  "panic",
	})
	return rep, fmt.Errorf("cycle %d panicked: %v", rep.Cycle, p)
}

func (s *Scheduler) emitCritical(cycle int64) {
	crit := s.state.Drives.Critical()
	for _, n := range drive.Names {
		lvl, ok := crit[n]
		if !ok {
			continue
		}
		s.publish(events.DriveCritical, cycle, map[string]any{
			"drive": string(n),
			"level": string(lvl),
			"value": s.state.Drives.Value(n),
		})
	}
}

func (s *Scheduler) publish(kind events.Kind, cycle int64, fields map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Kind: kind, Cycle: cycle, At: s.now(), Fields: fields})
}

// decide asks the oracle under the oracle timeout. A decider that ignores
// its context is abandoned once the timeout passes.
func (s *Scheduler) decide(ctx context.Context, oc oracle.Context) (*oracle.Decision, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()
	type answer struct {
		d   *oracle.Decision
		err error
	}
	a, err := within(dctx, func(c context.Context) answer {
		d, err := s.decider.Decide(c, oc)
		return answer{d, err}
	})
	if err != nil {
		return nil, agenterr.Transient("decide", err)
	}
	return a.d, a.err
}

// within runs f on its own goroutine and stops waiting when ctx ends. A
// panic in f is re-raised on the caller's goroutine.
func within[T any](ctx context.Context, f func(context.Context) T) (T, error) {
	type result struct {
		v T
		p any
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			r.p = recover()
			done <- r
		}()
		r.v = f(ctx)
	}()
	select {
	case r := <-done:
		if r.p != nil {
			panic(r.p)
		}
		return r.v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
