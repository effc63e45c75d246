package dream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/events"
	"github.com/nidhogg/atlas/internal/memory"
)

// ErrBusy is returned when a run is requested while another is active.
var ErrBusy = errors.New("consolidation already running")

// Config tunes consolidation.
type Config struct {
	BatchSize          int     `json:"batch_size"`       // episodes read by a deep run
	LightBatchSize     int     `json:"light_batch_size"` // episodes read by a light run
	DeepAt             float64 `json:"deep_at"`          // trigger value that makes a run deep
	FatigueDiscount    float64 `json:"fatigue_discount"`
	SatisfactionReward float64 `json:"satisfaction_reward"`
	AnxietyPenalty     float64 `json:"anxiety_penalty"`
	MaxFacts           int     `json:"max_facts"`
}

// DefaultConfig returns the stock consolidation settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:          20,
		LightBatchSize:     10,
		DeepAt:             0.95,
		FatigueDiscount:    0.6,
		SatisfactionReward: 0.1,
		AnxietyPenalty:     0.05,
		MaxFacts:           15,
	}
}

// Validate rejects settings that would corrupt drives.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("dream batch size %d < 1", c.BatchSize)
	}
	for name, v := range map[string]float64{
		"fatigue_discount":    c.FatigueDiscount,
		"satisfaction_reward": c.SatisfactionReward,
		"anxiety_penalty":     c.AnxietyPenalty,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("dream %s %v outside [0,1]", name, v)
		}
	}
	return nil
}

// Publisher is the slice of the event bus the consolidator needs.
type Publisher interface {
	Publish(events.Event)
}

// Consolidator runs dreaming synchronously inside the triggering cycle.
type Consolidator struct {
	cfg      Config
	episodes EpisodeSource
	facts    FactCommitter
	synth    Synthesizer
	ledger   RunLedger
	bus      Publisher
	now      func() time.Time

	phase Phase
	total int64
	mu    sync.Mutex

	logger *zap.Logger
}

// NewConsolidator wires a consolidator. ledger and bus may be nil.
func NewConsolidator(cfg Config, episodes EpisodeSource, facts FactCommitter, synth Synthesizer,
	ledger RunLedger, bus Publisher, logger *zap.Logger) *Consolidator {
	if cfg.LightBatchSize < 1 || cfg.LightBatchSize > cfg.BatchSize {
		cfg.LightBatchSize = cfg.BatchSize
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Consolidator{
		cfg:      cfg,
		episodes: episodes,
		facts:    facts,
		synth:    synth,
		ledger:   ledger,
		bus:      bus,
		now:      time.Now,
		phase:    Idle,
		logger:   logger,
	}
}

// Phase returns the current state.
func (c *Consolidator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Total returns how many runs have finished, successful or not.
func (c *Consolidator) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// SetTotal restores the finished-run counter from a snapshot.
func (c *Consolidator) SetTotal(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = n
}

// Runs returns up to limit finalized runs, newest first.
func (c *Consolidator) Runs(ctx context.Context, limit int) ([]Run, error) {
	return c.ledger.Runs(ctx, limit)
}

func (c *Consolidator) enter(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Run performs one consolidation for trigger. On success the semantic
// store holds the new facts, the trigger drive is discounted and
// satisfaction rewarded. On failure nothing is committed and only anxiety
// moves. Either way the returned Run is final.
func (c *Consolidator) Run(ctx context.Context, trigger Trigger, reg Regulator) (*Run, error) {
	c.mu.Lock()
	if c.phase != Idle {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.phase = Triggered
	c.mu.Unlock()

	run := Run{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Depth:     c.depthFor(trigger),
		StartedAt: c.now(),
	}
	c.publish(events.DreamStarted, trigger.Cycle, map[string]any{
		"run":     run.ID,
		"trigger": string(trigger.Name),
		"value":   trigger.Value,
		"depth":   string(run.Depth),
	})
	c.logger.Info("dream started",
		zap.String("run", run.ID),
		zap.String("trigger", string(trigger.Name)),
		zap.Float64("value", trigger.Value),
		zap.String("depth", string(run.Depth)))

	factIDs, err := c.consolidate(ctx, &run)
	if err != nil {
		return c.fail(ctx, run, reg, err)
	}
	run.FactIDs = factIDs
	run.Status = StatusCompleted
	run.FinishedAt = c.now()

	// Facts are already durable; a ledger miss costs history, not state.
	if lerr := c.ledger.RecordRun(ctx, run); lerr != nil {
		c.logger.Warn("dream ledger write failed", zap.String("run", run.ID), zap.Error(lerr))
	}
	if derr := reg.Discount(trigger.Name, c.cfg.FatigueDiscount); derr != nil {
		c.logger.Warn("dream discount rejected", zap.String("drive", string(trigger.Name)), zap.Error(derr))
	}
	if len(factIDs) > 0 {
		if berr := reg.Bump(drive.Satisfaction, c.cfg.SatisfactionReward); berr != nil {
			c.logger.Warn("dream reward rejected", zap.Error(berr))
		}
	}

	c.finish()
	c.publish(events.DreamCompleted, trigger.Cycle, map[string]any{
		"run":      run.ID,
		"episodes": len(run.EpisodeIDs),
		"facts":    len(run.FactIDs),
		"depth":    string(run.Depth),
	})
	c.logger.Info("dream completed",
		zap.String("run", run.ID),
		zap.Int("episodes", len(run.EpisodeIDs)),
		zap.Int("facts", len(run.FactIDs)))
	out := run.clone()
	return &out, nil
}

func (c *Consolidator) consolidate(ctx context.Context, run *Run) ([]string, error) {
	c.enter(Retrieving)
	batch := c.cfg.LightBatchSize
	if run.Depth == Deep {
		batch = c.cfg.BatchSize
	}
	eps, err := c.episodes.Recent(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("retrieve episodes: %w", err)
	}
	for _, ep := range eps {
		run.EpisodeIDs = append(run.EpisodeIDs, ep.ID)
	}
	if len(eps) == 0 {
		return nil, nil
	}

	c.enter(Synthesizing)
	cands, err := c.synth.Synthesize(ctx, eps, run.Depth)
	if err != nil {
		return nil, agenterr.Transient("synthesize", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	facts := c.toFacts(cands, run.EpisodeIDs)
	if len(facts) == 0 {
		return nil, nil
	}

	c.enter(Committing)
	ids, err := c.facts.Commit(ctx, run.ID, facts)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Consolidator) toFacts(cands []Candidate, batch []string) []memory.Fact {
	inBatch := make(map[string]bool, len(batch))
	for _, id := range batch {
		inBatch[id] = true
	}
	facts := make([]memory.Fact, 0, len(cands))
	for _, cand := range cands {
		stmt := strings.TrimSpace(cand.Statement)
		if stmt == "" {
			continue
		}
		conf := cand.Confidence
		if math.IsNaN(conf) || conf <= 0 {
			conf = 0.5
		}
		conf = math.Min(conf, 1)

		var prov []string
		for _, id := range cand.EpisodeIDs {
			if inBatch[id] {
				prov = append(prov, id)
			}
		}
		if len(prov) == 0 {
			prov = append(prov, batch...)
		}
		facts = append(facts, memory.Fact{
			Topic:      cand.Topic,
			Kind:       cand.Kind,
			Statement:  stmt,
			Confidence: conf,
			Provenance: memory.Provenance{Source: "dream", EpisodeIDs: prov},
		})
		if c.cfg.MaxFacts > 0 && len(facts) >= c.cfg.MaxFacts {
			break
		}
	}
	return facts
}

func (c *Consolidator) fail(ctx context.Context, run Run, reg Regulator, cause error) (*Run, error) {
	c.enter(Failed)
	run.Status = StatusFailed
	run.Error = cause.Error()
	run.FactIDs = nil
	run.FinishedAt = c.now()

	// A cancelled cycle commits nothing, the ledger included.
	if ctx.Err() == nil {
		if lerr := c.ledger.RecordRun(ctx, run); lerr != nil {
			c.logger.Warn("dream ledger write failed", zap.String("run", run.ID), zap.Error(lerr))
		}
		if berr := reg.Bump(drive.Anxiety, c.cfg.AnxietyPenalty); berr != nil {
			c.logger.Warn("dream penalty rejected", zap.Error(berr))
		}
	}

	c.finish()
	c.publish(events.DreamFailed, run.Trigger.Cycle, map[string]any{
		"run":    run.ID,
		"reason": run.Error,
		"class":  agenterr.Class(cause),
	})
	c.logger.Warn("dream failed",
		zap.String("run", run.ID),
		zap.String("class", agenterr.Class(cause)),
		zap.Error(cause))
	out := run.clone()
	return &out, fmt.Errorf("dream %s: %w", run.ID, cause)
}

func (c *Consolidator) finish() {
	c.mu.Lock()
	c.phase = Idle
	c.total++
	c.mu.Unlock()
}

func (c *Consolidator) depthFor(t Trigger) Depth {
	if c.cfg.DeepAt > 0 && t.Value >= c.cfg.DeepAt {
		return Deep
	}
	return Light
}

func (c *Consolidator) publish(kind events.Kind, cycle int64, fields map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Kind: kind, Cycle: cycle, At: c.now(), Fields: fields})
}
