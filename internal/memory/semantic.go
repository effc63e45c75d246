package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
)

// Kind classifies a semantic fact.
type Kind string

const (
	KindRule        Kind = "rule"
	KindBelief      Kind = "belief"
	KindFact        Kind = "fact"
	KindQuestion    Kind = "question"
	KindObservation Kind = "observation"
)

// Provenance records where a fact came from.
type Provenance struct {
	Source     string   `json:"source,omitempty"`
	RunIDs     []string `json:"run_ids,omitempty"`
	EpisodeIDs []string `json:"episode_ids,omitempty"`
}

// Revision is a superseded version of a fact.
type Revision struct {
	VersionID  string    `json:"version_id"`
	Statement  string    `json:"statement"`
	Confidence float64   `json:"confidence"`
	RunID      string    `json:"run_id,omitempty"`
	RevisedAt  time.Time `json:"revised_at"`
}

// Fact is a distilled, mutable piece of knowledge.
type Fact struct {
	ID         string     `json:"id"`
	VersionID  string     `json:"version_id"`
	Topic      string     `json:"topic"`
	Kind       Kind       `json:"kind"`
	Statement  string     `json:"statement"`
	Confidence float64    `json:"confidence"`
	Resolved   bool       `json:"resolved,omitempty"`
	Provenance Provenance `json:"provenance"`
	Trail      []Revision `json:"trail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (f Fact) clone() Fact {
	c := f
	c.Provenance.RunIDs = append([]string(nil), f.Provenance.RunIDs...)
	c.Provenance.EpisodeIDs = append([]string(nil), f.Provenance.EpisodeIDs...)
	c.Trail = append([]Revision(nil), f.Trail...)
	return c
}

// FactSink persists committed facts. A batch either lands whole or the
// error leaves the store untouched.
type FactSink interface {
	PersistFacts(ctx context.Context, runID string, facts []Fact) error
	LoadFacts(ctx context.Context) ([]Fact, error)
}

// Semantic is the durable knowledge base.
type Semantic struct {
	facts      map[string]*Fact
	order      []string
	sink       FactSink
	thresholds MatchThresholds
	now        func() time.Time
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewSemantic creates a semantic store. sink may be nil.
func NewSemantic(sink FactSink, logger *zap.Logger) *Semantic {
	return &Semantic{
		facts:      make(map[string]*Fact),
		sink:       sink,
		thresholds: DefaultMatchThresholds(),
		now:        time.Now,
		logger:     logger,
	}
}

// Upsert stores f, updating an existing fact in place when it covers the
// same topic with overlapping provenance.
func (s *Semantic) Upsert(ctx context.Context, f Fact) (string, error) {
	ids, err := s.Commit(ctx, "", []Fact{f})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Commit upserts facts as one batch attributed to runID. Either every fact
// is stored or none is.
func (s *Semantic) Commit(ctx context.Context, runID string, facts []Fact) ([]string, error) {
	for i, f := range facts {
		if strings.TrimSpace(f.Statement) == "" {
			return nil, agenterr.Invariant("fact %d has an empty statement", i)
		}
		if !unitInterval(f.Confidence) {
			return nil, agenterr.Invariant("fact %d confidence %v outside [0,1]", i, f.Confidence)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]*Fact, len(s.facts)+len(facts))
	for id, f := range s.facts {
		staged[id] = f
	}
	order := append([]string(nil), s.order...)
	now := s.now()

	ids := make([]string, 0, len(facts))
	changed := make(map[string]bool, len(facts))
	for _, in := range facts {
		topic := topicOf(in)
		if m, ok := s.bestMatch(staged, order, in, topic); ok {
			upd := merge(m.Fact.clone(), in, runID, now)
			staged[upd.ID] = &upd
			ids = append(ids, upd.ID)
			changed[upd.ID] = true
			continue
		}
		nf := in.clone()
		nf.ID = uuid.New().String()
		nf.VersionID = uuid.New().String()
		nf.Topic = topic
		if nf.Kind == "" {
			nf.Kind = KindFact
		}
		if runID != "" {
			nf.Provenance.RunIDs = appendUnique(nf.Provenance.RunIDs, runID)
		}
		nf.Trail = nil
		nf.CreatedAt = now
		nf.UpdatedAt = now
		staged[nf.ID] = &nf
		order = append(order, nf.ID)
		ids = append(ids, nf.ID)
		changed[nf.ID] = true
	}

	if s.sink != nil && len(changed) > 0 {
		batch := make([]Fact, 0, len(changed))
		for _, id := range order {
			if changed[id] {
				batch = append(batch, staged[id].clone())
			}
		}
		if err := s.sink.PersistFacts(ctx, runID, batch); err != nil {
			return nil, agenterr.StoreWrite("persist facts", err)
		}
	}

	s.facts = staged
	s.order = order
	s.logger.Debug("semantic facts committed",
		zap.String("run", runID),
		zap.Int("facts", len(ids)),
		zap.Int("total", len(order)))
	return ids, nil
}

func (s *Semantic) bestMatch(staged map[string]*Fact, order []string, in Fact, topic string) (MatchResult, bool) {
	var matches []MatchResult
	for _, id := range order {
		if m, ok := matchFact(in, topic, staged[id], s.thresholds); ok {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return MatchResult{}, false
	}
	sortMatchResults(matches)
	return matches[0], true
}

// merge rewrites existing with in. A changed statement pushes the old
// version onto the trail; the id never changes.
func merge(existing, in Fact, runID string, now time.Time) Fact {
	if normalize(existing.Statement) != normalize(in.Statement) {
		prevRun := ""
		if n := len(existing.Provenance.RunIDs); n > 0 {
			prevRun = existing.Provenance.RunIDs[n-1]
		}
		existing.Trail = append(existing.Trail, Revision{
			VersionID:  existing.VersionID,
			Statement:  existing.Statement,
			Confidence: existing.Confidence,
			RunID:      prevRun,
			RevisedAt:  now,
		})
		existing.Statement = in.Statement
		existing.VersionID = uuid.New().String()
	}
	existing.Confidence = in.Confidence
	if in.Kind != "" {
		existing.Kind = in.Kind
	}
	for _, id := range in.Provenance.EpisodeIDs {
		existing.Provenance.EpisodeIDs = appendUnique(existing.Provenance.EpisodeIDs, id)
	}
	for _, id := range in.Provenance.RunIDs {
		existing.Provenance.RunIDs = appendUnique(existing.Provenance.RunIDs, id)
	}
	if runID != "" {
		existing.Provenance.RunIDs = appendUnique(existing.Provenance.RunIDs, runID)
	}
	if in.Provenance.Source != "" {
		existing.Provenance.Source = in.Provenance.Source
	}
	if !now.After(existing.UpdatedAt) {
		now = existing.UpdatedAt.Add(time.Nanosecond)
	}
	existing.UpdatedAt = now
	return existing
}

// Query returns facts whose topic equals one of keys, followed by facts
// whose topic or statement shares keywords with them. With no keys every
// fact is returned, most recently updated first.
func (s *Semantic) Query(_ context.Context, keys ...string) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		f     *Fact
		score float64
	}
	var words []string
	topics := make(map[string]bool, len(keys))
	for _, k := range keys {
		topics[normalize(k)] = true
		words = append(words, Keywords(k, 0)...)
	}

	var hits []scored
	for _, id := range s.order {
		f := s.facts[id]
		switch {
		case len(keys) == 0:
			hits = append(hits, scored{f, 0})
		case topics[f.Topic]:
			hits = append(hits, scored{f, 2})
		default:
			if sc := keywordSimilarity(words, f.Topic+" "+f.Statement); sc > 0 {
				hits = append(hits, scored{f, sc})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].f.Confidence != hits[j].f.Confidence {
			return hits[i].f.Confidence > hits[j].f.Confidence
		}
		return hits[i].f.UpdatedAt.After(hits[j].f.UpdatedAt)
	})

	out := make([]Fact, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.f.clone())
	}
	return out
}

// ReviseConfidence sets the confidence of fact id.
func (s *Semantic) ReviseConfidence(ctx context.Context, id string, confidence float64) error {
	if !unitInterval(confidence) {
		return agenterr.Invariant("confidence %v outside [0,1]", confidence)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok {
		return fmt.Errorf("fact %s: %w", id, agenterr.ErrNotFound)
	}
	upd := f.clone()
	upd.Confidence = confidence
	now := s.now()
	if !now.After(upd.UpdatedAt) {
		now = upd.UpdatedAt.Add(time.Nanosecond)
	}
	upd.UpdatedAt = now
	if s.sink != nil {
		if err := s.sink.PersistFacts(ctx, "", []Fact{upd}); err != nil {
			return agenterr.StoreWrite("persist confidence", err)
		}
	}
	s.facts[id] = &upd
	return nil
}

// Get returns fact id.
func (s *Semantic) Get(id string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[id]
	if !ok {
		return Fact{}, false
	}
	return f.clone(), true
}

// All returns every fact in insertion order.
func (s *Semantic) All() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.facts[id].clone())
	}
	return out
}

// IDs returns every fact id in insertion order.
func (s *Semantic) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Questions returns the open questions.
func (s *Semantic) Questions() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Fact
	for _, id := range s.order {
		if f := s.facts[id]; f.Kind == KindQuestion && !f.Resolved {
			out = append(out, f.clone())
		}
	}
	return out
}

// Len returns the number of facts.
func (s *Semantic) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Load hydrates the store from its sink.
func (s *Semantic) Load(ctx context.Context) error {
	if s.sink == nil {
		return nil
	}
	facts, err := s.sink.LoadFacts(ctx)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}
	s.Restore(facts)
	return nil
}

// Restore replaces the store's content with facts, e.g. from a snapshot.
func (s *Semantic) Restore(facts []Fact) {
	facts = append([]Fact(nil), facts...)
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].CreatedAt.Before(facts[j].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = make(map[string]*Fact, len(facts))
	s.order = nil
	for _, f := range facts {
		if f.ID == "" {
			continue
		}
		c := f.clone()
		if _, dup := s.facts[c.ID]; !dup {
			s.order = append(s.order, c.ID)
		}
		s.facts[c.ID] = &c
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func unitInterval(v float64) bool { return v >= 0 && v <= 1 }
