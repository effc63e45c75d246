package memory

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
)

// overfetch widens index searches so the causality and relevance filters
// still leave k results.
const overfetch = 3

// Episode is one immutable record of experience.
type Episode struct {
	ID         string    `json:"id"`
	Cycle      int64     `json:"cycle"`
	Event      string    `json:"event"`
	Context    string    `json:"context,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Importance int       `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Text is what gets embedded.
func (e Episode) Text() string {
	parts := []string{e.Event}
	if e.Context != "" {
		parts = append(parts, e.Context)
	}
	if e.Outcome != "" {
		parts = append(parts, e.Outcome)
	}
	return strings.Join(parts, "\n")
}

func (e Episode) clone() Episode {
	c := e
	c.Tags = append([]string(nil), e.Tags...)
	c.Embedding = append([]float32(nil), e.Embedding...)
	return c
}

// Scored pairs an episode with its retrieval score.
type Scored struct {
	Episode Episode `json:"episode"`
	Score   float64 `json:"score"`
}

// Query is a retrieval request anchored at a point in time.
type Query struct {
	Text string
	At   time.Time
}

// Hit is one nearest-neighbour result.
type Hit struct {
	ID    string
	Score float64
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is the nearest-neighbour collaborator. It may lag behind the log.
type Index interface {
	Add(ctx context.Context, id string, vector []float32, at time.Time) error
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
}

// EpisodeLog is the authoritative append-only record store.
type EpisodeLog interface {
	Append(ctx context.Context, ep Episode) error
	Get(ctx context.Context, ids []string) (map[string]Episode, error)
	Recent(ctx context.Context, k int) ([]Episode, error)
	Count(ctx context.Context) (int, error)
}

// ErrDuplicateEpisode is returned when an id is appended twice.
var ErrDuplicateEpisode = errors.New("episode already recorded")

// Episodic is the long-horizon experience store.
type Episodic struct {
	log      EpisodeLog
	index    Index
	embedder Embedder
	now      func() time.Time
	last     time.Time
	lastID   string
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewEpisodic wires a log, an index and an embedder together.
func NewEpisodic(log EpisodeLog, index Index, embedder Embedder, logger *zap.Logger) *Episodic {
	return &Episodic{
		log:      log,
		index:    index,
		embedder: embedder,
		now:      time.Now,
		logger:   logger,
	}
}

// Record embeds and appends ep, returning its new id. The id and timestamp
// are assigned here; timestamps strictly increase. An embedding failure
// still records the episode, it is just not searchable.
func (s *Episodic) Record(ctx context.Context, ep Episode) (string, error) {
	if strings.TrimSpace(ep.Event) == "" {
		return "", fmt.Errorf("record episode: empty event")
	}

	var vector []float32
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{ep.Text()})
		switch {
		case err != nil:
			s.logger.Warn("episode embedding failed, recording unindexed", zap.Error(err))
		case len(vecs) != 1:
			s.logger.Warn("episode embedding returned wrong count", zap.Int("count", len(vecs)))
		default:
			vector = vecs[0]
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	if !at.After(s.last) {
		at = s.last.Add(time.Nanosecond)
	}
	rec := ep.clone()
	rec.ID = uuid.New().String()
	rec.RecordedAt = at
	rec.Embedding = vector

	if err := s.log.Append(ctx, rec); err != nil {
		return "", agenterr.StoreWrite("append episode", err)
	}
	s.last = at
	s.lastID = rec.ID

	if len(vector) > 0 && s.index != nil {
		if err := s.index.Add(ctx, rec.ID, vector, at); err != nil {
			s.logger.Warn("episode indexing failed",
				zap.String("episode", rec.ID),
				zap.Error(err))
		}
	}

	s.logger.Debug("episode recorded",
		zap.String("episode", rec.ID),
		zap.Int("importance", rec.Importance))
	return rec.ID, nil
}

// Retrieve returns up to k episodes relevant to q with score at least
// minRelevance, best first. Nothing recorded after q.At is returned, even
// if the index already knows about it.
func (s *Episodic) Retrieve(ctx context.Context, q Query, k int, minRelevance float64) ([]Scored, error) {
	if k <= 0 || s.embedder == nil || s.index == nil || strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, agenterr.Transient("embed query", err)
	}
	if len(vecs) != 1 {
		return nil, agenterr.Invariant("embedder returned %d vectors for one query", len(vecs))
	}

	hits, err := s.index.Search(ctx, vecs[0], k*overfetch)
	if err != nil {
		return nil, agenterr.Transient("search episodes", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if math.IsNaN(h.Score) || math.IsInf(h.Score, 0) {
			return nil, agenterr.Invariant("episode %s scored %v", h.ID, h.Score)
		}
		ids = append(ids, h.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records, err := s.log.Get(ctx, ids)
	if err != nil {
		return nil, agenterr.Transient("load episodes", err)
	}

	at := q.At
	if at.IsZero() {
		at = s.now()
	}
	seen := make(map[string]bool, len(hits))
	results := make([]Scored, 0, len(hits))
	for _, h := range hits {
		ep, ok := records[h.ID]
		if !ok || seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		if ep.RecordedAt.After(at) || h.Score < minRelevance {
			continue
		}
		results = append(results, Scored{Episode: ep, Score: h.Score})
	}
	sortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Recent returns the k most recent episodes, newest first.
func (s *Episodic) Recent(ctx context.Context, k int) ([]Episode, error) {
	if k <= 0 {
		return nil, nil
	}
	eps, err := s.log.Recent(ctx, k)
	if err != nil {
		return nil, agenterr.Transient("recent episodes", err)
	}
	return eps, nil
}

// Count returns how many episodes the log holds.
func (s *Episodic) Count(ctx context.Context) (int, error) {
	return s.log.Count(ctx)
}

// Last returns the id and timestamp of the newest episode known to this
// process, recorded or resumed.
func (s *Episodic) Last() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID, s.last
}

// Resume makes sure new timestamps sort after at, e.g. the newest record
// already in a persistent log.
func (s *Episodic) Resume(lastID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.last) {
		s.last = at
		s.lastID = lastID
	}
}

// MemoryLog is an in-process EpisodeLog.
type MemoryLog struct {
	byID  map[string]Episode
	order []string
	mu    sync.RWMutex
}

// NewMemoryLog creates an empty in-process log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string]Episode)}
}

func (l *MemoryLog) Append(_ context.Context, ep Episode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[ep.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEpisode, ep.ID)
	}
	l.byID[ep.ID] = ep.clone()
	l.order = append(l.order, ep.ID)
	return nil
}

func (l *MemoryLog) Get(_ context.Context, ids []string) (map[string]Episode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Episode, len(ids))
	for _, id := range ids {
		if ep, ok := l.byID[id]; ok {
			out[id] = ep.clone()
		}
	}
	return out, nil
}

func (l *MemoryLog) Recent(_ context.Context, k int) ([]Episode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Episode, 0, k)
	for i := len(l.order) - 1; i >= 0 && len(out) < k; i-- {
		out = append(out, l.byID[l.order[i]].clone())
	}
	return out, nil
}

func (l *MemoryLog) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order), nil
}
