package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/atlas/internal/memory"
)

const (
	recallLimit        = 5
	recallMinRelevance = 0.1
)

// EpisodeRetriever is the read side of episodic memory.
type EpisodeRetriever interface {
	Retrieve(ctx context.Context, q memory.Query, k int, minRelevance float64) ([]memory.Scored, error)
}

// FactQuerier is the read side of semantic memory.
type FactQuerier interface {
	Query(ctx context.Context, keys ...string) []memory.Fact
}

// RegisterRecall adds the recall tool. facts may be nil.
func RegisterRecall(reg *Registry, episodes EpisodeRetriever, facts FactQuerier) {
	reg.Register(&recall{episodes: episodes, facts: facts, now: time.Now})
}

type recallArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type recall struct {
	episodes EpisodeRetriever
	facts    FactQuerier
	now      func() time.Time
}

func (*recall) Name() string { return "recall" }
func (*recall) Description() string {
	return "Search your own memories: past episodes and what you have learned"
}
func (*recall) Category() Category { return Reflect }
func (*recall) Parameters() map[string]any {
	return schema([]string{"query"}, map[string]any{
		"query": prop("string", "What to remember"),
		"limit": prop("integer", "Maximum episodes to return, default 5"),
	})
}

func (*recall) Resource(args json.RawMessage) string {
	var a recallArgs
	if decodeArgs(args, &a) != nil {
		return ""
	}
	return "recall:" + strings.ToLower(strings.TrimSpace(a.Query))
}

func (t *recall) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a recallArgs
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	q := strings.TrimSpace(a.Query)
	if q == "" {
		return "", fmt.Errorf("recall: empty query")
	}
	if a.Limit <= 0 || a.Limit > 20 {
		a.Limit = recallLimit
	}

	var b strings.Builder
	scored, err := t.episodes.Retrieve(ctx, memory.Query{Text: q, At: t.now()}, a.Limit, recallMinRelevance)
	if err != nil {
		return "", fmt.Errorf("recall episodes: %w", err)
	}
	for _, s := range scored {
		fmt.Fprintf(&b, "[episode %.2f] %s", s.Score, s.Episode.Event)
		if s.Episode.Outcome != "" {
			fmt.Fprintf(&b, " -> %s", s.Episode.Outcome)
		}
		b.WriteByte('\n')
	}
	if t.facts != nil {
		for _, f := range t.facts.Query(ctx, memory.Keywords(q, 5)...) {
			fmt.Fprintf(&b, "[%s %.2f] %s\n", f.Kind, f.Confidence, f.Statement)
		}
	}
	if b.Len() == 0 {
		return "nothing comes to mind", nil
	}
	return truncate(b.String(), maxReadBytes), nil
}
