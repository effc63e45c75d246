package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/dream"
	"github.com/nidhogg/atlas/internal/memory"
	"github.com/nidhogg/atlas/internal/provider"
)

const (
	maxDreamFragments = 15
	maxFragmentChars  = 200
	maxFallbackItems  = 5
)

// section maps a response key to the fact kind and default confidence.
type section struct {
	key        string
	kind       memory.Kind
	confidence float64
}

var sections = []section{
	{"rules", memory.KindRule, 0.7},
	{"beliefs", memory.KindBelief, 0.6},
	{"observations", memory.KindObservation, 0.6},
	{"questions", memory.KindQuestion, 0.5},
}

// Synthesize asks the model to distil episodes into rules, beliefs,
// observations and questions.
func (l *LLM) Synthesize(ctx context.Context, episodes []memory.Episode, depth dream.Depth) ([]dream.Candidate, error) {
	if len(episodes) == 0 {
		return nil, nil
	}
	refs := make(map[string]string, len(episodes))
	req := &provider.ChatRequest{
		Model:       l.cfg.Model,
		Messages:    []provider.Message{{Role: "user", Content: dreamPrompt(episodes, depth, refs)}},
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	}
	resp, err := l.chat.Route(ctx, provider.PurposeDream, req)
	if err != nil {
		return nil, agenterr.Transient("oracle synthesize", err)
	}
	cands := parseInsights(resp.Content, refs)
	l.logger.Debug("dream synthesized",
		zap.Int("episodes", len(episodes)),
		zap.Int("candidates", len(cands)))
	return cands, nil
}

func dreamPrompt(episodes []memory.Episode, depth dream.Depth, refs map[string]string) string {
	var b strings.Builder
	b.WriteString("You are in a dream state, consolidating memories.\n\n")
	fmt.Fprintf(&b, "Depth: %s\n\nReview these recent memory fragments:\n\n", depth)
	for i, ep := range episodes {
		if i >= maxDreamFragments {
			break
		}
		ref := "E" + strconv.Itoa(i+1)
		refs[ref] = ep.ID
		text := ep.Event
		if ep.Outcome != "" {
			text += " -> " + ep.Outcome
		}
		if len(text) > maxFragmentChars {
			text = text[:maxFragmentChars]
		}
		fmt.Fprintf(&b, "%s. %s\n", ref, text)
	}
	b.WriteString(`
Based on these experiences, extract:
1. Rules: patterns or principles learned
2. Beliefs: things you now think are true about yourself or the world
3. Observations: notable patterns
4. Questions: new questions that emerged

Respond in JSON. Items may be plain strings or objects with statement,
confidence (0-1) and sources (fragment labels such as "E2"):
{
  "rules": ["rule 1"],
  "beliefs": [{"statement": "belief 1", "confidence": 0.6, "sources": ["E1"]}],
  "observations": ["observation 1"],
  "questions": ["question 1"]
}

Be concise. Focus on actionable insights.
`)
	return b.String()
}

type insight struct {
	Statement  string   `json:"statement"`
	Topic      string   `json:"topic"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

func (i *insight) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		i.Statement = s
		return nil
	}
	type plain insight
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*i = insight(p)
	return nil
}

func parseInsights(text string, refs map[string]string) []dream.Candidate {
	if obj := extractJSONObject(text); obj != "" {
		var data map[string]json.RawMessage
		if err := json.Unmarshal([]byte(obj), &data); err == nil {
			var out []dream.Candidate
			for _, sec := range sections {
				var items []insight
				if raw, ok := data[sec.key]; !ok || json.Unmarshal(raw, &items) != nil {
					continue
				}
				for _, in := range items {
					if c, ok := toCandidate(in, sec, refs); ok {
						out = append(out, c)
					}
				}
			}
			return out
		}
	}

	var out []dream.Candidate
	for _, sec := range sections {
		for _, item := range extractList(text, sec.key) {
			out = append(out, dream.Candidate{Kind: sec.kind, Statement: item, Confidence: sec.confidence})
		}
	}
	return out
}

func toCandidate(in insight, sec section, refs map[string]string) (dream.Candidate, bool) {
	stmt := strings.TrimSpace(in.Statement)
	if stmt == "" {
		return dream.Candidate{}, false
	}
	conf := in.Confidence
	if conf <= 0 || conf > 1 {
		conf = sec.confidence
	}
	var ids []string
	for _, s := range in.Sources {
		if id, ok := refs[strings.TrimSpace(s)]; ok {
			ids = append(ids, id)
		}
	}
	return dream.Candidate{
		Kind:       sec.kind,
		Topic:      in.Topic,
		Statement:  stmt,
		Confidence: conf,
		EpisodeIDs: ids,
	}, true
}

var bulletPrefix = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

// extractList pulls bullet items following a heading that names key.
func extractList(text, key string) []string {
	var items []string
	inSection := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inSection {
			if strings.Contains(strings.ToLower(trimmed), key) && !bulletPrefix.MatchString(trimmed) {
				inSection = true
			}
			continue
		}
		if trimmed == "" {
			if len(items) > 0 {
				break
			}
			continue
		}
		if !bulletPrefix.MatchString(trimmed) {
			break
		}
		if item := strings.TrimSpace(bulletPrefix.ReplaceAllString(trimmed, "")); item != "" {
			items = append(items, item)
		}
		if len(items) >= maxFallbackItems {
			break
		}
	}
	return items
}
