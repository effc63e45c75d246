package memory

import (
	"fmt"
	"strings"
)

// ContextBlock is a chunk of memory-derived context for prompt injection.
type ContextBlock struct {
	Source        string  `json:"source"` // episode id, fact topic or "working"
	Content       string  `json:"content"`
	Relevance     float64 `json:"relevance"`
	TokenEstimate int     `json:"token_estimate"`
}

// ContextBudget controls how much memory context to inject.
type ContextBudget struct {
	MaxTokens int // total token budget for memory context
	MaxBlocks int // max number of context blocks
}

// DefaultContextBudget returns sensible defaults.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		MaxTokens: 2000,
		MaxBlocks: 10,
	}
}

// EpisodeBlocks turns retrieval results into context blocks.
func EpisodeBlocks(results []Scored) []ContextBlock {
	blocks := make([]ContextBlock, 0, len(results))
	for _, r := range results {
		content := r.Episode.Event
		if r.Episode.Outcome != "" {
			content += " -> " + r.Episode.Outcome
		}
		blocks = append(blocks, ContextBlock{
			Source:    "episode:" + r.Episode.ID,
			Content:   content,
			Relevance: r.Score,
		})
	}
	return blocks
}

// FactBlocks turns semantic facts into context blocks weighted by
// confidence.
func FactBlocks(facts []Fact) []ContextBlock {
	blocks := make([]ContextBlock, 0, len(facts))
	for _, f := range facts {
		blocks = append(blocks, ContextBlock{
			Source:    string(f.Kind) + ":" + f.Topic,
			Content:   f.Statement,
			Relevance: f.Confidence,
		})
	}
	return blocks
}

// Pack keeps blocks in order until the budget is spent. Blocks that do not
// fit are skipped so a smaller later block can still be included.
func Pack(blocks []ContextBlock, budget ContextBudget) []ContextBlock {
	if budget.MaxTokens == 0 {
		budget = DefaultContextBudget()
	}
	var out []ContextBlock
	used := 0
	for _, b := range blocks {
		if len(out) >= budget.MaxBlocks {
			break
		}
		est := estimateTokens(b.Content)
		if used+est > budget.MaxTokens {
			continue
		}
		b.TokenEstimate = est
		out = append(out, b)
		used += est
	}
	return out
}

// FormatContextPrompt renders memory blocks as a prompt section.
func FormatContextPrompt(title string, blocks []ContextBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", title)
	for _, block := range blocks {
		fmt.Fprintf(&b, "- %s (relevance: %.2f): %s\n", block.Source, block.Relevance, block.Content)
	}
	return b.String()
}

// FormatWorking renders working memory entries oldest first.
func FormatWorking(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Recent Cycles]\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- #%d %s [%s]", e.Cycle, e.Action, e.Outcome)
		if e.Detail != "" {
			fmt.Fprintf(&b, ": %s", truncate(e.Detail, 200))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
