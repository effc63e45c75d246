package memory

import (
	"sort"
	"strings"
)

// MatchThresholds controls when an incoming fact updates an existing one
// instead of creating a new fact.
type MatchThresholds struct {
	// Assimilate is the statement similarity at or above which two facts
	// with overlapping provenance are the same fact even under different
	// topics.
	Assimilate float64
}

// DefaultMatchThresholds returns the stock thresholds.
func DefaultMatchThresholds() MatchThresholds {
	return MatchThresholds{Assimilate: 0.8}
}

// MatchResult represents how well an incoming fact matches a stored one.
type MatchResult struct {
	Fact   *Fact
	Score  float64
	Method string // "topic", "statement"
}

// topicOf returns the normalised topic of f, deriving one from the
// statement's keywords when none was given.
func topicOf(f Fact) string {
	if t := normalize(f.Topic); t != "" {
		return t
	}
	kws := Keywords(f.Statement, 3)
	return strings.Join(kws, "_")
}

func overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}

// matchFact scores in against one stored fact. A match needs the same
// topic or a near-identical statement, and either overlapping source
// episodes or an equal statement.
func matchFact(in Fact, topic string, stored *Fact, th MatchThresholds) (MatchResult, bool) {
	sameStatement := normalize(in.Statement) == normalize(stored.Statement)
	shared := overlaps(in.Provenance.EpisodeIDs, stored.Provenance.EpisodeIDs)

	if topic == stored.Topic && (shared || sameStatement) {
		return MatchResult{Fact: stored, Score: 1, Method: "topic"}, true
	}
	if !shared && !sameStatement {
		return MatchResult{}, false
	}
	score := keywordSimilarity(Keywords(in.Statement, 0), stored.Statement)
	if sameStatement {
		score = 1
	}
	if score >= th.Assimilate {
		return MatchResult{Fact: stored, Score: score, Method: "statement"}, true
	}
	return MatchResult{}, false
}

// sortMatchResults sorts by score descending, topic matches first.
func sortMatchResults(results []MatchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Method == "topic" && results[j].Method != "topic"
	})
}
