package memory

import (
	"math"
	"sort"
	"strings"
)

// keywordSimilarity computes overlap between keywords and a text.
// Uses a combination of exact match ratio and TF-like weighting.
func keywordSimilarity(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	target := strings.ToLower(text)
	targetWords := tokenize(target)
	targetSet := make(map[string]bool, len(targetWords))
	for _, w := range targetWords {
		targetSet[w] = true
	}

	var matched int
	var weightedScore float64
	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		if targetSet[kwLower] {
			matched++
			weightedScore += 1.0
		} else if strings.Contains(target, kwLower) {
			matched++
			weightedScore += 0.7 // partial substring match
		}
	}

	if matched == 0 {
		return 0
	}

	// Jaccard-inspired: overlap / union
	overlap := float64(matched)
	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := overlap / math.Max(union, 1)

	coverage := weightedScore / float64(len(keywords))

	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 { // skip single chars
			result = append(result, w)
		}
	}
	return result
}

// Keywords extracts up to max distinct, non-stopword keywords from text in
// order of first appearance.
func Keywords(text string, max int) []string {
	seen := make(map[string]bool)
	var result []string
	for _, w := range tokenize(text) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		result = append(result, w)
		if max > 0 && len(result) >= max {
			break
		}
	}
	return result
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true,
	"but": true, "not": true, "you": true, "all": true,
	"can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "has": true,
	"have": true, "been": true, "this": true, "that": true,
	"with": true, "from": true, "they": true, "will": true,
	"what": true, "when": true, "make": true, "like": true,
	"just": true, "into": true, "than": true, "them": true,
	"some": true, "could": true, "would": true, "there": true,
	"should": true, "about": true, "which": true, "their": true,
}

// normalize folds case and whitespace so equal statements compare equal.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// cosine returns the cosine similarity of a and b, or 0 for mismatched or
// zero-length vectors.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// sortScored sorts by score descending, newest first on ties.
func sortScored(results []Scored) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Episode.RecordedAt.After(results[j].Episode.RecordedAt)
	})
}
