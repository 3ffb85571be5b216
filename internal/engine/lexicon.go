// Package engine implements the knowledge-graph derivation pipeline:
// summary derivation, relationship inference, pattern aggregation, and the
// ingestion coordinator that drives them from the work queue.
package engine

import (
	"math"
	"regexp"
	"strings"

	"github.com/corvidae/knograph/pkg/types"
)

// keywordCategory is one lexicon bucket: a canonical key plus the term
// alternates counted into it.
type keywordCategory struct {
	key     string
	pattern *regexp.Regexp
}

// keywordLexicon maps development-activity vocabulary into canonical
// categories. Counts are per occurrence, so "error ... error" scores 2 under
// "error". A term can feed more than one category ("optimize" counts toward
// both improve and performance).
var keywordLexicon = []keywordCategory{
	{"error", regexp.MustCompile(`(?i)\b(error|exception|fail|crash|bug)\b`)},
	{"debug", regexp.MustCompile(`(?i)\b(debug|trace|log|console)\b`)},
	{"fix", regexp.MustCompile(`(?i)\b(fix|patch|resolve|solve)\b`)},
	{"issue", regexp.MustCompile(`(?i)\b(issue|problem|trouble|wrong)\b`)},
	{"learn", regexp.MustCompile(`(?i)\b(learn|study|understand|research)\b`)},
	{"implement", regexp.MustCompile(`(?i)\b(implement|build|create|develop)\b`)},
	{"understand", regexp.MustCompile(`(?i)\b(understand|comprehend|grasp)\b`)},
	{"architecture", regexp.MustCompile(`(?i)\b(architecture|structure|design)\b`)},
	{"pattern", regexp.MustCompile(`(?i)\b(pattern|paradigm|approach)\b`)},
	{"system", regexp.MustCompile(`(?i)\b(system|infrastructure|framework)\b`)},
	{"component", regexp.MustCompile(`(?i)\b(component|module|service)\b`)},
	{"refactor", regexp.MustCompile(`(?i)\b(refactor|restructure|reorganize)\b`)},
	{"improve", regexp.MustCompile(`(?i)\b(improve|enhance|optimize)\b`)},
	{"clean", regexp.MustCompile(`(?i)\b(clean|tidy|organize)\b`)},
	{"test", regexp.MustCompile(`(?i)\b(test|testing|spec|unit)\b`)},
	{"deploy", regexp.MustCompile(`(?i)\b(deploy|deployment|production)\b`)},
	{"performance", regexp.MustCompile(`(?i)\b(performance|speed|latency|optimize)\b`)},
	{"security", regexp.MustCompile(`(?i)\b(security|auth|authentication|permission)\b`)},
}

// techTermPattern counts generic technical vocabulary for complexity scoring.
var techTermPattern = regexp.MustCompile(`(?i)\b(api|database|function|class|method|variable|async|promise|query|schema)\b`)

// urgentCategories are the lexicon keys whose counts feed the urgency score.
// Keys absent from a frequency map contribute zero.
var urgentCategories = []string{"error", "bug", "crash", "fail", "fix", "issue"}

// ExtractKeywordFrequencies counts lexicon category occurrences in content.
// Categories with zero hits are omitted from the map.
func ExtractKeywordFrequencies(content string) map[string]int {
	freqs := make(map[string]int)
	for _, cat := range keywordLexicon {
		if n := len(cat.pattern.FindAllStringIndex(content, -1)); n > 0 {
			freqs[cat.key] = n
		}
	}
	return freqs
}

// ComplexityScore grades content density on [0, 1] from length, fenced code
// blocks, and technical term count. Each component saturates independently
// so one very long document cannot dominate the other signals.
func ComplexityScore(content string) float64 {
	lengthScore := math.Min(float64(len(content))/1000.0, 1.0)
	codeBlocks := strings.Count(content, "```") / 2
	codeScore := math.Min(float64(codeBlocks)/10.0, 1.0)
	techTerms := len(techTermPattern.FindAllStringIndex(content, -1))
	techScore := math.Min(float64(techTerms)/20.0, 1.0)

	score := 0.3*lengthScore + 0.3*codeScore + 0.4*techScore
	return math.Min(score, 1.0)
}

// UrgencyScore grades problem pressure on [0, 1] from the urgent category
// counts in an extracted frequency map.
func UrgencyScore(freqs map[string]int) float64 {
	total := 0
	for _, key := range urgentCategories {
		total += freqs[key]
	}
	return math.Min(float64(total)/10.0, 1.0)
}

// DeriveSignals builds the full signal set for one entity's content from its
// extracted keyword frequencies.
func DeriveSignals(content string, freqs map[string]int) types.PatternSignals {
	return types.PatternSignals{
		IsDebugging:     freqs["error"] > 0 || freqs["debug"] > 0 || freqs["fix"] > 0 || freqs["issue"] > 0,
		IsLearning:      freqs["learn"] > 0 || freqs["understand"] > 0,
		IsRefactoring:   freqs["refactor"] > 0 || freqs["improve"] > 0 || freqs["clean"] > 0,
		IsArchitecture:  freqs["architecture"] > 0 || freqs["pattern"] > 0 || freqs["system"] > 0,
		ComplexityScore: ComplexityScore(content),
		UrgencyScore:    UrgencyScore(freqs),
	}
}
