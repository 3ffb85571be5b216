package engine

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/corvidae/knograph/pkg/types"
)

// CodeReference is a code identifier or file-path mention extracted from
// memory content, with a fixed confidence per extraction rule.
type CodeReference struct {
	Name       string
	Confidence float64
	Reason     string

	// Method distinguishes identifier mentions from path mentions so the
	// resulting edges carry the right detection method.
	Method types.DetectionMethod
}

// minReferenceConfidence filters extracted references before entity lookup.
const minReferenceConfidence = 0.7

// Extraction rule confidences.
const (
	explicitReferenceConfidence = 0.9
	pathReferenceConfidence     = 0.95
)

var (
	// declPattern matches declaration-style mentions: "class Foo",
	// "function handleAuth", "service PaymentGateway".
	declPattern = regexp.MustCompile(`(?i)\b(?:class|interface|function|method|component|service|controller|module)\s+(\w+)`)

	// suffixPattern matches names with conventional code-entity suffixes.
	suffixPattern = regexp.MustCompile(`\b(\w+(?:Service|Controller|Component|Module|Handler|Manager|Provider))\b`)

	// backtickPattern matches inline code spans.
	backtickPattern = regexp.MustCompile("`(\\w+)`")

	// filePathPattern matches source-tree file paths.
	filePathPattern = regexp.MustCompile(`\b(?:src|lib|pkg|internal|cmd|components)/[\w/.-]*\.(?:go|ts|tsx|js|jsx|py|rs|java|rb)\b`)
)

// commonWords are generic nouns that match the identifier patterns but never
// name a specific code entity.
var commonWords = map[string]bool{
	"The": true, "This": true, "That": true, "These": true, "Those": true,
	"Component": true, "Service": true, "Module": true, "Function": true,
	"Error": true, "Exception": true, "Result": true, "Response": true,
}

// ExtractCodeReferences pulls candidate code mentions from free text.
// Results are deduplicated by name (highest confidence wins) and sorted by
// confidence descending so callers can stop at the threshold.
func ExtractCodeReferences(content string) []CodeReference {
	byName := make(map[string]CodeReference)

	add := func(ref CodeReference) {
		if len(ref.Name) <= 2 || commonWords[ref.Name] {
			return
		}
		if existing, ok := byName[ref.Name]; ok && existing.Confidence >= ref.Confidence {
			return
		}
		byName[ref.Name] = ref
	}

	for _, pattern := range []*regexp.Regexp{declPattern, suffixPattern, backtickPattern} {
		for _, match := range pattern.FindAllStringSubmatch(content, -1) {
			add(CodeReference{
				Name:       match[1],
				Confidence: explicitReferenceConfidence,
				Reason:     "explicit code reference",
				Method:     types.DetectionKeyword,
			})
		}
	}

	for _, filePath := range filePathPattern.FindAllString(content, -1) {
		base := path.Base(filePath)
		name := strings.TrimSuffix(base, path.Ext(base))
		add(CodeReference{
			Name:       name,
			Confidence: pathReferenceConfidence,
			Reason:     "file path reference",
			Method:     types.DetectionPath,
		})
	}

	refs := make([]CodeReference, 0, len(byName))
	for _, ref := range byName {
		refs = append(refs, ref)
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Confidence != refs[j].Confidence {
			return refs[i].Confidence > refs[j].Confidence
		}
		return refs[i].Name < refs[j].Name
	})

	return refs
}
