package graph

import (
	"sort"

	"github.com/corvidae/knograph/pkg/types"
)

// RankBySimilarity scores candidate summaries against the query embedding in
// Go and returns the top-K matches. Shared by the backends that cannot run
// the cosine query store-side, so fallback rankings agree with pgvector's:
// descending similarity, with earlier-created summaries winning ties.
func RankBySimilarity(candidates []types.EntitySummary, q SimilarityQuery, topK int) []SummaryMatch {
	if topK <= 0 {
		topK = 5
	}

	var matches []SummaryMatch
	for _, c := range candidates {
		if q.Exclude.ID != "" && c.EntityID == q.Exclude.ID && c.EntityType == q.Exclude.Type {
			continue
		}
		if len(c.Embedding) != len(q.Embedding) {
			continue
		}

		similarity := CosineSimilarity(q.Embedding, c.Embedding)
		if similarity < q.MinSimilarity {
			continue
		}

		matches = append(matches, SummaryMatch{Summary: c, Similarity: similarity})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if !matches[i].Summary.CreatedAt.Equal(matches[j].Summary.CreatedAt) {
			return matches[i].Summary.CreatedAt.Before(matches[j].Summary.CreatedAt)
		}
		return matches[i].Summary.EntityID < matches[j].Summary.EntityID
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}

	return matches
}
