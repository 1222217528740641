package knowledge

import (
	"math"
	"sort"

	"github.com/josephgoksu/NoteWing/internal/memory"
)

// MatchType says which rankings contributed a hit.
type MatchType string

const (
	MatchKeyword  MatchType = "keyword"
	MatchSemantic MatchType = "semantic"
	MatchBoth     MatchType = "both"
)

// Hit is one fused search result. Ranks are 1-based; zero means the note was
// absent from that ranking.
type Hit struct {
	Note         memory.NoteSummary `json:"note"`
	Score        float64            `json:"score"`
	MatchType    MatchType          `json:"matchType"`
	KeywordRank  int                `json:"keywordRank,omitempty"`
	SemanticRank int                `json:"semanticRank,omitempty"`
}

// FuseRRF merges two best-first rankings with Reciprocal Rank Fusion:
// score = Σ 1/(k + rank) over the rankings a note appears in. The result is
// sorted by score, then most recently updated, then id. It is not truncated;
// callers cut to their limit after fusion.
func FuseRRF(keyword, semantic []memory.NoteSummary, k int) []Hit {
	if k <= 0 {
		k = DefaultRRFK
	}

	hits := make(map[string]*Hit, len(keyword)+len(semantic))
	order := make([]string, 0, len(keyword)+len(semantic))
	add := func(n memory.NoteSummary, rank int, semantic bool) {
		h, ok := hits[n.ID]
		if !ok {
			h = &Hit{Note: n}
			hits[n.ID] = h
			order = append(order, n.ID)
		}
		// A ranking lists each note at most once; keep the first position.
		if semantic && h.SemanticRank == 0 {
			h.SemanticRank = rank
			h.Score += 1.0 / float64(k+rank)
		}
		if !semantic && h.KeywordRank == 0 {
			h.KeywordRank = rank
			h.Score += 1.0 / float64(k+rank)
		}
	}
	for i, n := range keyword {
		add(n, i+1, false)
	}
	for i, n := range semantic {
		add(n, i+1, true)
	}

	out := make([]Hit, 0, len(order))
	for _, id := range order {
		h := hits[id]
		switch {
		case h.KeywordRank > 0 && h.SemanticRank > 0:
			h.MatchType = MatchBoth
		case h.SemanticRank > 0:
			h.MatchType = MatchSemantic
		default:
			h.MatchType = MatchKeyword
		}
		out = append(out, *h)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Note.UpdatedAt.Equal(out[j].Note.UpdatedAt) {
			return out[i].Note.UpdatedAt.After(out[j].Note.UpdatedAt)
		}
		return out[i].Note.ID < out[j].Note.ID
	})
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
