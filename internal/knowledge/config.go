// Package knowledge provides hybrid keyword + semantic search over notes.
// Search tuning parameters are centralized here.
package knowledge

const (
	// DefaultRRFK dampens the influence of exact rank position in
	// Reciprocal Rank Fusion. Larger values flatten the curve.
	DefaultRRFK = 60

	// DefaultLimit is the number of hits returned when a request omits one.
	DefaultLimit = 10

	// MaxLimit caps a single search response.
	MaxLimit = 200

	// VectorScoreThreshold is the default floor on cosine similarity for
	// semantic candidates. WithVectorThreshold overrides it; 0 disables it.
	VectorScoreThreshold = 0.25
)
