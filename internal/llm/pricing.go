package llm

// CalculateCost returns the USD cost of a chat call. Unknown models cost 0.
func CalculateCost(modelID string, inputTokens, outputTokens int) float64 {
	m := GetModel(modelID)
	if m == nil {
		return 0
	}
	inputCost := float64(inputTokens) / 1_000_000 * m.InputPer1M
	outputCost := float64(outputTokens) / 1_000_000 * m.OutputPer1M
	return inputCost + outputCost
}

// CalculateEmbeddingCost returns the USD cost of embedding inputTokens tokens.
func CalculateEmbeddingCost(modelID string, inputTokens int) float64 {
	m := GetEmbeddingModel(modelID)
	if m == nil {
		return 0
	}
	return float64(inputTokens) / 1_000_000 * m.PricePer1M
}
