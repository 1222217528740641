// Token estimation utilities for providers that do not report usage.
package llm

// EstimateTokens approximates the token count of text at ~4 characters per token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
