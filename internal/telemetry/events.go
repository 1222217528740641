package telemetry

// Event names
const (
	EventEnrichmentCompleted  = "enrichment_completed"
	EventEnrichmentFailed     = "enrichment_failed"
	EventSearchQuery          = "search_query"
	EventClarificationApplied = "clarification_applied"
)
