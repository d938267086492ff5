package domain

// QualityDecision is the outcome of the quality gate for one run.
type QualityDecision struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}
