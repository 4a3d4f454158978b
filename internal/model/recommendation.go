package model

import "time"

// Recommendation categories.
const (
	CategoryEmbeddings     = "embeddings"
	CategoryVision         = "vision"
	CategoryKnowledgeGraph = "knowledge_graph"
	CategoryRetraining     = "retraining"
)

// Recommendation proposes a follow-on processing job for a customer.
type Recommendation struct {
	Category          string        `json:"category"`
	JobType           string        `json:"job_type"`
	Priority          int           `json:"priority"`
	Items             int           `json:"items"`
	EstimatedCostEUR  float64       `json:"estimated_cost_eur"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Rationale         string        `json:"rationale"`
}
