// Package recommend turns customer data-growth figures into advisory
// processing jobs. It has no side effects.
package recommend

import (
	"fmt"
	"sort"
	"time"

	"github.com/0711-os/orchestrator/internal/model"
)

// Job types proposed by Recommend.
const (
	JobEmbeddingGeneration  = "embedding_generation"
	JobVisionProcessing     = "vision_processing"
	JobKnowledgeGraphUpdate = "knowledge_graph_update"
	JobModelRetraining      = "model_retraining"
)

// Thresholds below which a category yields no recommendation.
const (
	MinEmbeddingBacklog   = 100
	MinVisionBacklog      = 50
	MinNewEntities        = 200
	MinEntityGrowthRatio  = 0.10
	MinEntitiesForRatio   = 20
	MinTrainingSamples    = 1000
	MinDaysSinceTraining  = 7
	LargeTrainingSamples  = 10000
	LargeEmbeddingBacklog = 1000
	MidEmbeddingBacklog   = 500
	LargeVisionBacklog    = 500
)

// Per-item cost (EUR) and duration estimates.
const (
	embeddingCostPerDoc     = 0.0004
	embeddingTimePerDoc     = 200 * time.Millisecond
	visionCostPerItem       = 0.012
	visionTimePerItem       = 3 * time.Second
	graphCostPerEntity      = 0.0008
	graphTimePerEntity      = 150 * time.Millisecond
	retrainingCostPerSample = 0.002
	retrainingTimePerSample = 500 * time.Millisecond
)

// CustomerStats is the customer's accumulated data footprint.
type CustomerStats struct {
	CustomerID     string    `json:"customer_id"`
	TotalDocuments int       `json:"total_documents"`
	TotalEntities  int       `json:"total_entities"`
	LastTrainingAt time.Time `json:"last_training_at"`
}

// ObservedChanges is what arrived since the last evaluation.
type ObservedChanges struct {
	NewDocuments       int       `json:"new_documents"`
	EmbeddedDocuments  int       `json:"embedded_documents"`
	NewImages          int       `json:"new_images"`
	NewPDFs            int       `json:"new_pdfs"`
	NewEntities        int       `json:"new_entities"`
	NewTrainingSamples int       `json:"new_training_samples"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Recommend evaluates every category independently and returns the
// resulting jobs ordered by descending priority. Equal priorities keep
// the order in which categories are evaluated.
func Recommend(stats CustomerStats, changes ObservedChanges) []model.Recommendation {
	var recs []model.Recommendation
	for _, rule := range []func(CustomerStats, ObservedChanges) (model.Recommendation, bool){
		embeddings, vision, knowledgeGraph, retraining,
	} {
		if r, ok := rule(stats, changes); ok {
			recs = append(recs, r)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority > recs[j].Priority
	})
	return recs
}

func embeddings(_ CustomerStats, c ObservedChanges) (model.Recommendation, bool) {
	backlog := c.NewDocuments - c.EmbeddedDocuments
	if backlog < MinEmbeddingBacklog {
		return model.Recommendation{}, false
	}
	priority := 3
	switch {
	case backlog >= LargeEmbeddingBacklog:
		priority = 5
	case backlog >= MidEmbeddingBacklog:
		priority = 4
	}
	return build(model.CategoryEmbeddings, JobEmbeddingGeneration, priority, backlog,
		embeddingCostPerDoc, embeddingTimePerDoc,
		fmt.Sprintf("%d new documents have no embeddings yet", backlog)), true
}

func vision(_ CustomerStats, c ObservedChanges) (model.Recommendation, bool) {
	backlog := c.NewImages + c.NewPDFs
	if backlog < MinVisionBacklog {
		return model.Recommendation{}, false
	}
	priority := 4
	if backlog >= LargeVisionBacklog {
		priority = 5
	}
	return build(model.CategoryVision, JobVisionProcessing, priority, backlog,
		visionCostPerItem, visionTimePerItem,
		fmt.Sprintf("%d new images and %d new PDFs await OCR and vision processing", c.NewImages, c.NewPDFs)), true
}

func knowledgeGraph(s CustomerStats, c ObservedChanges) (model.Recommendation, bool) {
	if c.NewEntities <= 0 {
		return model.Recommendation{}, false
	}
	var ratio float64
	if s.TotalEntities > 0 {
		ratio = float64(c.NewEntities) / float64(s.TotalEntities)
	}
	byCount := c.NewEntities >= MinNewEntities
	byRatio := s.TotalEntities > 0 && ratio >= MinEntityGrowthRatio && c.NewEntities >= MinEntitiesForRatio
	if !byCount && !byRatio {
		return model.Recommendation{}, false
	}
	rationale := fmt.Sprintf("%d new entities extracted", c.NewEntities)
	if s.TotalEntities > 0 {
		rationale += fmt.Sprintf(" (%.0f%% growth)", ratio*100)
	}
	return build(model.CategoryKnowledgeGraph, JobKnowledgeGraphUpdate, 3, c.NewEntities,
		graphCostPerEntity, graphTimePerEntity, rationale), true
}

func retraining(s CustomerStats, c ObservedChanges) (model.Recommendation, bool) {
	if c.NewTrainingSamples < MinTrainingSamples {
		return model.Recommendation{}, false
	}
	rationale := fmt.Sprintf("%d new training samples", c.NewTrainingSamples)
	if !s.LastTrainingAt.IsZero() {
		now := c.ObservedAt
		if now.IsZero() {
			now = time.Now()
		}
		days := int(now.Sub(s.LastTrainingAt).Hours() / 24)
		if days < MinDaysSinceTraining {
			return model.Recommendation{}, false
		}
		rationale += fmt.Sprintf(", last training %d days ago", days)
	} else {
		rationale += ", never trained"
	}
	priority := 2
	if c.NewTrainingSamples >= LargeTrainingSamples {
		priority = 3
	}
	return build(model.CategoryRetraining, JobModelRetraining, priority, c.NewTrainingSamples,
		retrainingCostPerSample, retrainingTimePerSample, rationale), true
}

func build(category, job string, priority, items int, costPerItem float64, timePerItem time.Duration, rationale string) model.Recommendation {
	return model.Recommendation{
		Category:          category,
		JobType:           job,
		Priority:          priority,
		Items:             items,
		EstimatedCostEUR:  float64(items) * costPerItem,
		EstimatedDuration: time.Duration(items) * timePerItem,
		Rationale:         rationale,
	}
}
