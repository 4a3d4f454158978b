package orchestrator

import (
	"context"
	"fmt"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/notify"
	"github.com/0711-os/orchestrator/internal/platform"
	"github.com/0711-os/orchestrator/internal/recommend"
)

// PipelineWorkflow is the workflow type the processing pipelines register
// under. The pipelines themselves run on their own workers.
const PipelineWorkflow = "ProcessingPipelineWorkflow"

// PipelineTrigger starts a processing pipeline for a recommendation and
// returns an identifier of the run.
type PipelineTrigger interface {
	Trigger(ctx context.Context, customerID string, rec model.Recommendation) (string, error)
}

// PipelineInput is passed to the pipeline workflow.
type PipelineInput struct {
	CustomerID string `json:"customer_id"`
	JobType    string `json:"job_type"`
	Items      int    `json:"items"`
	Priority   int    `json:"priority"`
}

// TemporalTrigger starts pipelines as Temporal workflows. One pipeline of
// each job type runs per customer at a time.
type TemporalTrigger struct {
	client    temporalclient.Client
	taskQueue string
}

func NewTemporalTrigger(c temporalclient.Client, taskQueue string) *TemporalTrigger {
	return &TemporalTrigger{client: c, taskQueue: taskQueue}
}

func (t *TemporalTrigger) Trigger(ctx context.Context, customerID string, rec model.Recommendation) (string, error) {
	run, err := t.client.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("pipeline-%s-%s", customerID, rec.JobType),
		TaskQueue: t.taskQueue,
	}, PipelineWorkflow, PipelineInput{
		CustomerID: customerID,
		JobType:    rec.JobType,
		Items:      rec.Items,
		Priority:   rec.Priority,
	})
	if err != nil {
		return "", fmt.Errorf("start %s pipeline for %s: %w", rec.JobType, customerID, err)
	}
	return run.GetID(), nil
}

// GrowthReport lists the recommendations and which of them were started.
type GrowthReport struct {
	CustomerID      string                 `json:"customer_id"`
	Recommendations []model.Recommendation `json:"recommendations"`
	Triggered       map[string]string      `json:"triggered,omitempty"`
	TriggerErrors   map[string]string      `json:"trigger_errors,omitempty"`
}

// EvaluateGrowth asks the recommender for follow-on jobs and starts those
// at or above the auto-trigger priority.
func (o *Orchestrator) EvaluateGrowth(ctx context.Context, stats recommend.CustomerStats, changes recommend.ObservedChanges) (*GrowthReport, error) {
	if !platform.IsSlug(stats.CustomerID) {
		return nil, model.NewValidationError("customer_id", "must be a lowercase slug")
	}
	report := &GrowthReport{
		CustomerID:      stats.CustomerID,
		Recommendations: recommend.Recommend(stats, changes),
	}
	if o.Trigger == nil || o.AutoTriggerMinPriority <= 0 {
		return report, nil
	}

	for _, rec := range report.Recommendations {
		if rec.Priority < o.AutoTriggerMinPriority {
			continue
		}
		id, err := o.Trigger.Trigger(ctx, stats.CustomerID, rec)
		if err != nil {
			if report.TriggerErrors == nil {
				report.TriggerErrors = map[string]string{}
			}
			report.TriggerErrors[rec.JobType] = err.Error()
			o.logger.Warn().Err(err).Str("customer", stats.CustomerID).Str("job", rec.JobType).Msg("pipeline trigger failed")
			continue
		}
		if report.Triggered == nil {
			report.Triggered = map[string]string{}
		}
		report.Triggered[rec.JobType] = id
		o.Sink.Notify(ctx, notify.NewEvent(notify.EventPipelineTriggered, stats.CustomerID, map[string]any{
			"job_type": rec.JobType,
			"priority": rec.Priority,
			"run_id":   id,
		}))
	}
	return report, nil
}
