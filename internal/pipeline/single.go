package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// StageLogEntry is one line of a single-paper run log.
type StageLogEntry struct {
	Stage   domain.StageName       `json:"stage"`
	Message string                 `json:"message"`
	Success *bool                  `json:"success"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SingleResult reports a ProcessSingle run.
type SingleResult struct {
	PaperID       string             `json:"paper_id"`
	StartedState  domain.PaperState  `json:"started_state"`
	FinishedState domain.PaperState  `json:"finished_state"`
	StagesRun     []domain.StageName `json:"stages_run"`
	Success       bool               `json:"success"`
	Logs          []StageLogEntry    `json:"logs"`
}

// ProcessSingle advances one paper stage by stage until a stage fails, the
// citations stage has run, or no stage applies to its state.
func (p *Processor) ProcessSingle(ctx context.Context, paperID string) (*SingleResult, error) {
	record, err := p.repo.GetByID(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("loading paper %s: %w", paperID, err)
	}

	result := &SingleResult{
		PaperID:      record.ID,
		StartedState: record.State,
		StagesRun:    []domain.StageName{},
		Logs:         []StageLogEntry{},
	}
	success := false

	for {
		stage := StageForState(record.State)
		if stage == "" {
			if len(result.StagesRun) == 0 {
				no := false
				result.Logs = append(result.Logs, StageLogEntry{
					Stage:   domain.StageNoop,
					Message: "Paper is not in a processable state",
					Success: &no,
					Details: map[string]interface{}{"state": record.State},
				})
			}
			break
		}

		result.StagesRun = append(result.StagesRun, stage)
		result.Logs = append(result.Logs, StageLogEntry{
			Stage:   stage,
			Message: "Starting stage",
			Details: map[string]interface{}{"state": record.State, "level": record.Level},
		})

		outcome := p.Run(ctx, record, stage)
		ok := outcome.Success
		result.Logs = append(result.Logs, StageLogEntry{
			Stage:   stage,
			Message: outcome.Message,
			Success: &ok,
			Details: outcome.Metadata,
		})
		success = outcome.Success

		if record, err = p.repo.GetByID(ctx, paperID); err != nil {
			return nil, fmt.Errorf("reloading paper %s: %w", paperID, err)
		}
		if !success || stage == domain.StageCitations {
			break
		}
	}

	result.FinishedState = record.State
	result.Success = success && len(result.StagesRun) > 0
	return result, nil
}
