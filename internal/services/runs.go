package services

import (
	"log"

	"gorm.io/gorm"

	"github.com/Conceptual-Machines/maestro-api/internal/agents/coordination"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// RunService persists composition runs for dashboards and postmortems.
// A nil database disables persistence entirely, so local runs and tests
// need no Postgres.
type RunService struct {
	db *gorm.DB
}

func NewRunService(db *gorm.DB) *RunService {
	return &RunService{db: db}
}

// StartRun inserts the initial "running" row before the coordinator starts.
// Returns nil when persistence is disabled or the insert fails; persistence
// problems never block a composition.
func (s *RunService) StartRun(traceID, model string, parsed models.ParsedPrompt) *models.CompositionRun {
	if s == nil || s.db == nil {
		return nil
	}

	run := &models.CompositionRun{
		TraceID: traceID,
		Model:   model,
		Genre:   parsed.StyleOrGenre(),
		Tempo:   parsed.Tempo,
		Key:     parsed.Key,
		Status:  "running",
	}
	if err := s.db.Create(run).Error; err != nil {
		log.Printf("⚠️  RunService: failed to create run row for trace %s: %v", traceID, err)
		return nil
	}
	return run
}

// FinishRun finalises the row with the coordinator's result and attaches one
// RunEvent per instrument agent.
func (s *RunService) FinishRun(run *models.CompositionRun, res *coordination.Result) {
	if s == nil || s.db == nil || run == nil || res == nil {
		return
	}

	run.Status = "completed"
	if !res.Success {
		run.Status = "failed"
	}
	run.Success = res.Success
	run.TracksCreated = res.TracksCreated
	run.RegionsCreated = res.RegionsCreated
	run.NotesGenerated = res.NotesGenerated
	run.EffectsAdded = res.EffectsAdded
	run.ToolCalls = res.ToolCalls
	run.StateVersion = res.StateVersion
	run.DurationMs = res.DurationMs
	run.Error = res.Error

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(run).Error; err != nil {
			return err
		}
		for _, agent := range res.Agents {
			event := models.RunEvent{
				CompositionRunID: run.ID,
				AgentID:          agent.AgentID,
				Role:             agent.Role,
				Success:          agent.Success,
				SectionsExpected: agent.ExpectedSections,
				SectionsDone:     agent.GeneratesCompleted,
				NotesGenerated:   agent.NotesGenerated,
				Error:            agent.Error,
			}
			if err := tx.Create(&event).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("⚠️  RunService: failed to finalise run %s: %v", run.TraceID, err)
	}
}
