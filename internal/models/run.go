package models

import (
	"time"

	"gorm.io/gorm"
)

// CompositionRun is the persisted record of one orchestration request.
// Created when the coordinator starts and finalised when it completes, so
// dashboards can track success rates and durations without parsing streams.
type CompositionRun struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TraceID        string `gorm:"uniqueIndex;not null" json:"trace_id"`
	Model          string `json:"model"`
	Genre          string `json:"genre"`
	Tempo          int    `json:"tempo"`
	Key            string `json:"key"`
	Status         string `gorm:"default:'running';index" json:"status"` // "running", "completed", "failed"
	Success        bool   `json:"success"`
	TracksCreated  int    `json:"tracks_created"`
	RegionsCreated int    `json:"regions_created"`
	NotesGenerated int    `json:"notes_generated"`
	EffectsAdded   int    `json:"effects_added"`
	ToolCalls      int    `json:"tool_calls"`
	StateVersion   int64  `json:"state_version"`
	DurationMs     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// RunEvent is one per-instrument outcome row attached to a CompositionRun,
// kept for postmortems on partially failed compositions.
type RunEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CompositionRunID uint           `gorm:"not null;index" json:"composition_run_id"`
	CompositionRun   CompositionRun `gorm:"foreignKey:CompositionRunID" json:"-"`
	AgentID          string         `gorm:"not null" json:"agent_id"`
	Role             string         `json:"role"`
	Success          bool           `json:"success"`
	SectionsExpected int            `json:"sections_expected"`
	SectionsDone     int            `json:"sections_done"`
	NotesGenerated   int            `json:"notes_generated"`
	Error            string         `json:"error,omitempty"`
}
