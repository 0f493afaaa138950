package models

import (
	"time"

	"github.com/google/uuid"
)

// TableReport is the per-table entry of a run summary.
type TableReport struct {
	Table      string              `json:"table"`
	State      TableState          `json:"state"`
	Steps      []StepResult        `json:"steps"`
	Findings   []ValidationFinding `json:"findings,omitempty"`
	TotalCount int                 `json:"total_violations"`
	Warnings   []string            `json:"warnings,omitempty"`
	Failure    string              `json:"failure,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// RunSummary covers every table of one pipeline run.
type RunSummary struct {
	RunID      uuid.UUID     `json:"run_id"`
	Dialect    string        `json:"dialect"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Tables     []TableReport `json:"tables"`
	PostSteps  []StepResult  `json:"post_steps,omitempty"`
}

// Succeeded reports whether every table reached LOADED.
func (s *RunSummary) Succeeded() bool {
	for _, t := range s.Tables {
		if t.State != TableStateLoaded {
			return false
		}
	}
	return true
}

// CountByState tallies table states.
func (s *RunSummary) CountByState() map[TableState]int {
	counts := make(map[TableState]int)
	for _, t := range s.Tables {
		counts[t.State]++
	}
	return counts
}
