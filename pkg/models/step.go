package models

import "time"

// StepStatus is the outcome of one executed statement.
type StepStatus string

const (
	StepStatusSuccess    StepStatus = "success"
	StepStatusFailure    StepStatus = "failure"
	StepStatusRolledBack StepStatus = "rolled_back"
)

// Phase names the ETL phase a statement belongs to.
type Phase string

const (
	PhaseStage    Phase = "stage"
	PhaseMap      Phase = "map"
	PhaseValidate Phase = "validate"
	PhaseLoad     Phase = "load"
	PhaseCleanup  Phase = "cleanup"
	PhasePost     Phase = "post"
	PhaseSource   Phase = "source"
)

// StepResult is the attributable outcome of one statement.
type StepResult struct {
	Index        int           `json:"index"`
	Phase        Phase         `json:"phase"`
	Template     string        `json:"template"`
	Table        string        `json:"table"`
	Target       string        `json:"target,omitempty"`
	Dialect      string        `json:"dialect"`
	Identity     string        `json:"identity"`
	Status       StepStatus    `json:"status"`
	RowsAffected int64         `json:"rows_affected"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
	Err          error         `json:"-"`
}

// Succeeded reports whether the statement completed.
func (r StepResult) Succeeded() bool {
	return r.Status == StepStatusSuccess
}
