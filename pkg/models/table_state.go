package models

import "fmt"

// TableState is the pipeline state of one CDM table.
type TableState string

const (
	TableStatePending          TableState = "PENDING"
	TableStateStaged           TableState = "STAGED"
	TableStateValidated        TableState = "VALIDATED"
	TableStateLoaded           TableState = "LOADED"
	TableStateValidationFailed TableState = "VALIDATION_FAILED"
	TableStateFailed           TableState = "FAILED"
	TableStateAborted          TableState = "ABORTED"
)

// ValidTableStates contains all table states.
var ValidTableStates = []TableState{
	TableStatePending,
	TableStateStaged,
	TableStateValidated,
	TableStateLoaded,
	TableStateValidationFailed,
	TableStateFailed,
	TableStateAborted,
}

var tableTransitions = map[TableState][]TableState{
	TableStatePending:   {TableStateStaged, TableStateFailed, TableStateAborted},
	TableStateStaged:    {TableStateValidated, TableStateValidationFailed, TableStateFailed, TableStateAborted},
	TableStateValidated: {TableStateLoaded, TableStateFailed, TableStateAborted},
}

// IsTerminal returns true once no further transition is possible.
func (s TableState) IsTerminal() bool {
	return len(tableTransitions[s]) == 0
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TableState) CanTransitionTo(next TableState) bool {
	for _, t := range tableTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition returns next or an error when the move is illegal.
func (s TableState) Transition(next TableState) (TableState, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("illegal table state transition %s -> %s", s, next)
	}
	return next, nil
}
