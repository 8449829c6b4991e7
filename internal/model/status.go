package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusSuperseded Status = "superseded"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
	StatusIdle       Status = "idle"
	StatusAssigned   Status = "assigned"
)

var commandTransitions = map[Status][]Status{
	StatusPending: {StatusSuperseded, StatusDone, StatusFailed},
}

// ValidateCommandTransition reports whether a command log entry may move
// from one status to another. Terminal statuses never change.
func ValidateCommandTransition(from, to Status) error {
	for _, s := range commandTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid command status transition: %s -> %s", from, to)
}

// IsTerminal reports whether a report status ends a task.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusError, StatusSuperseded:
		return true
	}
	return false
}
