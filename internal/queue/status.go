package queue

import (
	"fmt"

	"instapilot/pkg/apperr"
)

// Status is the closed set of queue entry states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusSkipped    Status = "skipped"
)

// transitions is the entry lifecycle graph: an entry is claimed
// (pending->processing) or skipped, and a claimed entry always terminates
// in completed or error.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusSkipped: true},
	StatusProcessing: {StatusCompleted: true, StatusError: true},
	StatusCompleted:  {},
	StatusError:      {},
	StatusSkipped:    {},
}

// ParseStatus maps a stored string onto the closed set.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", apperr.ValidationError(fmt.Sprintf("unknown queue status %q", s))
	}
	return st, nil
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Terminal reports whether no edge leaves this status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
