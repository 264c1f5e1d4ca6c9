// Package post owns the publication state machine for produced content.
// The store persists statuses as opaque strings; every mutation path goes
// through CanTransition so no record ever takes an edge outside the graph.
package post

import (
	"fmt"

	"instapilot/pkg/apperr"
)

// Status is the closed set of publication states.
type Status string

const (
	// StatusDraft is produced content that was never handed to the platform.
	StatusDraft Status = "draft"
	// StatusGenerated is content produced by a scheduled run, awaiting publish.
	StatusGenerated Status = "generated"
	// StatusPublishedActive is confirmed live on the platform.
	StatusPublishedActive Status = "published_active"
	// StatusPublishError is a failed publish attempt; retryable.
	StatusPublishError Status = "publish_error"
	// StatusPublishedDeleted was live once and is now gone remotely. Terminal.
	StatusPublishedDeleted Status = "published_deleted"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{
	StatusDraft,
	StatusGenerated,
	StatusPublishedActive,
	StatusPublishError,
	StatusPublishedDeleted,
}

// transitions is the full edge set. publish_error -> publish_error is the
// attempts++ self-edge for a retry that failed again.
var transitions = map[Status]map[Status]bool{
	StatusDraft: {
		StatusGenerated:       true,
		StatusPublishedActive: true,
	},
	StatusGenerated: {
		StatusPublishedActive: true,
		StatusPublishError:    true,
	},
	StatusPublishError: {
		StatusPublishedActive: true,
		StatusPublishError:    true,
	},
	StatusPublishedActive: {
		StatusPublishedDeleted: true,
	},
	StatusPublishedDeleted: {},
}

// ParseStatus maps a stored string onto the closed set.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", apperr.ValidationError(fmt.Sprintf("unknown post status %q", s))
	}
	return st, nil
}

// Valid reports whether s is a member of the closed set.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// CheckTransition returns a ConflictError for illegal edges.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return apperr.ConflictError(fmt.Sprintf("post transition %s -> %s is not allowed", from, to))
	}
	return nil
}

// RemotelyVisible reports whether the platform is authoritative for this
// status; such records are reconciled against remote truth.
func (s Status) RemotelyVisible() bool {
	switch s {
	case StatusPublishedActive, StatusPublishedDeleted, StatusPublishError:
		return true
	case StatusDraft, StatusGenerated:
		return false
	}
	return false
}

// Retryable reports whether a manual retry-publish may target this status.
func (s Status) Retryable() bool {
	return s == StatusGenerated || s == StatusPublishError
}

// Terminal reports whether no edge leaves this status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
