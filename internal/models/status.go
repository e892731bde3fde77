package models

import (
	apperrors "github.com/hubot-paas/orchestrator/pkg/errors"
)

// Status is the lifecycle state shared by addons and releases.
type Status string

const (
	StatusBuilding  Status = "Building"
	StatusStaging   Status = "Staging"
	StatusRunning   Status = "Running"
	StatusRestoring Status = "Restoring"
	StatusResetting Status = "Resetting"
	StatusSuspend   Status = "Suspend"
	StatusFailed    Status = "Failed"
	StatusFinished  Status = "Finished"
)

// transitions lists the allowed targets per source state. Self transitions are
// always allowed and not listed.
var transitions = map[Status][]Status{
	StatusBuilding:  {StatusStaging, StatusFailed},
	StatusStaging:   {StatusRunning, StatusSuspend, StatusFailed, StatusFinished},
	StatusRunning:   {StatusStaging, StatusRestoring, StatusResetting, StatusSuspend, StatusFailed, StatusFinished},
	StatusRestoring: {StatusRunning, StatusFailed},
	StatusResetting: {StatusStaging, StatusFailed},
	StatusSuspend:   {StatusStaging, StatusRunning, StatusRestoring, StatusResetting, StatusFailed, StatusFinished},
	// Failed and Finished end an operation, not the resource.
	StatusFailed:   {StatusStaging, StatusRunning, StatusRestoring, StatusResetting, StatusSuspend, StatusFinished},
	StatusFinished: {StatusStaging},
}

// ParseStatus maps a scheduler or user supplied string onto a Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := transitions[st]
	return st, ok
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s ends the current operation.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusFinished
}

// Busy reports whether an operation owning the resource is still in flight.
func (s Status) Busy() bool {
	switch s {
	case StatusRestoring, StatusResetting:
		return true
	}
	return false
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns a conflict error when it is
// not allowed.
func Transition(from, to Status) error {
	if !to.Valid() {
		return apperrors.Newf(apperrors.CodeInvalid, "unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return apperrors.Newf(apperrors.CodeConflict, "status %s cannot move to %s", from, to).
			WithMeta("from", string(from)).
			WithMeta("to", string(to))
	}
	return nil
}
