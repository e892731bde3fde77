// Package events follows the scheduler's event feed and turns it into
// resource status changes.
package events

import (
	"strings"
	"time"

	"github.com/hubot-paas/orchestrator/internal/models"
)

const (
	TypeStatusUpdate      = "status_update_event"
	TypeDeploymentSuccess = "deployment_success"
	TypeDeploymentFailed  = "deployment_failed"
	TypeAppTerminated     = "app_terminated_event"
)

// Event is the subset of a Marathon event the correlator reads. Fields that
// do not apply to an event type are empty.
type Event struct {
	EventType  string `json:"eventType"`
	Timestamp  string `json:"timestamp"`
	AppID      string `json:"appId"`
	Version    string `json:"version"`
	TaskID     string `json:"taskId"`
	TaskStatus string `json:"taskStatus"`
	// ID is the deployment id of deployment events.
	ID string `json:"id"`
}

// AppKey is the app id without the leading slash, as stored on records.
func (e Event) AppKey() string { return strings.TrimPrefix(e.AppID, "/") }

// ignoredTaskStates never move a resource.
var ignoredTaskStates = map[string]bool{
	"Starting": true,
	"Lost":     true,
	"Killed":   true,
}

// TaskState maps TASK_RUNNING to Running.
func TaskState(raw string) string {
	s := strings.TrimPrefix(raw, "TASK_")
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// taskStatus is the resource status a task state reports, if any.
func taskStatus(raw string) (models.Status, bool) {
	st := TaskState(raw)
	if ignoredTaskStates[st] {
		return "", false
	}
	return models.ParseStatus(st)
}

// parseTime reads Marathon's timestamps and version tokens.
func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}
