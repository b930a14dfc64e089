package session

import (
	"github.com/jmalloc/drover/internal/store"
)

// Session status values as persisted.
const (
	// StatusInitializing covers worktree setup and first agent start.
	StatusInitializing = "initializing"
	// StatusRunning means the agent is processing a prompt.
	StatusRunning = "running"
	// StatusWaiting means the agent is blocked on a permission decision.
	StatusWaiting = "waiting"
	// StatusCompleted means the last turn finished.
	StatusCompleted = "completed"
	// StatusStopped means the user stopped the session.
	StatusStopped = "stopped"
	// StatusError means the agent process died for good.
	StatusError = "error"
)

// StatusCompletedUnviewed is derived, never stored: a completed session
// the user has not looked at since it finished.
const StatusCompletedUnviewed = "completed_unviewed"

// validTransitions is the session status machine. A transition absent
// here is rejected; same-status updates are always allowed.
var validTransitions = map[string][]string{
	StatusInitializing: {StatusRunning, StatusStopped, StatusError},
	StatusRunning:      {StatusWaiting, StatusCompleted, StatusStopped, StatusError},
	StatusWaiting:      {StatusRunning, StatusCompleted, StatusStopped, StatusError},
	StatusCompleted:    {StatusRunning, StatusStopped, StatusError},
	StatusStopped:      {StatusRunning, StatusError},
	StatusError:        {StatusRunning},
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EffectiveStatus maps a record's stored status to the status shown to
// the user, deriving completed_unviewed from the viewed timestamp.
func EffectiveStatus(rec store.SessionRecord) string {
	if rec.Status == StatusCompleted && rec.LastViewedAt.Before(rec.UpdatedAt) {
		return StatusCompletedUnviewed
	}
	return rec.Status
}
