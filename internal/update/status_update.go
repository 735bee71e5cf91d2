// Package update implements the per-task durable update-stream state
// machine: tracking which status updates an executor has reported, which
// the framework has acknowledged, and replaying a crash-recovery log to
// reconstruct that state after a restart.
package update

import (
	"github.com/google/uuid"
)

// StatusUpdate is an opaque, immutable record of a task's status as
// reported by an executor. Two updates are the same update if and only if
// their UUIDs are equal; FrameworkID, TaskID and Payload are carried along
// for routing and delivery but never used to distinguish updates.
type StatusUpdate struct {
	FrameworkID string
	TaskID      string
	UUID        uuid.UUID
	Payload     []byte
}

// NewStatusUpdate constructs a StatusUpdate with a freshly generated UUID.
func NewStatusUpdate(frameworkID, taskID string, payload []byte) StatusUpdate {
	return StatusUpdate{
		FrameworkID: frameworkID,
		TaskID:      taskID,
		UUID:        uuid.New(),
		Payload:     payload,
	}
}
