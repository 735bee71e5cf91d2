package update

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is returned when a caller acknowledges a UUID that
// is not the current head of a stream's pending queue, or addresses a
// stream that does not exist. It is a caller error, not a stream defect.
var ErrProtocolViolation = errors.New("update: protocol violation")

// ErrStreamClosed names the condition of a stream that has already been
// torn down by Cleanup. No operation in this module returns it:
// UpdateStream.Close only releases the log file, and a closed stream
// keeps accepting operations in memory without writing a log.
var ErrStreamClosed = errors.New("update: stream closed")

// StreamFatal wraps the underlying cause of an unrecoverable per-stream
// failure (a durable-log I/O error, or a corrupt/inconsistent log
// discovered during recovery replay). Once a stream records a StreamFatal
// error it is stuck: every subsequent operation on that stream returns the
// same error until the stream is torn down and, if applicable, recreated
// from a clean log.
type StreamFatal struct {
	TaskID      string
	FrameworkID string
	Cause       error
}

func (e *StreamFatal) Error() string {
	return fmt.Sprintf("update: stream %s/%s is fatally broken: %v", e.FrameworkID, e.TaskID, e.Cause)
}

func (e *StreamFatal) Unwrap() error {
	return e.Cause
}

// newStreamFatal builds a StreamFatal for the given stream identity.
func newStreamFatal(frameworkID, taskID string, cause error) *StreamFatal {
	return &StreamFatal{FrameworkID: frameworkID, TaskID: taskID, Cause: cause}
}
