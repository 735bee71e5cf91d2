package update

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// UpdateStream is the durable per-task state machine tracking which
// updates an executor has reported and which the framework has
// acknowledged. A stream is created for a single (frameworkID, taskID)
// pair and is mutated only by its owning manager's serial execution
// context; UpdateStream itself performs no internal locking.
type UpdateStream struct {
	taskID      string
	frameworkID string
	path        string
	file        *os.File

	received     map[uuid.UUID]struct{}
	acknowledged map[uuid.UUID]struct{}
	pending      []StatusUpdate

	err error

	logger *slog.Logger
}

// checkpointFilePerm matches the reference's owner rw / group r / other
// rwx permissions for the durable log file.
const checkpointFilePerm = 0o647

// New creates a stream for (frameworkID, taskID). If path is non-empty,
// the parent directory is created if missing and the log is opened (or
// created) for synchronous read-write appends; any failure sets the
// stream's sticky error and returns it rather than panicking, per the
// "fatal, non-retryable" failure semantics for filesystem errors.
func New(frameworkID, taskID, path string, logger *slog.Logger) (*UpdateStream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &UpdateStream{
		taskID:       taskID,
		frameworkID:  frameworkID,
		path:         path,
		received:     make(map[uuid.UUID]struct{}),
		acknowledged: make(map[uuid.UUID]struct{}),
		logger:       logger,
	}

	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.err = newStreamFatal(frameworkID, taskID, fmt.Errorf("create checkpoint directory: %w", err))
		return s, s.err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, checkpointFilePerm)
	if err != nil {
		s.err = newStreamFatal(frameworkID, taskID, fmt.Errorf("open checkpoint log: %w", err))
		return s, s.err
	}
	s.file = file

	if err := s.replay(); err != nil {
		s.fail(err)
		return s, s.err
	}

	return s, nil
}

// Err returns the stream's sticky terminal error, or nil if the stream is
// healthy.
func (s *UpdateStream) Err() error {
	return s.err
}

// TaskID returns the stream's task identity.
func (s *UpdateStream) TaskID() string { return s.taskID }

// FrameworkID returns the stream's framework identity.
func (s *UpdateStream) FrameworkID() string { return s.frameworkID }

// Update applies an incoming StatusUpdate. Duplicates of an already
// received or already acknowledged update are logged and treated as a
// successful no-op, matching executor re-send behaviour after a crash.
func (s *UpdateStream) Update(u StatusUpdate) error {
	if s.err != nil {
		return s.err
	}

	if _, ok := s.acknowledged[u.UUID]; ok {
		s.logger.Warn("duplicate update for already-acknowledged uuid",
			slog.String("task", s.taskID), slog.String("framework", s.frameworkID),
			slog.String("uuid", u.UUID.String()))
		return nil
	}
	if _, ok := s.received[u.UUID]; ok {
		s.logger.Warn("duplicate update for already-received uuid",
			slog.String("task", s.taskID), slog.String("framework", s.frameworkID),
			slog.String("uuid", u.UUID.String()))
		return nil
	}

	if err := s.append(updateRecord(u)); err != nil {
		s.fail(err)
		return s.err
	}

	s.received[u.UUID] = struct{}{}
	s.pending = append(s.pending, u)
	return nil
}

// Acknowledgement records a framework acknowledgement for ackUUID. A
// duplicate acknowledgement of an already-acknowledged uuid is a no-op
// success. An acknowledgement against an empty pending queue, or for a
// received uuid that is not the current pending head (out of order), is a
// ProtocolViolation. An acknowledgement for a uuid that was never received
// at all panics: the caller (the manager) validates ackUUID against Next()
// before calling Acknowledgement, so that case is a defect in the caller's
// bookkeeping rather than a runtime condition.
func (s *UpdateStream) Acknowledgement(ackUUID uuid.UUID) error {
	if s.err != nil {
		return s.err
	}

	if _, ok := s.acknowledged[ackUUID]; ok {
		s.logger.Warn("duplicate acknowledgement",
			slog.String("task", s.taskID), slog.String("framework", s.frameworkID),
			slog.String("uuid", ackUUID.String()))
		return nil
	}

	if len(s.pending) == 0 {
		return fmt.Errorf("%w: acknowledgement for %s with empty pending queue", ErrProtocolViolation, ackUUID)
	}

	head := s.pending[0]
	if head.UUID != ackUUID {
		if _, ok := s.received[ackUUID]; ok {
			return fmt.Errorf("%w: acknowledgement for %s is not the pending head %s", ErrProtocolViolation, ackUUID, head.UUID)
		}
		// The manager is contractually required to validate ackUUID against
		// Next() before calling Acknowledgement. Arriving here with an
		// unknown uuid that isn't even in received means that contract was
		// violated: an impossible state per the design, not a runtime error.
		panic(fmt.Sprintf("update: acknowledgement uuid %s does not match pending head %s and was never received", ackUUID, head.UUID))
	}

	if err := s.append(ackRecord(ackUUID)); err != nil {
		s.fail(err)
		return s.err
	}

	s.acknowledged[ackUUID] = struct{}{}
	s.pending = s.pending[1:]
	return nil
}

// Next returns the current pending head without mutating the stream. The
// second return value is false when pending is empty.
func (s *UpdateStream) Next() (StatusUpdate, bool) {
	if len(s.pending) == 0 {
		return StatusUpdate{}, false
	}
	return s.pending[0], true
}

// PendingLen reports the number of updates awaiting acknowledgement.
func (s *UpdateStream) PendingLen() int {
	return len(s.pending)
}

// Close releases the stream's file handle. Safe to call on a stream that
// never opened one, and safe to call more than once.
func (s *UpdateStream) Close() error {
	if s.file == nil {
		return nil
	}
	file := s.file
	s.file = nil
	return file.Close()
}

// fail sets the sticky terminal error and closes the log file, satisfying
// invariant 5 (error set implies fd closed, no further appends).
func (s *UpdateStream) fail(err error) {
	if s.err != nil {
		return
	}
	var sf *StreamFatal
	if !errors.As(err, &sf) {
		err = newStreamFatal(s.frameworkID, s.taskID, err)
	}
	s.err = err
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.logger.Error("stream entered fatal error state",
		slog.String("task", s.taskID), slog.String("framework", s.frameworkID),
		slog.String("error", err.Error()))
}

// append writes a record to the log, if one is open, and flushes it to
// stable storage before returning, matching the "durable before the call
// returns" requirement. A path-less (in-memory only) stream is a no-op.
func (s *UpdateStream) append(rec logRecord) error {
	if s.file == nil {
		return nil
	}
	if err := writeRecord(s.file, rec); err != nil {
		return err
	}
	return s.file.Sync()
}

// replay reconstructs (received, acknowledged, pending) from the log,
// applying the same validation rules as live Update/Acknowledgement.
// Any inconsistency is a fatal error for this stream.
func (s *UpdateStream) replay() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek to log start: %w", err)
	}

	for {
		rec, err := readRecord(s.file)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("replay log: %w", err)
		}

		switch rec.Kind {
		case recordUpdate:
			if rec.Update == nil {
				return fmt.Errorf("replay log: UPDATE record missing payload")
			}
			if _, ok := s.acknowledged[rec.Update.UUID]; ok {
				return fmt.Errorf("replay log: duplicate UPDATE for already-acknowledged uuid %s", rec.Update.UUID)
			}
			if _, ok := s.received[rec.Update.UUID]; ok {
				return fmt.Errorf("replay log: duplicate UPDATE for uuid %s", rec.Update.UUID)
			}
			s.received[rec.Update.UUID] = struct{}{}
			s.pending = append(s.pending, *rec.Update)
		case recordAck:
			if _, ok := s.received[rec.AckUUID]; !ok {
				return fmt.Errorf("replay log: ACK for uuid %s with no prior UPDATE", rec.AckUUID)
			}
			if _, ok := s.acknowledged[rec.AckUUID]; ok {
				return fmt.Errorf("replay log: duplicate ACK for uuid %s", rec.AckUUID)
			}
			if len(s.pending) == 0 || s.pending[0].UUID != rec.AckUUID {
				return fmt.Errorf("replay log: ACK for uuid %s does not match pending head", rec.AckUUID)
			}
			s.acknowledged[rec.AckUUID] = struct{}{}
			s.pending = s.pending[1:]
		default:
			return fmt.Errorf("replay log: unknown record kind %q", rec.Kind)
		}
	}

	// Seek back to the end so subsequent appends extend the file.
	if _, err := s.file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek to log end: %w", err)
	}
	return nil
}
