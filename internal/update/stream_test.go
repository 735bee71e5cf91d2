package update

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func mustNewStream(t *testing.T, dir string) *UpdateStream {
	t.Helper()
	path := filepath.Join(dir, "task.log")
	s, err := New("f1", "t1", path, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// S1 — happy path with checkpointing.
func TestStream_HappyPathWithCheckpointing(t *testing.T) {
	dir := t.TempDir()
	s := mustNewStream(t, dir)
	defer s.Close()

	u1 := NewStatusUpdate("f1", "t1", []byte("running"))
	if err := s.Update(u1); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if err := s.Acknowledgement(u1.UUID); err != nil {
		t.Fatalf("Acknowledgement() error = %v", err)
	}

	if _, ok := s.received[u1.UUID]; !ok {
		t.Error("expected uuid in received")
	}
	if _, ok := s.acknowledged[u1.UUID]; !ok {
		t.Error("expected uuid in acknowledged")
	}
	if s.PendingLen() != 0 {
		t.Errorf("expected empty pending, got %d", s.PendingLen())
	}

	s.Close()
	replayed := mustNewStream(t, dir)
	defer replayed.Close()
	if _, ok := replayed.acknowledged[u1.UUID]; !ok {
		t.Error("expected replayed stream to have uuid acknowledged")
	}
	if replayed.PendingLen() != 0 {
		t.Errorf("expected replayed pending empty, got %d", replayed.PendingLen())
	}
}

// S2 — duplicate update after crash-before-ack.
func TestStream_DuplicateUpdateAfterCrashBeforeAck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.log")

	s, err := New("f1", "t1", path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	u1 := NewStatusUpdate("f1", "t1", []byte("running"))
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}
	s.Close()

	sizeBefore := fileSize(t, path)

	replayed, err := New("f1", "t1", path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer replayed.Close()

	if err := replayed.Update(u1); err != nil {
		t.Fatalf("duplicate Update() should be a no-op success, got error: %v", err)
	}

	if fileSize(t, path) != sizeBefore {
		t.Error("duplicate update must not append a new record")
	}
	if replayed.PendingLen() != 1 {
		t.Errorf("expected pending length 1, got %d", replayed.PendingLen())
	}
}

// S3 — ack-but-executor-resent.
func TestStream_AckButExecutorResent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.log")

	s, err := New("f1", "t1", path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	u1 := NewStatusUpdate("f1", "t1", []byte("running"))
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}
	if err := s.Acknowledgement(u1.UUID); err != nil {
		t.Fatal(err)
	}
	s.Close()

	sizeBefore := fileSize(t, path)

	replayed, err := New("f1", "t1", path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer replayed.Close()

	if err := replayed.Update(u1); err != nil {
		t.Fatalf("resend of acknowledged update should be a no-op success, got: %v", err)
	}
	if fileSize(t, path) != sizeBefore {
		t.Error("resend of acknowledged update must not append a new record")
	}
	if replayed.PendingLen() != 0 {
		t.Errorf("expected pending empty, got %d", replayed.PendingLen())
	}
}

func TestStream_AcknowledgementWithEmptyPendingIsProtocolViolation(t *testing.T) {
	s := mustNewStream(t, t.TempDir())
	defer s.Close()

	err := s.Acknowledgement(uuid.New())
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestStream_AcknowledgementOutOfOrderIsProtocolViolation(t *testing.T) {
	s := mustNewStream(t, t.TempDir())
	defer s.Close()

	u1 := NewStatusUpdate("f1", "t1", nil)
	u2 := NewStatusUpdate("f1", "t1", nil)
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(u2); err != nil {
		t.Fatal(err)
	}

	err := s.Acknowledgement(u2.UUID)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation acknowledging out-of-order uuid, got %v", err)
	}
}

func TestStream_AcknowledgementMismatchAgainstUnknownUUIDPanics(t *testing.T) {
	s := mustNewStream(t, t.TempDir())
	defer s.Close()

	u1 := NewStatusUpdate("f1", "t1", nil)
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on ack uuid unrelated to any received update")
		}
	}()
	_ = s.Acknowledgement(uuid.New())
}

func TestStream_IdempotentDoubleUpdate(t *testing.T) {
	s := mustNewStream(t, t.TempDir())
	defer s.Close()

	u1 := NewStatusUpdate("f1", "t1", []byte("x"))
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}
	if s.PendingLen() != 1 {
		t.Errorf("expected pending length 1 after duplicate update, got %d", s.PendingLen())
	}
}

func TestStream_IdempotentDoubleAcknowledgement(t *testing.T) {
	s := mustNewStream(t, t.TempDir())
	defer s.Close()

	u1 := NewStatusUpdate("f1", "t1", []byte("x"))
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}
	if err := s.Acknowledgement(u1.UUID); err != nil {
		t.Fatal(err)
	}
	if err := s.Acknowledgement(u1.UUID); err != nil {
		t.Fatalf("duplicate acknowledgement should be a no-op success, got: %v", err)
	}
}

// S6 — fatal write error is sticky.
func TestStream_FatalErrorIsSticky(t *testing.T) {
	s := mustNewStream(t, t.TempDir())
	// Close the underlying file descriptor directly (not via s.Close(), which
	// would also nil out s.file and switch the stream into in-memory mode)
	// so the next append genuinely fails as a durable-log I/O error.
	if err := s.file.Close(); err != nil {
		t.Fatal(err)
	}

	u1 := NewStatusUpdate("f1", "t1", nil)
	if err := s.Update(u1); err == nil {
		t.Fatal("expected error after forcing file closed")
	}

	u2 := NewStatusUpdate("f1", "t1", nil)
	err2 := s.Update(u2)
	if err2 == nil {
		t.Fatal("expected sticky error on second call")
	}
	if err2 != s.Err() {
		t.Errorf("expected same sticky error instance, got %v vs %v", err2, s.Err())
	}
}

func TestStream_InMemoryOnlyWithoutPath(t *testing.T) {
	s, err := New("f1", "t1", "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	u1 := NewStatusUpdate("f1", "t1", []byte("x"))
	if err := s.Update(u1); err != nil {
		t.Fatal(err)
	}
	if got, ok := s.Next(); !ok || got.UUID != u1.UUID {
		t.Errorf("expected u1 at head, got %v ok=%v", got, ok)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}
