package manager

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clustercore/sumagent/internal/update"
)

type sentUpdate struct {
	endpoint string
	update   update.StatusUpdate
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentUpdate
}

func (f *fakeTransport) Send(_ context.Context, endpoint string, u update.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentUpdate{endpoint: endpoint, update: u})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) snapshot() []sentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentUpdate, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newTestManager(t *testing.T, tr *fakeTransport) *Manager {
	t.Helper()
	m := New(Config{
		Transport:   tr,
		RetryPolicy: FixedInterval(20 * time.Millisecond),
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_HappyPathSendsAndAcknowledges(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	m.NewMasterDetected("master-1")

	u1 := update.NewStatusUpdate("f1", "t1", []byte("running"))
	if err := m.Update(context.Background(), u1, false, ""); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(tr.snapshot()) == 1 })

	if err := m.Acknowledgement(context.Background(), "t1", "f1", u1.UUID); err != nil {
		t.Fatalf("Acknowledgement() error = %v", err)
	}
}

func TestManager_OrderedRetransmitOnMasterFailover(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)

	u1 := update.NewStatusUpdate("f1", "t1", []byte("u1"))
	u2 := update.NewStatusUpdate("f1", "t1", []byte("u2"))

	if err := m.Update(context.Background(), u1, false, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Update(context.Background(), u2, false, ""); err != nil {
		t.Fatal(err)
	}

	m.NewMasterDetected("master-2")

	waitUntil(t, time.Second, func() bool { return len(tr.snapshot()) >= 1 })

	sent := tr.snapshot()
	for _, s := range sent {
		if s.update.UUID == u2.UUID {
			t.Fatal("u2 must not be sent before u1 is acknowledged")
		}
	}
	for _, s := range sent {
		if s.endpoint != "master-2" {
			t.Errorf("expected resend to master-2, got %s", s.endpoint)
		}
	}

	if err := m.Acknowledgement(context.Background(), "t1", "f1", u1.UUID); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, time.Second, func() bool {
		for _, s := range tr.snapshot() {
			if s.update.UUID == u2.UUID {
				return true
			}
		}
		return false
	})
}

func TestManager_CleanupCancelsRetries(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	m.NewMasterDetected("master-1")

	u1 := update.NewStatusUpdate("f1", "t1", nil)
	if err := m.Update(context.Background(), u1, false, ""); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, time.Second, func() bool { return len(tr.snapshot()) >= 1 })

	m.Cleanup("f1")
	countAtCleanup := len(tr.snapshot())

	time.Sleep(100 * time.Millisecond)
	if len(tr.snapshot()) != countAtCleanup {
		t.Errorf("expected no further sends after cleanup, got %d new sends", len(tr.snapshot())-countAtCleanup)
	}

	// A fresh update for the same task after cleanup starts a new stream.
	u2 := update.NewStatusUpdate("f1", "t1", nil)
	if err := m.Update(context.Background(), u2, false, ""); err != nil {
		t.Fatalf("Update() after cleanup should succeed on a fresh stream, got: %v", err)
	}
}

func TestManager_AcknowledgementWithNoStreamIsProtocolViolation(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})

	err := m.Acknowledgement(context.Background(), "unknown-task", "unknown-framework", uuid.New())
	if !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestManager_AcknowledgementMismatchIsProtocolViolation(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})

	u1 := update.NewStatusUpdate("f1", "t1", nil)
	if err := m.Update(context.Background(), u1, false, ""); err != nil {
		t.Fatal(err)
	}

	err := m.Acknowledgement(context.Background(), "t1", "f1", uuid.New())
	if !errors.Is(err, update.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for mismatched ack, got %v", err)
	}
}

func TestManager_FatalStreamErrorIsIsolatedToThatStream(t *testing.T) {
	dir := t.TempDir()
	tr := &fakeTransport{}
	m := newTestManager(t, tr)

	// t1 checkpoints to a path that can never be created (a file exists
	// where a directory is needed), forcing a fatal stream error.
	blocker := dir + "/blocker"
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	badPath := blocker + "/task.log"

	u1 := update.NewStatusUpdate("f1", "t1", nil)
	if err := m.Update(context.Background(), u1, true, badPath); err == nil {
		t.Fatal("expected error creating stream under a blocked checkpoint path")
	}

	u1Again := update.NewStatusUpdate("f1", "t1", nil)
	if err := m.Update(context.Background(), u1Again, true, badPath); err == nil {
		t.Fatal("expected sticky error on second call to the same broken stream")
	}

	// A sibling stream for a different task is unaffected.
	u2 := update.NewStatusUpdate("f1", "t2", nil)
	if err := m.Update(context.Background(), u2, false, ""); err != nil {
		t.Fatalf("sibling stream should be unaffected by t1's fatal error, got: %v", err)
	}
}
