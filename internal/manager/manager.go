// Package manager implements the status-update manager: it indexes one
// UpdateStream per (framework, task), routes incoming updates and
// acknowledgements to the right stream, drives retransmission, tracks the
// current master endpoint, and tears down streams on framework cleanup.
//
// All state mutation happens on a single serial execution context (one
// goroutine draining an operation channel), the actor-style model the
// public API is built around: every exported method posts a closure onto
// that channel. Update, Acknowledgement and Cleanup then wait until that
// closure has produced its result; Initialize and NewMasterDetected
// return as soon as the closure is queued.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/clustercore/sumagent/internal/metrics"
	"github.com/clustercore/sumagent/internal/transport"
	"github.com/clustercore/sumagent/internal/update"
)

// Auditor is a best-effort secondary record of acknowledged updates. A
// nil Auditor disables auditing entirely; a non-nil one whose calls
// return errors never affects the manager's own state.
type Auditor interface {
	RecordAcknowledged(ctx context.Context, frameworkID, taskID string, id uuid.UUID, ackedAt time.Time) error
}

type streamKey struct {
	FrameworkID string
	TaskID      string
}

// waiter is invoked once a stream under construction finishes. s is nil
// only if construction itself could not even start (e.g. the bounded
// creation pool's context was cancelled); createErr carries the reason.
type waiter func(s *update.UpdateStream, createErr error)

type streamEntry struct {
	stream   *update.UpdateStream
	creating bool
	waiters  []waiter

	timer   *time.Timer
	attempt int
}

// Config holds the manager's collaborators.
type Config struct {
	Transport transport.Transport
	// RetryPolicy defaults to ExponentialBackoff(defaultMaxBackoff).
	RetryPolicy RetryPolicy
	// Metrics is optional; a nil Recorder silently disables metrics.
	Metrics *metrics.Recorder
	// Auditor is optional; see the Auditor type.
	Auditor Auditor
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// MaxConcurrentStreamCreates bounds how many streams can be opening
	// their checkpoint log and replaying it at once, so a burst of new
	// tasks cannot stall delivery to already-established streams.
	// Defaults to 8.
	MaxConcurrentStreamCreates int64
}

// Manager is the status-update manager for one agent process.
type Manager struct {
	logger      *slog.Logger
	transport   transport.Transport
	retryPolicy RetryPolicy
	metrics     *metrics.Recorder
	auditor     Auditor

	ops    chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	createSem *semaphore.Weighted

	// self, master, and streams are only ever touched from within run(),
	// the serial execution context.
	self    string
	master  string
	streams map[streamKey]*streamEntry
}

// New constructs a Manager and starts its serial execution context.
// Call Shutdown when the agent process is exiting.
func New(cfg Config) *Manager {
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = ExponentialBackoff(defaultMaxBackoff)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	concurrency := cfg.MaxConcurrentStreamCreates
	if concurrency <= 0 {
		concurrency = 8
	}

	m := &Manager{
		logger:      cfg.Logger,
		transport:   cfg.Transport,
		retryPolicy: cfg.RetryPolicy,
		metrics:     cfg.Metrics,
		auditor:     cfg.Auditor,
		ops:         make(chan func(), 256),
		stopCh:      make(chan struct{}),
		createSem:   semaphore.NewWeighted(concurrency),
		streams:     make(map[streamKey]*streamEntry),
	}

	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case f := <-m.ops:
			f()
		case <-m.stopCh:
			m.drain()
			return
		}
	}
}

// drain runs any operations already queued before stopping, so callers
// that posted work right before Shutdown still get a result rather than
// blocking forever on resultCh.
func (m *Manager) drain() {
	for {
		select {
		case f := <-m.ops:
			f()
		default:
			return
		}
	}
}

func (m *Manager) post(f func()) {
	select {
	case m.ops <- f:
	case <-m.stopCh:
	}
}

// Shutdown stops the serial execution context and closes every stream's
// log file. It does not cancel in-flight transport sends.
func (m *Manager) Shutdown() {
	done := make(chan struct{})
	m.post(func() {
		for _, entry := range m.streams {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			if entry.stream != nil {
				_ = entry.stream.Close()
			}
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	close(m.stopCh)
	m.wg.Wait()
}

// Initialize records the local endpoint the transports use when sending
// updates outward. It is informational only within this module's scope;
// transports read it from the caller, not from the Manager.
func (m *Manager) Initialize(selfEndpoint string) {
	m.post(func() { m.self = selfEndpoint })
}

// Update applies an incoming StatusUpdate to its (framework, task)
// stream, creating the stream on first use. If checkpoint is false, path
// is ignored and the stream is purely in-memory.
func (m *Manager) Update(ctx context.Context, u update.StatusUpdate, checkpoint bool, path string) error {
	resultCh := make(chan error, 1)
	m.post(func() { m.handleUpdate(u, checkpoint, path, resultCh) })
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleUpdate(u update.StatusUpdate, checkpoint bool, path string, resultCh chan<- error) {
	key := streamKey{FrameworkID: u.FrameworkID, TaskID: u.TaskID}

	entry, ok := m.streams[key]
	if !ok {
		effectivePath := ""
		if checkpoint {
			effectivePath = path
		}
		entry = &streamEntry{creating: true}
		m.streams[key] = entry
		go m.createStream(key, effectivePath)
	}

	if entry.creating {
		entry.waiters = append(entry.waiters, func(s *update.UpdateStream, createErr error) {
			if s == nil {
				resultCh <- createErr
				return
			}
			m.applyUpdate(key, entry, u, resultCh)
		})
		return
	}

	m.applyUpdate(key, entry, u, resultCh)
}

// createStream runs the (potentially slow) directory-creation, file-open,
// and log-replay work off the serial execution context, bounded by
// createSem so a burst of new tasks cannot starve already-established
// streams of serial-context time.
func (m *Manager) createStream(key streamKey, path string) {
	if err := m.createSem.Acquire(context.Background(), 1); err != nil {
		m.post(func() { m.finishCreate(key, nil, err) })
		return
	}
	defer m.createSem.Release(1)

	s, err := update.New(key.FrameworkID, key.TaskID, path, m.logger)
	m.post(func() { m.finishCreate(key, s, err) })
}

func (m *Manager) finishCreate(key streamKey, s *update.UpdateStream, createErr error) {
	entry, ok := m.streams[key]
	if !ok {
		// The entry was removed (e.g. by Cleanup) while creation was in
		// flight. Close the stream we just opened, if any, and drop it.
		if s != nil {
			_ = s.Close()
		}
		return
	}

	entry.creating = false
	if s == nil {
		delete(m.streams, key)
	} else {
		entry.stream = s
		// A stream recovered from an on-disk log may already have a
		// non-empty pending queue (invariant 6: timeout is armed iff
		// pending is non-empty and the stream is not errored). The
		// empty-to-non-empty transition applyUpdate watches for never
		// fires for this recovered backlog, so arm it here.
		if s.Err() == nil {
			if head, ok := s.Next(); ok {
				m.sendAndArm(key, entry, head)
			}
		}
	}

	waiters := entry.waiters
	entry.waiters = nil
	for _, w := range waiters {
		w(s, createErr)
	}
}

// applyUpdate runs Update against an already-constructed stream and, if
// the just-appended update is now the pending head, dispatches it and
// arms retransmission.
func (m *Manager) applyUpdate(key streamKey, entry *streamEntry, u update.StatusUpdate, resultCh chan<- error) {
	if err := entry.stream.Err(); err != nil {
		resultCh <- err
		return
	}

	wasEmpty := entry.stream.PendingLen() == 0
	if err := entry.stream.Update(u); err != nil {
		if m.metrics != nil {
			m.metrics.ObserveStreamError(key.FrameworkID)
		}
		resultCh <- err
		return
	}

	if m.metrics != nil {
		m.metrics.ObserveReceived(key.FrameworkID)
		m.metrics.SetPending(key.FrameworkID, entry.stream.PendingLen())
	}

	if wasEmpty {
		if head, ok := entry.stream.Next(); ok {
			m.sendAndArm(key, entry, head)
		}
	}
	resultCh <- nil
}

// Acknowledgement records a framework acknowledgement. uuid must match
// the current pending head of the (framework, task) stream; any other
// case fails with ErrProtocolViolation.
func (m *Manager) Acknowledgement(ctx context.Context, taskID, frameworkID string, ackUUID uuid.UUID) error {
	key := streamKey{FrameworkID: frameworkID, TaskID: taskID}
	resultCh := make(chan error, 1)
	m.post(func() { m.handleAck(key, ackUUID, resultCh) })
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleAck(key streamKey, ackUUID uuid.UUID, resultCh chan<- error) {
	entry, ok := m.streams[key]
	if !ok {
		resultCh <- fmt.Errorf("%w: no stream for framework=%s task=%s", update.ErrProtocolViolation, key.FrameworkID, key.TaskID)
		return
	}

	if entry.creating {
		entry.waiters = append(entry.waiters, func(s *update.UpdateStream, createErr error) {
			if s == nil {
				resultCh <- fmt.Errorf("%w: stream for framework=%s task=%s failed to open: %v", update.ErrProtocolViolation, key.FrameworkID, key.TaskID, createErr)
				return
			}
			m.ackAgainstStream(key, entry, ackUUID, resultCh)
		})
		return
	}

	m.ackAgainstStream(key, entry, ackUUID, resultCh)
}

func (m *Manager) ackAgainstStream(key streamKey, entry *streamEntry, ackUUID uuid.UUID, resultCh chan<- error) {
	head, ok := entry.stream.Next()
	if !ok || head.UUID != ackUUID {
		resultCh <- fmt.Errorf("%w: acknowledgement %s does not match pending head of framework=%s task=%s", update.ErrProtocolViolation, ackUUID, key.FrameworkID, key.TaskID)
		return
	}

	if err := entry.stream.Acknowledgement(ackUUID); err != nil {
		resultCh <- err
		return
	}

	if m.metrics != nil {
		m.metrics.ObserveAcknowledged(key.FrameworkID)
		m.metrics.SetPending(key.FrameworkID, entry.stream.PendingLen())
	}

	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.attempt = 0

	if newHead, ok := entry.stream.Next(); ok {
		m.sendAndArm(key, entry, newHead)
	}

	if m.auditor != nil {
		auditor := m.auditor
		ackedAt := time.Now()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := auditor.RecordAcknowledged(ctx, key.FrameworkID, key.TaskID, ackUUID, ackedAt); err != nil {
				m.logger.Warn("audit store write failed",
					slog.String("task", key.TaskID), slog.String("framework", key.FrameworkID),
					slog.String("error", err.Error()))
			}
		}()
	}

	resultCh <- nil
}

// NewMasterDetected updates the manager's view of the current master and
// immediately resends every stream's pending head to it.
func (m *Manager) NewMasterDetected(endpoint string) {
	m.post(func() {
		m.master = endpoint
		for key, entry := range m.streams {
			if entry.creating || entry.stream.Err() != nil {
				continue
			}
			if head, ok := entry.stream.Next(); ok {
				m.sendAndArm(key, entry, head)
			}
		}
	})
}

// Cleanup destroys every stream belonging to framework: it cancels their
// retransmit timers, closes their logs, and removes them from the index.
// No further retries occur for those tasks on this agent. Cleanup always
// succeeds.
func (m *Manager) Cleanup(framework string) {
	done := make(chan struct{})
	m.post(func() {
		for key, entry := range m.streams {
			if key.FrameworkID != framework {
				continue
			}
			if entry.timer != nil {
				entry.timer.Stop()
			}
			if entry.stream != nil {
				if err := entry.stream.Close(); err != nil {
					m.logger.Warn("error closing stream during cleanup",
						slog.String("task", key.TaskID), slog.String("framework", framework),
						slog.String("error", err.Error()))
				}
			}
			delete(m.streams, key)
		}
		close(done)
	})
	<-done
}

// sendAndArm dispatches head to the current master and arms the next
// retransmission. It must only be called from within the serial
// execution context.
func (m *Manager) sendAndArm(key streamKey, entry *streamEntry, head update.StatusUpdate) {
	entry.attempt++
	delay := m.retryPolicy(entry.attempt)

	if entry.timer != nil {
		entry.timer.Stop()
	}

	master := m.master
	m.dispatchSend(key, master, head)

	entry.timer = time.AfterFunc(delay, func() {
		m.post(func() { m.handleRetransmit(key) })
	})
}

func (m *Manager) handleRetransmit(key streamKey) {
	entry, ok := m.streams[key]
	if !ok || entry.creating {
		return
	}
	if entry.stream.Err() != nil {
		return
	}
	head, ok := entry.stream.Next()
	if !ok {
		entry.timer = nil
		return
	}

	if m.metrics != nil {
		m.metrics.ObserveRetransmit(key.FrameworkID)
	}
	m.sendAndArm(key, entry, head)
}

// dispatchSend fires the transport send in its own goroutine so the
// serial execution context never blocks on network I/O; the master
// endpoint is captured synchronously by the caller to avoid a data race
// on m.master.
func (m *Manager) dispatchSend(key streamKey, masterEndpoint string, head update.StatusUpdate) {
	if masterEndpoint == "" {
		m.logger.Warn("no master endpoint known yet, deferring to next retransmit",
			slog.String("task", key.TaskID), slog.String("framework", key.FrameworkID))
		return
	}
	if m.transport == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.transport.Send(ctx, masterEndpoint, head); err != nil {
			m.logger.Warn("send to master failed, relying on retransmission",
				slog.String("task", key.TaskID), slog.String("framework", key.FrameworkID),
				slog.String("uuid", head.UUID.String()), slog.String("error", err.Error()))
		}
	}()
}
