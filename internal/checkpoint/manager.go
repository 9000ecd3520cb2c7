package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

type openSession struct {
	targetID int64
	nextSeq  int
	closed   bool
}

// Manager opens, logs into and finishes checkpoint sessions. It holds the
// set of busy targets for sessions opened by this process.
type Manager struct {
	store    Store
	restorer Restorer
	log      Logger

	mu   sync.Mutex
	busy map[int64]string
	open map[string]*openSession

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(store Store, restorer Restorer, log Logger) *Manager {
	return &Manager{
		store:    store,
		restorer: restorer,
		log:      log,
		busy:     make(map[int64]string),
		open:     make(map[string]*openSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Begin opens a session for targetID. Target 0 stands for an entity that
// does not exist yet and never conflicts.
func (m *Manager) Begin(ctx context.Context, targetID int64, description, origin string) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	if targetID != 0 {
		if _, busy := m.busy[targetID]; busy {
			m.mu.Unlock()
			return "", ErrTargetBusy
		}
		m.busy[targetID] = id
	}
	m.open[id] = &openSession{targetID: targetID, nextSeq: 1}
	m.mu.Unlock()

	s := &Session{
		ID:          id,
		TargetID:    targetID,
		Description: description,
		Origin:      origin,
		Status:      StatusActive,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		m.release(id)
		return "", err
	}
	m.log.Debug("checkpoint session opened", "session", id, "target", targetID, "origin", origin)
	return id, nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.open[id]; ok {
		if m.busy[s.targetID] == id {
			delete(m.busy, s.targetID)
		}
		delete(m.open, id)
	}
}

// Log appends op to an active session.
func (m *Manager) Log(ctx context.Context, id string, op Operation) error {
	if err := op.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return m.closedOrMissing(ctx, id)
	}
	if s.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	op.Seq = s.nextSeq
	s.nextSeq++
	m.mu.Unlock()

	if err := m.store.AppendOperation(ctx, id, op); err != nil {
		return fmt.Errorf("checkpoint: logging %s of %s %d: %w", op.Kind, op.EntityType, op.PrimaryKey, err)
	}
	if op.Kind == KindInsert && op.EntityType == models.EntityCase {
		m.adopt(ctx, id, op.PrimaryKey)
	}
	return nil
}

// adopt binds a session opened for target 0 to the first case it creates,
// so the case's history lists it and other commands see the case as busy.
func (m *Manager) adopt(ctx context.Context, id string, caseID int64) {
	m.mu.Lock()
	s, ok := m.open[id]
	if !ok || s.targetID != 0 {
		m.mu.Unlock()
		return
	}
	if _, busy := m.busy[caseID]; busy {
		m.mu.Unlock()
		return
	}
	s.targetID = caseID
	m.busy[caseID] = id
	m.mu.Unlock()

	if err := m.store.SetTarget(ctx, id, caseID); err != nil {
		m.log.Warn("checkpoint session keeps target 0", "session", id, "case", caseID, "error", err)
		m.mu.Lock()
		s.targetID = 0
		if m.busy[caseID] == id {
			delete(m.busy, caseID)
		}
		m.mu.Unlock()
		return
	}
	m.log.Debug("checkpoint session bound to new case", "session", id, "case", caseID)
}

func (m *Manager) closedOrMissing(ctx context.Context, id string) error {
	// sessions opened by another process are closed for us even if active
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return err
	}
	return ErrSessionClosed
}

// close marks a session opened here as closed so later Log calls fail.
// It reports false when the session was already closed.
func (m *Manager) close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.open[id]; ok {
		if s.closed {
			return false
		}
		s.closed = true
	}
	return true
}

// Commit makes the session permanent history.
func (m *Manager) Commit(ctx context.Context, id string) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != StatusActive || !m.close(id) {
		return ErrSessionClosed
	}
	defer m.release(id)

	if err := m.store.SetStatus(ctx, id, StatusCommitted, m.now()); err != nil {
		return fmt.Errorf("checkpoint: committing %s: %w", id, err)
	}
	m.log.Debug("checkpoint session committed", "session", id, "operations", len(s.Operations))
	return nil
}

// Rollback undoes every operation of the session in reverse order: inserts
// are removed and updates and deletes are restored from their snapshots.
// Failures on individual operations are collected and returned together;
// the session is marked rolled back either way. Only the command that began
// the session calls Rollback; anyone else uses Revert.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != StatusActive || !m.close(id) {
		return ErrSessionClosed
	}
	defer m.release(id)

	var failures []error
	err = m.restorer.InTx(ctx, func(ctx context.Context) error {
		for i := len(s.Operations) - 1; i >= 0; i-- {
			op := s.Operations[i]
			if err := m.restorer.InTx(ctx, func(ctx context.Context) error { return m.undo(ctx, op) }); err != nil {
				failures = append(failures, fmt.Errorf("undo #%d %s %s %d: %w", op.Seq, op.Kind, op.EntityType, op.PrimaryKey, err))
			}
		}
		return m.store.SetStatus(ctx, id, StatusRolledBack, m.now())
	})
	if err != nil {
		failures = append(failures, fmt.Errorf("finishing rollback: %w", err))
	}

	if len(failures) > 0 {
		m.log.Error("checkpoint rollback incomplete", "session", id, "failures", len(failures))
		return fmt.Errorf("checkpoint: rollback of %s: %w", id, errors.Join(failures...))
	}
	m.log.Info("checkpoint session rolled back", "session", id, "operations", len(s.Operations))
	return nil
}

// Revert rolls back a session on behalf of a caller that does not own it,
// such as an operator undoing an interrupted command. Sessions still owned
// by a running command of this process return ErrSessionInUse.
func (m *Manager) Revert(ctx context.Context, id string) error {
	m.mu.Lock()
	s, mine := m.open[id]
	inUse := mine && !s.closed
	m.mu.Unlock()
	if inUse {
		return ErrSessionInUse
	}
	return m.Rollback(ctx, id)
}

func (m *Manager) undo(ctx context.Context, op Operation) error {
	switch op.Kind {
	case KindInsert:
		return m.restorer.Remove(ctx, op.EntityType, op.PrimaryKey)
	case KindUpdate, KindDelete:
		return m.restorer.Restore(ctx, op.EntityType, op.Before)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// Get returns a session with its operations.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.GetSession(ctx, id)
}

// History returns the sessions recorded for a target, newest first.
func (m *Manager) History(ctx context.Context, targetID int64) ([]*Session, error) {
	return m.store.ListSessions(ctx, targetID)
}

// RecoverStale rolls back active sessions that this manager did not open,
// such as sessions left behind by a crashed process.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	active, err := m.store.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, s := range active {
		m.mu.Lock()
		_, mine := m.open[s.ID]
		m.mu.Unlock()
		if mine {
			continue
		}
		if err := m.Rollback(ctx, s.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// RunSingle wraps fn in its own session. When the target is busy fn runs
// without checkpoint protection.
func (m *Manager) RunSingle(ctx context.Context, targetID int64, description, origin string, fn func(ctx context.Context) error) error {
	id, err := m.Begin(ctx, targetID, description, origin)
	if errors.Is(err, ErrTargetBusy) {
		m.log.Warn("target busy, running without checkpoint", "target", targetID, "origin", origin)
		return fn(ctx)
	}
	if err != nil {
		return err
	}

	if err := fn(WithRecorder(ctx, m.Recorder(id))); err != nil {
		if rbErr := m.Rollback(context.WithoutCancel(ctx), id); rbErr != nil {
			m.log.Error("single-operation rollback failed", "session", id, "error", rbErr)
		}
		return err
	}
	return m.Commit(ctx, id)
}
