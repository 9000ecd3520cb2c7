package checkpoint_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/logging"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

// mutator applies random mutations to a store and records them the way the
// service layer does: snapshot first, mutate, then log.
type mutator struct {
	t     *testing.T
	store repository.Store
	rnd   *rand.Rand
}

func (m mutator) record(ctx context.Context, op checkpoint.Operation, err error) {
	require.NoError(m.t, err)
	require.NoError(m.t, checkpoint.Record(ctx, op))
}

func (m mutator) step(ctx context.Context, caseID int64, i int) {
	fields, err := m.store.ListFields(ctx, caseID)
	require.NoError(m.t, err)

	switch choice := m.rnd.Intn(4); {
	case choice == 0 || len(fields) == 0:
		f := &models.Field{CaseID: caseID, Name: fmt.Sprintf("f%d", i), Type: models.FieldText, Label: "F"}
		require.NoError(m.t, m.store.CreateField(ctx, f))
		m.record(ctx, checkpoint.Insert(models.EntityField, f.ID), nil)
	case choice == 1:
		f := fields[m.rnd.Intn(len(fields))]
		op, err := checkpoint.Update(models.EntityField, f.ID, f)
		f.Label = fmt.Sprintf("changed %d", i)
		f.Required = !f.Required
		require.NoError(m.t, m.store.UpdateField(ctx, f))
		m.record(ctx, op, err)
	case choice == 2:
		f := fields[m.rnd.Intn(len(fields))]
		op, err := checkpoint.Delete(models.EntityField, f.ID, f)
		require.NoError(m.t, m.store.DeleteField(ctx, f.ID))
		m.record(ctx, op, err)
	default:
		c, err := m.store.GetCase(ctx, caseID)
		require.NoError(m.t, err)
		op, err := checkpoint.Update(models.EntityCase, c.ID, c)
		c.Description = fmt.Sprintf("rev %d", i)
		require.NoError(m.t, m.store.UpdateCase(ctx, c))
		m.record(ctx, op, err)
	}
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

type state struct {
	Case   *models.WorkflowCase
	Fields []*models.Field
}

func snapshot(t *testing.T, store repository.Store, caseID int64) state {
	ctx := context.Background()
	c, err := store.GetCase(ctx, caseID)
	require.NoError(t, err)
	fields, err := store.ListFields(ctx, caseID)
	require.NoError(t, err)
	return state{Case: c, Fields: fields}
}

func newManager(store repository.Store) *checkpoint.Manager {
	return checkpoint.NewManager(checkpoint.NewMemoryStore(), store, logging.Nop())
}

func seedCase(t *testing.T, store repository.Store) int64 {
	ctx := context.Background()
	c := &models.WorkflowCase{Name: "Claims", Description: "initial"}
	require.NoError(t, store.CreateCase(ctx, c))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateField(ctx, &models.Field{CaseID: c.ID, Name: fmt.Sprintf("seed%d", i), Type: models.FieldText, Label: "S"}))
	}
	return c.ID
}

func TestRollbackRestoresPreSessionState(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			ctx := context.Background()
			store := repository.NewMemory()
			caseID := seedCase(t, store)
			before := snapshot(t, store, caseID)

			mgr := newManager(store)
			id, err := mgr.Begin(ctx, caseID, "random edits", checkpoint.OriginLLM)
			require.NoError(t, err)

			m := mutator{t: t, store: store, rnd: newRand(seed)}
			sctx := checkpoint.WithRecorder(ctx, mgr.Recorder(id))
			for i := 0; i < 12; i++ {
				m.step(sctx, caseID, i)
			}

			require.NoError(t, mgr.Rollback(ctx, id))
			assert.Equal(t, before, snapshot(t, store, caseID))

			s, err := mgr.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, checkpoint.StatusRolledBack, s.Status)
			assert.Len(t, s.Operations, 12)
		})
	}
}

func TestCommitKeepsMutations(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	caseID := seedCase(t, store)
	mgr := newManager(store)

	id, err := mgr.Begin(ctx, caseID, "edits", checkpoint.OriginAPI)
	require.NoError(t, err)
	m := mutator{t: t, store: store, rnd: newRand(7)}
	sctx := checkpoint.WithRecorder(ctx, mgr.Recorder(id))
	for i := 0; i < 5; i++ {
		m.step(sctx, caseID, i)
	}
	after := snapshot(t, store, caseID)

	require.NoError(t, mgr.Commit(ctx, id))
	assert.Equal(t, after, snapshot(t, store, caseID))

	assert.ErrorIs(t, checkpoint.Record(sctx, checkpoint.Insert(models.EntityField, 99)), checkpoint.ErrSessionClosed)
	assert.ErrorIs(t, mgr.Rollback(ctx, id), checkpoint.ErrSessionClosed)
	assert.ErrorIs(t, mgr.Commit(ctx, id), checkpoint.ErrSessionClosed)
}

func TestBeginTargetBusy(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(repository.NewMemory())

	id, err := mgr.Begin(ctx, 42, "first", checkpoint.OriginLLM)
	require.NoError(t, err)

	_, err = mgr.Begin(ctx, 42, "second", checkpoint.OriginAPI)
	assert.ErrorIs(t, err, checkpoint.ErrTargetBusy)

	// new entities never conflict
	_, err = mgr.Begin(ctx, 0, "create a", checkpoint.OriginLLM)
	require.NoError(t, err)
	_, err = mgr.Begin(ctx, 0, "create b", checkpoint.OriginLLM)
	require.NoError(t, err)

	require.NoError(t, mgr.Commit(ctx, id))
	_, err = mgr.Begin(ctx, 42, "third", checkpoint.OriginAPI)
	assert.NoError(t, err)
}

func TestLogValidation(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(repository.NewMemory())
	id, err := mgr.Begin(ctx, 1, "x", checkpoint.OriginAPI)
	require.NoError(t, err)

	assert.Error(t, mgr.Log(ctx, id, checkpoint.Operation{Kind: checkpoint.KindUpdate, EntityType: models.EntityField, PrimaryKey: 3}))
	assert.Error(t, mgr.Log(ctx, id, checkpoint.Operation{Kind: checkpoint.KindInsert, EntityType: "user", PrimaryKey: 3}))
	assert.ErrorIs(t, mgr.Log(ctx, "missing", checkpoint.Insert(models.EntityField, 3)), checkpoint.ErrSessionNotFound)
	assert.NoError(t, mgr.Log(ctx, id, checkpoint.Insert(models.EntityField, 3)))
}

type failingRestorer struct {
	*repository.Memory
	failID int64
}

func (f failingRestorer) Remove(ctx context.Context, entity models.EntityType, id int64) error {
	if id == f.failID {
		return errors.New("disk on fire")
	}
	return f.Memory.Remove(ctx, entity, id)
}

func TestRollbackCollectsFailures(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	caseID := seedCase(t, store)
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), failingRestorer{Memory: store, failID: 1000}, logging.Nop())

	id, err := mgr.Begin(ctx, caseID, "x", checkpoint.OriginAPI)
	require.NoError(t, err)
	f := &models.Field{CaseID: caseID, Name: "new", Type: models.FieldText, Label: "N"}
	require.NoError(t, store.CreateField(ctx, f))
	require.NoError(t, mgr.Log(ctx, id, checkpoint.Insert(models.EntityField, f.ID)))
	require.NoError(t, mgr.Log(ctx, id, checkpoint.Insert(models.EntityField, 1000)))

	err = mgr.Rollback(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	// the other operation was still undone and the session closed
	_, err = store.GetField(ctx, f.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	s, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusRolledBack, s.Status)

	_, err = mgr.Begin(ctx, caseID, "after", checkpoint.OriginAPI)
	assert.NoError(t, err)
}

func TestRunSingle(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	caseID := seedCase(t, store)
	mgr := newManager(store)
	before := snapshot(t, store, caseID)

	err := mgr.RunSingle(ctx, caseID, "failing edit", checkpoint.OriginAPI, func(ctx context.Context) error {
		f := &models.Field{CaseID: caseID, Name: "temp", Type: models.FieldText, Label: "T"}
		require.NoError(t, store.CreateField(ctx, f))
		require.NoError(t, checkpoint.Record(ctx, checkpoint.Insert(models.EntityField, f.ID)))
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, before, snapshot(t, store, caseID))

	err = mgr.RunSingle(ctx, caseID, "good edit", checkpoint.OriginAPI, func(ctx context.Context) error {
		f := &models.Field{CaseID: caseID, Name: "kept", Type: models.FieldText, Label: "K"}
		require.NoError(t, store.CreateField(ctx, f))
		return checkpoint.Record(ctx, checkpoint.Insert(models.EntityField, f.ID))
	})
	require.NoError(t, err)
	_, err = store.GetFieldByName(ctx, caseID, "kept")
	assert.NoError(t, err)

	history, err := mgr.History(ctx, caseID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	statuses := []checkpoint.Status{history[0].Status, history[1].Status}
	assert.ElementsMatch(t, []checkpoint.Status{checkpoint.StatusCommitted, checkpoint.StatusRolledBack}, statuses)
}

func TestRunSingleBusyTargetRunsUnprotected(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	caseID := seedCase(t, store)
	mgr := newManager(store)

	_, err := mgr.Begin(ctx, caseID, "agent run", checkpoint.OriginLLM)
	require.NoError(t, err)

	ran := false
	err = mgr.RunSingle(ctx, caseID, "api edit", checkpoint.OriginAPI, func(ctx context.Context) error {
		ran = true
		assert.Nil(t, checkpoint.RecorderFrom(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	caseID := seedCase(t, store)
	before := snapshot(t, store, caseID)
	sessions := checkpoint.NewMemoryStore()

	crashed := checkpoint.NewManager(sessions, store, logging.Nop())
	id, err := crashed.Begin(ctx, caseID, "interrupted", checkpoint.OriginLLM)
	require.NoError(t, err)
	f := &models.Field{CaseID: caseID, Name: "orphan", Type: models.FieldText, Label: "O"}
	require.NoError(t, store.CreateField(ctx, f))
	require.NoError(t, crashed.Log(ctx, id, checkpoint.Insert(models.EntityField, f.ID)))

	restarted := checkpoint.NewManager(sessions, store, logging.Nop())
	n, err := restarted.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before, snapshot(t, store, caseID))
}

func TestRevertRefusesRunningSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	caseID := seedCase(t, store)
	sessions := checkpoint.NewMemoryStore()
	mgr := checkpoint.NewManager(sessions, store, logging.Nop())

	id, err := mgr.Begin(ctx, caseID, "agent run", checkpoint.OriginLLM)
	require.NoError(t, err)
	assert.ErrorIs(t, mgr.Revert(ctx, id), checkpoint.ErrSessionInUse)

	// the owner is unaffected
	f := &models.Field{CaseID: caseID, Name: "late", Type: models.FieldText, Label: "L"}
	require.NoError(t, store.CreateField(ctx, f))
	require.NoError(t, mgr.Log(ctx, id, checkpoint.Insert(models.EntityField, f.ID)))

	// another process sees an interrupted session and may undo it
	other := checkpoint.NewManager(sessions, store, logging.Nop())
	require.NoError(t, other.Revert(ctx, id))
	_, err = store.GetField(ctx, f.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	done, err := mgr.Begin(ctx, 0, "finished", checkpoint.OriginAPI)
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(ctx, done))
	assert.ErrorIs(t, mgr.Revert(ctx, done), checkpoint.ErrSessionClosed)
}

func TestSessionAdoptsCaseItCreates(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	mgr := newManager(store)

	id, err := mgr.Begin(ctx, 0, "create", checkpoint.OriginLLM)
	require.NoError(t, err)
	c := &models.WorkflowCase{Name: "Fresh"}
	require.NoError(t, store.CreateCase(ctx, c))
	require.NoError(t, mgr.Log(ctx, id, checkpoint.Insert(models.EntityCase, c.ID)))

	history, err := mgr.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	_, err = mgr.Begin(ctx, c.ID, "concurrent edit", checkpoint.OriginAPI)
	assert.ErrorIs(t, err, checkpoint.ErrTargetBusy)

	require.NoError(t, mgr.Commit(ctx, id))
	_, err = mgr.Begin(ctx, c.ID, "later edit", checkpoint.OriginAPI)
	assert.NoError(t, err)
}
