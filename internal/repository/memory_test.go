package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

// exerciseStore runs the same behavioural checks against any Store.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	c := &models.WorkflowCase{Name: "Claims", Description: "Insurance claims"}
	require.NoError(t, store.CreateCase(ctx, c))
	require.NotZero(t, c.ID)

	t.Run("case round trip", func(t *testing.T) {
		got, err := store.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Claims", got.Name)
		assert.NotNil(t, got.Model.Stages)

		_, err = store.GetCase(ctx, c.ID+1000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	var field *models.Field
	t.Run("fields", func(t *testing.T) {
		field = &models.Field{CaseID: c.ID, Name: "amount", Type: models.FieldCurrency, Label: "Amount",
			Required: true, Order: 2, DefaultValue: json.RawMessage(`0`)}
		require.NoError(t, store.CreateField(ctx, field))

		other := &models.Field{CaseID: c.ID, Name: "reason", Type: models.FieldDropdown, Label: "Reason",
			Order: 1, Options: []string{"a", "b"}}
		require.NoError(t, store.CreateField(ctx, other))

		dup := &models.Field{CaseID: c.ID, Name: "amount", Type: models.FieldText, Label: "Dup"}
		assert.ErrorIs(t, store.CreateField(ctx, dup), ErrConflict)

		byName, err := store.GetFieldByName(ctx, c.ID, "amount")
		require.NoError(t, err)
		assert.Equal(t, field.ID, byName.ID)
		assert.JSONEq(t, `0`, string(byName.DefaultValue))

		list, err := store.ListFields(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "reason", list[0].Name)
		assert.Equal(t, []string{"a", "b"}, list[0].Options)
	})

	var view *models.View
	t.Run("views", func(t *testing.T) {
		view = &models.View{CaseID: c.ID, Name: "Details", Model: models.ViewModel{
			Fields: []models.ViewField{{FieldID: field.ID, Required: true, Order: 1}},
			Layout: models.Layout{Type: "form", Columns: 1},
		}}
		require.NoError(t, store.CreateView(ctx, view))

		got, err := store.GetViewByName(ctx, c.ID, "Details")
		require.NoError(t, err)
		assert.Equal(t, view.Model, got.Model)

		got.Model.Layout.Columns = 2
		require.NoError(t, store.UpdateView(ctx, got))
		again, err := store.GetView(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, again.Model.Layout.Columns)
	})

	t.Run("restore and remove", func(t *testing.T) {
		before, err := store.GetField(ctx, field.ID)
		require.NoError(t, err)
		snapshot, err := json.Marshal(before)
		require.NoError(t, err)

		require.NoError(t, store.DeleteField(ctx, field.ID))
		_, err = store.GetField(ctx, field.ID)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.Restore(ctx, models.EntityField, snapshot))
		restored, err := store.GetField(ctx, field.ID)
		require.NoError(t, err)
		assert.Equal(t, before, restored)

		require.NoError(t, store.Remove(ctx, models.EntityView, view.ID))
		require.NoError(t, store.Remove(ctx, models.EntityView, view.ID))
		_, err = store.GetView(ctx, view.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete case", func(t *testing.T) {
		require.NoError(t, store.DeleteCase(ctx, c.ID))
		assert.ErrorIs(t, store.DeleteCase(ctx, c.ID), ErrNotFound)
		fields, err := store.ListFields(ctx, c.ID)
		require.NoError(t, err)
		assert.Empty(t, fields)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	c := &models.WorkflowCase{Name: "A"}
	require.NoError(t, store.CreateCase(ctx, c))

	got, err := store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", again.Name)
}
