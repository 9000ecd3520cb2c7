package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint would be violated.
var ErrConflict = errors.New("conflict")

// Store persists workflow cases, fields and views.
type Store interface {
	CreateCase(ctx context.Context, c *models.WorkflowCase) error
	GetCase(ctx context.Context, id int64) (*models.WorkflowCase, error)
	ListCases(ctx context.Context) ([]*models.WorkflowCase, error)
	UpdateCase(ctx context.Context, c *models.WorkflowCase) error
	DeleteCase(ctx context.Context, id int64) error

	CreateField(ctx context.Context, f *models.Field) error
	GetField(ctx context.Context, id int64) (*models.Field, error)
	// GetFieldByName returns ErrNotFound when the case has no field named name.
	GetFieldByName(ctx context.Context, caseID int64, name string) (*models.Field, error)
	ListFields(ctx context.Context, caseID int64) ([]*models.Field, error)
	UpdateField(ctx context.Context, f *models.Field) error
	DeleteField(ctx context.Context, id int64) error

	CreateView(ctx context.Context, v *models.View) error
	GetView(ctx context.Context, id int64) (*models.View, error)
	GetViewByName(ctx context.Context, caseID int64, name string) (*models.View, error)
	ListViews(ctx context.Context, caseID int64) ([]*models.View, error)
	UpdateView(ctx context.Context, v *models.View) error
	DeleteView(ctx context.Context, id int64) error

	// Restore writes snapshot back as the full row of the given entity type,
	// inserting it under its original id or overwriting the current row.
	Restore(ctx context.Context, entity models.EntityType, snapshot json.RawMessage) error
	// Remove deletes the row with the given id, ignoring a missing row.
	Remove(ctx context.Context, entity models.EntityType, id int64) error

	// InTx runs fn inside a transaction. Nested calls use savepoints.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// decodeSnapshot unmarshals a before-image into the row type of entity.
func decodeSnapshot(entity models.EntityType, snapshot json.RawMessage) (any, error) {
	var dst any
	switch entity {
	case models.EntityCase:
		dst = &models.WorkflowCase{}
	case models.EntityField:
		dst = &models.Field{}
	case models.EntityView:
		dst = &models.View{}
	default:
		return nil, errors.New("unknown entity type " + string(entity))
	}
	if err := json.Unmarshal(snapshot, dst); err != nil {
		return nil, err
	}
	return dst, nil
}
