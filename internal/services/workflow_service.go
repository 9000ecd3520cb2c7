package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

// Logger is the logging surface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WorkflowService performs every mutation on cases, fields and views. Each
// mutation captures the prior row and logs it into the checkpoint session
// carried by the context, if any.
type WorkflowService struct {
	store repository.Store
	log   Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store repository.Store, log Logger) *WorkflowService {
	return &WorkflowService{store: store, log: log}
}

// insert runs create and logs the new row into the checkpoint session of
// ctx in one transaction. A row whose insert cannot be logged is removed
// again, so a later rollback never misses it.
func (s *WorkflowService) insert(ctx context.Context, entity models.EntityType, create func(ctx context.Context) (int64, error)) error {
	return s.store.InTx(ctx, func(ctx context.Context) error {
		id, err := create(ctx)
		if err != nil {
			return err
		}
		if err := checkpoint.Record(ctx, checkpoint.Insert(entity, id)); err != nil {
			if rmErr := s.store.Remove(ctx, entity, id); rmErr != nil {
				s.log.Error("removing unlogged insert", "entity", entity, "id", id, "error", rmErr)
			}
			return fmt.Errorf("recording insert of %s %d: %w", entity, id, err)
		}
		return nil
	})
}

// change runs write, which updates or deletes the row whose prior state is
// before, and logs it in one transaction. When the log write fails the
// prior row is put back.
func (s *WorkflowService) change(ctx context.Context, kind checkpoint.Kind, entity models.EntityType, id int64, before any, write func(ctx context.Context) error) error {
	var op checkpoint.Operation
	var err error
	if kind == checkpoint.KindDelete {
		op, err = checkpoint.Delete(entity, id, before)
	} else {
		op, err = checkpoint.Update(entity, id, before)
	}
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		if err := checkpoint.Record(ctx, op); err != nil {
			if rsErr := s.store.Restore(ctx, entity, op.Before); rsErr != nil {
				s.log.Error("restoring unlogged change", "entity", entity, "id", id, "error", rsErr)
			}
			return fmt.Errorf("recording %s of %s %d: %w", kind, entity, id, err)
		}
		return nil
	})
}

// CreateCase creates an empty case.
func (s *WorkflowService) CreateCase(ctx context.Context, name, description string) (*models.WorkflowCase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	c := &models.WorkflowCase{Name: name, Description: description}
	err := s.insert(ctx, models.EntityCase, func(ctx context.Context) (int64, error) {
		if err := s.store.CreateCase(ctx, c); err != nil {
			return 0, fmt.Errorf("creating case: %w", err)
		}
		return c.ID, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("case created", "case", c.ID, "name", c.Name)
	return c, nil
}

// GetCase returns a case.
func (s *WorkflowService) GetCase(ctx context.Context, id int64) (*models.WorkflowCase, error) {
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, notFound(err, models.EntityCase, id)
	}
	return c, nil
}

// ListCases returns all cases.
func (s *WorkflowService) ListCases(ctx context.Context) ([]*models.WorkflowCase, error) {
	return s.store.ListCases(ctx)
}

// CaseInput is the full replacement state of a case. Empty Name and
// Description keep the stored values.
type CaseInput struct {
	ID          int64
	Name        string
	Description string
	Model       models.CaseModel
}

// SaveCase validates and stores the complete model of an existing case.
func (s *WorkflowService) SaveCase(ctx context.Context, in CaseInput) (*models.WorkflowCase, error) {
	cur, err := s.GetCase(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	views, err := s.store.ListViews(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	viewIDs := make(map[int64]bool, len(views))
	for _, v := range views {
		viewIDs[v.ID] = true
	}
	if err := models.ValidateModel(in.Model, viewIDs); err != nil {
		return nil, err
	}

	next := *cur
	if name := strings.TrimSpace(in.Name); name != "" {
		next.Name = name
	}
	if in.Description != "" {
		next.Description = in.Description
	}
	next.Model = in.Model
	err = s.change(ctx, checkpoint.KindUpdate, models.EntityCase, cur.ID, cur, func(ctx context.Context) error {
		if err := s.store.UpdateCase(ctx, &next); err != nil {
			return notFound(err, models.EntityCase, in.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("case saved", "case", next.ID, "stages", len(next.Model.Stages))
	return &next, nil
}

// DeleteCase deletes a case together with its views and fields, logging
// each row so a rollback restores all of them.
func (s *WorkflowService) DeleteCase(ctx context.Context, id int64) error {
	cur, err := s.GetCase(ctx, id)
	if err != nil {
		return err
	}
	views, err := s.store.ListViews(ctx, id)
	if err != nil {
		return err
	}
	for _, v := range views {
		err := s.change(ctx, checkpoint.KindDelete, models.EntityView, v.ID, v, func(ctx context.Context) error {
			if err := s.store.DeleteView(ctx, v.ID); err != nil {
				return fmt.Errorf("deleting view %d: %w", v.ID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	fields, err := s.store.ListFields(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range fields {
		err := s.change(ctx, checkpoint.KindDelete, models.EntityField, f.ID, f, func(ctx context.Context) error {
			if err := s.store.DeleteField(ctx, f.ID); err != nil {
				return fmt.Errorf("deleting field %d: %w", f.ID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	err = s.change(ctx, checkpoint.KindDelete, models.EntityCase, id, cur, func(ctx context.Context) error {
		if err := s.store.DeleteCase(ctx, id); err != nil {
			return notFound(err, models.EntityCase, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("case deleted", "case", id, "views", len(views), "fields", len(fields))
	return nil
}
