package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

// ViewInput describes a view to create, or to update when ID is set. A new
// view whose name is taken replaces the model of the existing view.
type ViewInput struct {
	ID     int64
	CaseID int64
	Name   string
	Model  models.ViewModel
}

// SaveView validates the field references of a view and stores it. The
// boolean result reports whether a new view was created.
func (s *WorkflowService) SaveView(ctx context.Context, in ViewInput) (*models.View, bool, error) {
	if _, err := s.GetCase(ctx, in.CaseID); err != nil {
		return nil, false, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Model.Layout.Type == "" {
		in.Model.Layout.Type = "form"
	}
	if in.Model.Layout.Columns <= 0 {
		in.Model.Layout.Columns = 1
	}
	if in.Model.Fields == nil {
		in.Model.Fields = []models.ViewField{}
	}

	fields, err := s.store.ListFields(ctx, in.CaseID)
	if err != nil {
		return nil, false, err
	}
	fieldIDs := make(map[int64]bool, len(fields))
	for _, f := range fields {
		fieldIDs[f.ID] = true
	}
	candidate := models.View{ID: in.ID, CaseID: in.CaseID, Name: in.Name, Model: in.Model}
	if err := models.ValidateView(candidate, fieldIDs); err != nil {
		return nil, false, err
	}

	var cur *models.View
	if in.ID != 0 {
		cur, err = s.store.GetView(ctx, in.ID)
		if err != nil {
			return nil, false, notFound(err, models.EntityView, in.ID)
		}
		if cur.CaseID != in.CaseID {
			return nil, false, &NotFoundError{Entity: models.EntityView, ID: in.ID}
		}
	} else {
		cur, err = s.store.GetViewByName(ctx, in.CaseID, in.Name)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
	}

	if cur == nil {
		v := &candidate
		err := s.insert(ctx, models.EntityView, func(ctx context.Context) (int64, error) {
			if err := s.store.CreateView(ctx, v); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return 0, invalid("name", "a view named %q already exists in this case", in.Name)
				}
				return 0, fmt.Errorf("creating view %q: %w", in.Name, err)
			}
			return v.ID, nil
		})
		if err != nil {
			return nil, false, err
		}
		s.log.Info("view created", "case", in.CaseID, "view", v.ID, "fields", len(v.Model.Fields))
		return v, true, nil
	}

	next := *cur
	next.Name = in.Name
	next.Model = in.Model
	err = s.change(ctx, checkpoint.KindUpdate, models.EntityView, cur.ID, cur, func(ctx context.Context) error {
		if err := s.store.UpdateView(ctx, &next); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return invalid("name", "a view named %q already exists in this case", in.Name)
			}
			return fmt.Errorf("updating view %d: %w", cur.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	s.log.Info("view updated", "case", in.CaseID, "view", cur.ID, "fields", len(next.Model.Fields))
	return &next, false, nil
}

// GetView returns a view.
func (s *WorkflowService) GetView(ctx context.Context, id int64) (*models.View, error) {
	v, err := s.store.GetView(ctx, id)
	if err != nil {
		return nil, notFound(err, models.EntityView, id)
	}
	return v, nil
}

// ListViews returns the views of a case.
func (s *WorkflowService) ListViews(ctx context.Context, caseID int64) ([]*models.View, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.store.ListViews(ctx, caseID)
}

// DeleteView deletes a view that no step of the case model references.
func (s *WorkflowService) DeleteView(ctx context.Context, caseID, viewID int64) (*models.View, error) {
	v, err := s.store.GetView(ctx, viewID)
	if err != nil {
		return nil, notFound(err, models.EntityView, viewID)
	}
	if v.CaseID != caseID {
		return nil, &NotFoundError{Entity: models.EntityView, ID: viewID}
	}
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, step := range c.Model.Steps() {
		if step.ViewID != nil && *step.ViewID == viewID {
			return nil, invalid("viewId", "view %d is used by step %q; update the case model first", viewID, step.Name)
		}
	}

	err = s.change(ctx, checkpoint.KindDelete, models.EntityView, viewID, v, func(ctx context.Context) error {
		if err := s.store.DeleteView(ctx, viewID); err != nil {
			return notFound(err, models.EntityView, viewID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("view deleted", "case", caseID, "view", viewID)
	return v, nil
}
