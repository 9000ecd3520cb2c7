package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

// FieldInput describes a field to create, or to update when ID is set.
type FieldInput struct {
	ID           int64
	Name         string
	Type         models.FieldType
	Label        string
	Description  string
	Required     bool
	Primary      bool
	Order        int
	Options      []string
	DefaultValue json.RawMessage
}

// SaveFieldsResult reports what SaveFields did. Fields lists one record per
// input, in input order.
type SaveFieldsResult struct {
	Fields   []*models.Field
	Created  int
	Updated  int
	Existing int
}

func (in FieldInput) apply(f *models.Field) {
	f.Name = strings.TrimSpace(in.Name)
	f.Type = in.Type
	f.Label = in.Label
	if f.Label == "" {
		f.Label = f.Name
	}
	f.Description = in.Description
	f.Required = in.Required
	f.Primary = in.Primary
	f.Order = in.Order
	f.Options = in.Options
	f.DefaultValue = in.DefaultValue
}

func (in FieldInput) validate(i int) error {
	prefix := fmt.Sprintf("fields[%d]", i)
	if strings.TrimSpace(in.Name) == "" {
		return invalid(prefix+".name", "is required")
	}
	if !in.Type.Valid() {
		return invalid(prefix+".type", "unknown field type %q", in.Type)
	}
	if len(in.DefaultValue) > 0 && !json.Valid(in.DefaultValue) {
		return invalid(prefix+".defaultValue", "is not valid JSON")
	}
	return nil
}

// SaveFields creates or updates fields of a case. Creating a field whose
// name is already taken returns the existing record unchanged.
func (s *WorkflowService) SaveFields(ctx context.Context, caseID int64, inputs []FieldInput) (*SaveFieldsResult, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	for i, in := range inputs {
		if err := in.validate(i); err != nil {
			return nil, err
		}
	}

	res := &SaveFieldsResult{}
	for _, in := range inputs {
		if in.ID != 0 {
			f, err := s.updateField(ctx, caseID, in)
			if err != nil {
				return nil, err
			}
			res.Updated++
			res.Fields = append(res.Fields, f)
			continue
		}

		f, created, err := s.createField(ctx, caseID, in)
		if err != nil {
			return nil, err
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
		res.Fields = append(res.Fields, f)
	}
	s.log.Info("fields saved", "case", caseID, "created", res.Created, "updated", res.Updated, "existing", res.Existing)
	return res, nil
}

func (s *WorkflowService) createField(ctx context.Context, caseID int64, in FieldInput) (*models.Field, bool, error) {
	name := strings.TrimSpace(in.Name)
	existing, err := s.store.GetFieldByName(ctx, caseID, name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	f := &models.Field{CaseID: caseID}
	in.apply(f)
	err = s.insert(ctx, models.EntityField, func(ctx context.Context) (int64, error) {
		if err := s.store.CreateField(ctx, f); err != nil {
			return 0, fmt.Errorf("creating field %q: %w", name, err)
		}
		return f.ID, nil
	})
	if errors.Is(err, repository.ErrConflict) {
		// created concurrently by a sibling call
		existing, gerr := s.store.GetFieldByName(ctx, caseID, name)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (s *WorkflowService) updateField(ctx context.Context, caseID int64, in FieldInput) (*models.Field, error) {
	cur, err := s.store.GetField(ctx, in.ID)
	if err != nil {
		return nil, notFound(err, models.EntityField, in.ID)
	}
	if cur.CaseID != caseID {
		return nil, &NotFoundError{Entity: models.EntityField, ID: in.ID}
	}

	next := *cur
	in.apply(&next)
	err = s.change(ctx, checkpoint.KindUpdate, models.EntityField, cur.ID, cur, func(ctx context.Context) error {
		if err := s.store.UpdateField(ctx, &next); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return invalid("name", "a field named %q already exists in this case", next.Name)
			}
			return fmt.Errorf("updating field %d: %w", in.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// ListFields returns the fields of a case.
func (s *WorkflowService) ListFields(ctx context.Context, caseID int64) ([]*models.Field, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.store.ListFields(ctx, caseID)
}

// DeleteFieldResult reports a field deletion.
type DeleteFieldResult struct {
	Field        *models.Field
	ViewsUpdated int
}

// DeleteField deletes a field and removes it from every view that places it.
func (s *WorkflowService) DeleteField(ctx context.Context, caseID, fieldID int64) (*DeleteFieldResult, error) {
	f, err := s.store.GetField(ctx, fieldID)
	if err != nil {
		return nil, notFound(err, models.EntityField, fieldID)
	}
	if f.CaseID != caseID {
		return nil, &NotFoundError{Entity: models.EntityField, ID: fieldID}
	}

	views, err := s.store.ListViews(ctx, caseID)
	if err != nil {
		return nil, err
	}
	res := &DeleteFieldResult{Field: f}
	for _, v := range views {
		if !v.ReferencesField(fieldID) {
			continue
		}
		next := *v
		next.Model.Fields = []models.ViewField{}
		for _, vf := range v.Model.Fields {
			if vf.FieldID != fieldID {
				next.Model.Fields = append(next.Model.Fields, vf)
			}
		}
		err := s.change(ctx, checkpoint.KindUpdate, models.EntityView, v.ID, v, func(ctx context.Context) error {
			if err := s.store.UpdateView(ctx, &next); err != nil {
				return fmt.Errorf("updating view %d: %w", v.ID, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		res.ViewsUpdated++
	}

	err = s.change(ctx, checkpoint.KindDelete, models.EntityField, fieldID, f, func(ctx context.Context) error {
		if err := s.store.DeleteField(ctx, fieldID); err != nil {
			return notFound(err, models.EntityField, fieldID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("field deleted", "case", caseID, "field", fieldID, "views_updated", res.ViewsUpdated)
	return res, nil
}
