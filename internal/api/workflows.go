package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ricmars/visualization-sub001/internal/services"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

// CaseBody creates or updates a case. Model is only read by PUT.
type CaseBody struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Model       *models.CaseModel `json:"model,omitempty"`
}

// FieldBody is one field of a SaveFields request.
type FieldBody struct {
	ID           int64            `json:"id,omitempty"`
	Name         string           `json:"name"`
	Type         models.FieldType `json:"type"`
	Label        string           `json:"label,omitempty"`
	Description  string           `json:"description,omitempty"`
	Required     bool             `json:"required,omitempty"`
	Primary      bool             `json:"primary,omitempty"`
	Order        int              `json:"order,omitempty"`
	Options      []string         `json:"options,omitempty"`
	DefaultValue json.RawMessage  `json:"defaultValue,omitempty"`
}

// FieldsBody creates or updates fields in bulk.
type FieldsBody struct {
	Fields []FieldBody `json:"fields"`
}

// ViewBody creates or updates a view.
type ViewBody struct {
	ID    int64            `json:"id,omitempty"`
	Name  string           `json:"name"`
	Model models.ViewModel `json:"model"`
}

// CaseDetail is a case with its fields and views.
type CaseDetail struct {
	*models.WorkflowCase
	Fields []*models.Field `json:"fields"`
	Views  []*models.View  `json:"views"`
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}

// ListCases returns every case
// (GET /api/v1/cases)
func (s *Server) ListCases(c echo.Context) error {
	cases, err := s.svc.ListCases(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cases)
}

// CreateCase creates an empty case
// (POST /api/v1/cases)
func (s *Server) CreateCase(c echo.Context) error {
	var body CaseBody
	if err := bind(c, &body); err != nil {
		return err
	}
	var created *models.WorkflowCase
	err := s.mutate(c, 0, func(ctx context.Context) error {
		var err error
		created, err = s.svc.CreateCase(ctx, body.Name, body.Description)
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// GetCase returns a case with its fields and views
// (GET /api/v1/cases/:id)
func (s *Server) GetCase(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	wc, err := s.svc.GetCase(ctx, id)
	if err != nil {
		return err
	}
	fields, err := s.svc.ListFields(ctx, id)
	if err != nil {
		return err
	}
	views, err := s.svc.ListViews(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CaseDetail{WorkflowCase: wc, Fields: fields, Views: views})
}

// PutCase renames a case and, when a model is given, replaces its model
// (PUT /api/v1/cases/:id)
func (s *Server) PutCase(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body CaseBody
	if err := bind(c, &body); err != nil {
		return err
	}

	var saved *models.WorkflowCase
	err = s.mutate(c, id, func(ctx context.Context) error {
		model := body.Model
		if model == nil {
			cur, err := s.svc.GetCase(ctx, id)
			if err != nil {
				return err
			}
			model = &cur.Model
		}
		var err error
		saved, err = s.svc.SaveCase(ctx, services.CaseInput{
			ID:          id,
			Name:        body.Name,
			Description: body.Description,
			Model:       *model,
		})
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

// DeleteCase deletes a case with its fields and views
// (DELETE /api/v1/cases/:id)
func (s *Server) DeleteCase(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.mutate(c, id, func(ctx context.Context) error { return s.svc.DeleteCase(ctx, id) }); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListFields returns the fields of a case
// (GET /api/v1/cases/:id/fields)
func (s *Server) ListFields(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.svc.GetCase(ctx, id); err != nil {
		return err
	}
	fields, err := s.svc.ListFields(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fields)
}

// SaveFields creates or updates fields
// (POST /api/v1/cases/:id/fields)
func (s *Server) SaveFields(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body FieldsBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if len(body.Fields) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fields must not be empty")
	}
	inputs := make([]services.FieldInput, len(body.Fields))
	for i, f := range body.Fields {
		inputs[i] = services.FieldInput(f)
	}

	var res *services.SaveFieldsResult
	err = s.mutate(c, id, func(ctx context.Context) error {
		var err error
		res, err = s.svc.SaveFields(ctx, id, inputs)
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"fields":   res.Fields,
		"created":  res.Created,
		"updated":  res.Updated,
		"existing": res.Existing,
	})
}

// DeleteField deletes a field and removes it from every view
// (DELETE /api/v1/cases/:id/fields/:fieldId)
func (s *Server) DeleteField(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	fieldID, err := pathID(c, "fieldId")
	if err != nil {
		return err
	}
	err = s.mutate(c, id, func(ctx context.Context) error {
		_, err := s.svc.DeleteField(ctx, id, fieldID)
		return err
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListViews returns the views of a case
// (GET /api/v1/cases/:id/views)
func (s *Server) ListViews(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.svc.GetCase(ctx, id); err != nil {
		return err
	}
	views, err := s.svc.ListViews(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

// SaveView creates or updates a view
// (POST /api/v1/cases/:id/views)
func (s *Server) SaveView(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body ViewBody
	if err := bind(c, &body); err != nil {
		return err
	}

	var view *models.View
	created := false
	err = s.mutate(c, id, func(ctx context.Context) error {
		var err error
		view, created, err = s.svc.SaveView(ctx, services.ViewInput{ID: body.ID, CaseID: id, Name: body.Name, Model: body.Model})
		return err
	})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, view)
}

// DeleteView deletes a view no step references
// (DELETE /api/v1/cases/:id/views/:viewId)
func (s *Server) DeleteView(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	viewID, err := pathID(c, "viewId")
	if err != nil {
		return err
	}
	err = s.mutate(c, id, func(ctx context.Context) error {
		_, err := s.svc.DeleteView(ctx, id, viewID)
		return err
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
