package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ricmars/visualization-sub001/internal/services"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

const saveCaseDescription = `Persists the complete workflow model of a case and marks the case as finished.
Call it once every field and view the model needs exists.
Rules:
- model.stages[] each have id, name, order and processes[]; processes have id, name, order and steps[].
- every step has id, name, order and type.
- a step of type "Collect information" must set viewId to the id of a view returned by saveView for this case.
- each viewId may be used by only one step.
- steps never contain fields; put fields in views and reference the view.`

// NewWorkflowRegistry returns a Registry holding every workflow tool bound
// to svc.
func NewWorkflowRegistry(svc *services.WorkflowService) *Registry {
	r := NewRegistry()
	h := &handlers{svc: svc}

	Register(r, Spec{
		Description: "Creates a new, empty case and returns its id. Use the id for every following call about this case.",
	}, h.createCase)
	Register(r, Spec{
		Description: "Creates or updates fields of a case. A field whose name already exists is returned unchanged. " +
			"Pass id to update an existing field.",
	}, h.saveFields)
	Register(r, Spec{
		Description: "Creates or updates a view: an ordered list of fields shown by one Collect information step. " +
			"Every fieldId must belong to the case. A view with the same name is updated instead of duplicated.",
	}, h.saveView)
	Register(r, Spec{
		Description: saveCaseDescription,
		Finalize:    true,
	}, h.saveCase)
	Register(r, Spec{
		Description: "Deletes a field and removes it from every view of the case.",
	}, h.deleteField)
	Register(r, Spec{
		Description: "Deletes a view. A view still referenced by a step cannot be deleted; update the model with saveCase first.",
	}, h.deleteView)
	Register(r, Spec{
		Description: "Returns a case with its model, fields and views.",
		ReadOnly:    true,
	}, h.getCase)
	Register(r, Spec{
		Description: "Lists the fields of a case.",
		ReadOnly:    true,
	}, h.listFields)
	Register(r, Spec{
		Description: "Lists the views of a case.",
		ReadOnly:    true,
	}, h.listViews)
	Register(r, Spec{
		Description: "Lists every case with its id and name.",
		ReadOnly:    true,
	}, h.listCases)
	return r
}

type handlers struct {
	svc *services.WorkflowService
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func (h *handlers) createCase(ctx context.Context, p CreateCaseParams) (*Result, error) {
	c, err := h.svc.CreateCase(ctx, p.Name, p.Description)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Created case %q (id %d)", c.Name, c.ID),
		Payload: c,
	}, nil
}

func (h *handlers) saveCase(ctx context.Context, p SaveCaseParams) (*Result, error) {
	c, err := h.svc.SaveCase(ctx, services.CaseInput{
		ID:          p.CaseID,
		Name:        p.Name,
		Description: p.Description,
		Model:       p.Model,
	})
	if err != nil {
		return nil, err
	}
	processes := 0
	for _, st := range c.Model.Stages {
		processes += len(st.Processes)
	}
	return &Result{
		Summary: fmt.Sprintf("Saved workflow %q: %s, %s, %s", c.Name,
			plural(len(c.Model.Stages), "stage"), plural(processes, "process"), plural(len(c.Model.Steps()), "step")),
		Payload: c,
	}, nil
}

func (h *handlers) saveFields(ctx context.Context, p SaveFieldsParams) (*Result, error) {
	inputs := make([]services.FieldInput, len(p.Fields))
	for i, f := range p.Fields {
		inputs[i] = services.FieldInput{
			ID:           f.ID,
			Name:         f.Name,
			Type:         f.Type,
			Label:        f.Label,
			Description:  f.Description,
			Required:     f.Required,
			Primary:      f.Primary,
			Order:        f.Order,
			Options:      f.Options,
			DefaultValue: f.DefaultValue,
		}
	}
	res, err := h.svc.SaveFields(ctx, p.CaseID, inputs)
	if err != nil {
		return nil, err
	}

	var parts []string
	if res.Created > 0 {
		parts = append(parts, fmt.Sprintf("%d created", res.Created))
	}
	if res.Updated > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", res.Updated))
	}
	if res.Existing > 0 {
		parts = append(parts, fmt.Sprintf("%d already existed", res.Existing))
	}
	return &Result{
		Summary: "Fields: " + strings.Join(parts, ", "),
		Payload: map[string]any{
			"fields":   res.Fields,
			"created":  res.Created,
			"updated":  res.Updated,
			"existing": res.Existing,
		},
	}, nil
}

func (h *handlers) saveView(ctx context.Context, p SaveViewParams) (*Result, error) {
	fields := make([]models.ViewField, len(p.Fields))
	for i, f := range p.Fields {
		order := f.Order
		if order == 0 {
			order = i + 1
		}
		fields[i] = models.ViewField{FieldID: f.FieldID, Required: f.Required, Order: order}
	}
	v, created, err := h.svc.SaveView(ctx, services.ViewInput{
		ID:     p.ID,
		CaseID: p.CaseID,
		Name:   p.Name,
		Model: models.ViewModel{
			Fields: fields,
			Layout: models.Layout{Type: p.Layout.Type, Columns: p.Layout.Columns},
		},
	})
	if err != nil {
		return nil, err
	}
	verb := "Updated"
	if created {
		verb = "Created"
	}
	return &Result{
		Summary: fmt.Sprintf("%s view %q (id %d) with %s", verb, v.Name, v.ID, plural(len(v.Model.Fields), "field")),
		Payload: v,
	}, nil
}

func (h *handlers) deleteField(ctx context.Context, p DeleteFieldParams) (*Result, error) {
	res, err := h.svc.DeleteField(ctx, p.CaseID, p.FieldID)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("Deleted field %q", res.Field.Name)
	if res.ViewsUpdated > 0 {
		summary += fmt.Sprintf(" and removed it from %s", plural(res.ViewsUpdated, "view"))
	}
	return &Result{
		Summary: summary,
		Payload: map[string]any{"deleted": res.Field.ID, "viewsUpdated": res.ViewsUpdated},
	}, nil
}

func (h *handlers) deleteView(ctx context.Context, p DeleteViewParams) (*Result, error) {
	v, err := h.svc.DeleteView(ctx, p.CaseID, p.ViewID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Deleted view %q", v.Name),
		Payload: map[string]any{"deleted": v.ID},
	}, nil
}

func (h *handlers) getCase(ctx context.Context, p GetCaseParams) (*Result, error) {
	c, err := h.svc.GetCase(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	fields, err := h.svc.ListFields(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	views, err := h.svc.ListViews(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Loaded case %q with %s and %s", c.Name, plural(len(fields), "field"), plural(len(views), "view")),
		Payload: map[string]any{"case": c, "fields": fields, "views": views},
	}, nil
}

func (h *handlers) listFields(ctx context.Context, p ListFieldsParams) (*Result, error) {
	fields, err := h.svc.ListFields(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: "Found " + plural(len(fields), "field"), Payload: fields}, nil
}

func (h *handlers) listViews(ctx context.Context, p ListViewsParams) (*Result, error) {
	views, err := h.svc.ListViews(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: "Found " + plural(len(views), "view"), Payload: views}, nil
}

func (h *handlers) listCases(ctx context.Context, _ ListCasesParams) (*Result, error) {
	cases, err := h.svc.ListCases(ctx)
	if err != nil {
		return nil, err
	}
	type entry struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := make([]entry, len(cases))
	for i, c := range cases {
		out[i] = entry{ID: c.ID, Name: c.Name, Description: c.Description}
	}
	return &Result{Summary: "Found " + plural(len(cases), "case"), Payload: out}, nil
}
