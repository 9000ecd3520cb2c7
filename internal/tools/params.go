package tools

import (
	"encoding/json"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

// CreateCaseParams creates an empty case.
type CreateCaseParams struct {
	Name        string `json:"name" validate:"required" jsonschema_description:"Display name of the new case type."`
	Description string `json:"description,omitempty" jsonschema_description:"What the case is for."`
}

// SaveCaseParams persists the complete stage/process/step model.
type SaveCaseParams struct {
	CaseID      int64            `json:"caseId" validate:"required" jsonschema_description:"Id returned by createCase."`
	Name        string           `json:"name,omitempty" jsonschema_description:"New name; omit to keep the current one."`
	Description string           `json:"description,omitempty"`
	Model       models.CaseModel `json:"model" validate:"required" jsonschema_description:"The full model. It replaces the stored model."`
}

// FieldParam is one field to create or update.
type FieldParam struct {
	ID           int64            `json:"id,omitempty" jsonschema_description:"Set to update an existing field; omit to create."`
	Name         string           `json:"name" validate:"required" jsonschema_description:"Unique name within the case, e.g. customerEmail."`
	Type         models.FieldType `json:"type" validate:"required"`
	Label        string           `json:"label,omitempty"`
	Description  string           `json:"description,omitempty"`
	Required     bool             `json:"required,omitempty"`
	Primary      bool             `json:"primary,omitempty"`
	Order        int              `json:"order,omitempty"`
	Options      []string         `json:"options,omitempty" jsonschema_description:"Choices for Dropdown, RadioButtons and Status fields."`
	DefaultValue json.RawMessage  `json:"defaultValue,omitempty"`
}

// SaveFieldsParams creates or updates fields in bulk.
type SaveFieldsParams struct {
	CaseID int64        `json:"caseId" validate:"required"`
	Fields []FieldParam `json:"fields" validate:"required,min=1,dive"`
}

// ViewFieldParam places a field in a view.
type ViewFieldParam struct {
	FieldID  int64 `json:"fieldId" validate:"required" jsonschema_description:"Id of a field of the same case."`
	Required bool  `json:"required,omitempty"`
	Order    int   `json:"order,omitempty"`
}

// LayoutParam selects how a view renders.
type LayoutParam struct {
	Type    string `json:"type,omitempty" jsonschema:"enum=form,enum=grid,enum=sections"`
	Columns int    `json:"columns,omitempty"`
}

// SaveViewParams creates or updates a view.
type SaveViewParams struct {
	CaseID int64            `json:"caseId" validate:"required"`
	ID     int64            `json:"id,omitempty" jsonschema_description:"Set to update an existing view by id."`
	Name   string           `json:"name" validate:"required" jsonschema_description:"View name; an existing view with this name is updated."`
	Fields []ViewFieldParam `json:"fields" validate:"dive"`
	Layout LayoutParam      `json:"layout,omitempty"`
}

// DeleteFieldParams deletes a field.
type DeleteFieldParams struct {
	CaseID  int64 `json:"caseId" validate:"required"`
	FieldID int64 `json:"fieldId" validate:"required"`
}

// DeleteViewParams deletes a view.
type DeleteViewParams struct {
	CaseID int64 `json:"caseId" validate:"required"`
	ViewID int64 `json:"viewId" validate:"required"`
}

// GetCaseParams loads a case with its fields and views.
type GetCaseParams struct {
	CaseID int64 `json:"caseId" validate:"required"`
}

// ListFieldsParams lists the fields of a case.
type ListFieldsParams struct {
	CaseID int64 `json:"caseId" validate:"required"`
}

// ListViewsParams lists the views of a case.
type ListViewsParams struct {
	CaseID int64 `json:"caseId" validate:"required"`
}

// ListCasesParams lists every case.
type ListCasesParams struct{}

// Tool names.
const (
	ToolCreateCase  = "createCase"
	ToolSaveCase    = "saveCase"
	ToolSaveFields  = "saveFields"
	ToolSaveView    = "saveView"
	ToolDeleteField = "deleteField"
	ToolDeleteView  = "deleteView"
	ToolGetCase     = "getCase"
	ToolListFields  = "listFields"
	ToolListViews   = "listViews"
	ToolListCases   = "listCases"
)

func (CreateCaseParams) ToolName() string  { return ToolCreateCase }
func (SaveCaseParams) ToolName() string    { return ToolSaveCase }
func (SaveFieldsParams) ToolName() string  { return ToolSaveFields }
func (SaveViewParams) ToolName() string    { return ToolSaveView }
func (DeleteFieldParams) ToolName() string { return ToolDeleteField }
func (DeleteViewParams) ToolName() string  { return ToolDeleteView }
func (GetCaseParams) ToolName() string     { return ToolGetCase }
func (ListFieldsParams) ToolName() string  { return ToolListFields }
func (ListViewsParams) ToolName() string   { return ToolListViews }
func (ListCasesParams) ToolName() string   { return ToolListCases }
