// Package models contains the workflow case types shared by the service,
// the tool registry and the HTTP API.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// EntityType names a persisted record kind tracked by checkpoints.
type EntityType string

const (
	EntityCase  EntityType = "case"
	EntityField EntityType = "field"
	EntityView  EntityType = "view"
)

// StepType is the kind of a step inside a process.
type StepType string

const (
	StepCollectInformation StepType = "Collect information"
	StepApproveReject      StepType = "Approve/Reject"
	StepAutomation         StepType = "Automation"
	StepCreateCase         StepType = "Create Case"
	StepDecision           StepType = "Decision"
	StepGenerateDocument   StepType = "Generate Document"
	StepGenerateLetter     StepType = "Generate Letter"
	StepSendNotification   StepType = "Send Notification"
)

// StepTypes lists every valid step type in display order.
var StepTypes = []StepType{
	StepCollectInformation,
	StepApproveReject,
	StepAutomation,
	StepCreateCase,
	StepDecision,
	StepGenerateDocument,
	StepGenerateLetter,
	StepSendNotification,
}

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	for _, v := range StepTypes {
		if v == t {
			return true
		}
	}
	return false
}

// FieldType is the data type of a field.
type FieldType string

const (
	FieldText          FieldType = "Text"
	FieldAddress       FieldType = "Address"
	FieldEmail         FieldType = "Email"
	FieldDate          FieldType = "Date"
	FieldDateTime      FieldType = "DateTime"
	FieldDecimal       FieldType = "Decimal"
	FieldInteger       FieldType = "Integer"
	FieldBoolean       FieldType = "Boolean"
	FieldCurrency      FieldType = "Currency"
	FieldPercentage    FieldType = "Percentage"
	FieldPhone         FieldType = "Phone"
	FieldURL           FieldType = "URL"
	FieldTextArea      FieldType = "TextArea"
	FieldRichText      FieldType = "RichText"
	FieldDropdown      FieldType = "Dropdown"
	FieldRadioButtons  FieldType = "RadioButtons"
	FieldCheckbox      FieldType = "Checkbox"
	FieldStatus        FieldType = "Status"
	FieldUserReference FieldType = "UserReference"
	FieldCaseReference FieldType = "CaseReference"
)

// FieldTypes lists every valid field type.
var FieldTypes = []FieldType{
	FieldText, FieldAddress, FieldEmail, FieldDate, FieldDateTime,
	FieldDecimal, FieldInteger, FieldBoolean, FieldCurrency, FieldPercentage,
	FieldPhone, FieldURL, FieldTextArea, FieldRichText, FieldDropdown,
	FieldRadioButtons, FieldCheckbox, FieldStatus, FieldUserReference, FieldCaseReference,
}

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	for _, v := range FieldTypes {
		if v == t {
			return true
		}
	}
	return false
}

// WorkflowCase is the root record the agent builds.
type WorkflowCase struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Model       CaseModel `json:"model"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CaseModel is the stage/process/step tree of a case.
type CaseModel struct {
	Stages []Stage `json:"stages"`
}

// Stage groups processes.
type Stage struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	Processes []Process `json:"processes"`
}

// Process groups steps.
type Process struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
	Steps []Step `json:"steps"`
}

// Step is a single unit of work. Fields are never inlined on a step; a
// collect-information step points at a View instead.
type Step struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Type   StepType `json:"type"`
	Order  int      `json:"order"`
	ViewID *int64   `json:"viewId,omitempty"`
}

// ErrInlineFields is returned when a step carries its own field list.
var ErrInlineFields = errors.New("steps must not contain fields; reference a view with viewId")

// UnmarshalJSON rejects steps carrying an inline "fields" key.
func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	var shape struct {
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	if shape.Fields != nil {
		return ErrInlineFields
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Step(p)
	return nil
}

// Steps returns every step of the model in stage/process order.
func (m CaseModel) Steps() []Step {
	var out []Step
	for _, st := range m.Stages {
		for _, p := range st.Processes {
			out = append(out, p.Steps...)
		}
	}
	return out
}

// Field is a data-entry field of a case.
type Field struct {
	ID           int64           `json:"id"`
	CaseID       int64           `json:"caseId"`
	Name         string          `json:"name"`
	Type         FieldType       `json:"type"`
	Label        string          `json:"label"`
	Description  string          `json:"description,omitempty"`
	Required     bool            `json:"required"`
	Primary      bool            `json:"primary"`
	Order        int             `json:"order"`
	Options      []string        `json:"options,omitempty"`
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`
}

// View is a display form referencing fields of the same case.
type View struct {
	ID     int64     `json:"id"`
	CaseID int64     `json:"caseId"`
	Name   string    `json:"name"`
	Model  ViewModel `json:"model"`
}

// ViewModel is the ordered field list and layout of a view.
type ViewModel struct {
	Fields []ViewField `json:"fields"`
	Layout Layout      `json:"layout"`
}

// ViewField places one field in a view.
type ViewField struct {
	FieldID  int64 `json:"fieldId"`
	Required bool  `json:"required"`
	Order    int   `json:"order"`
}

// Layout describes how a view renders its fields.
type Layout struct {
	Type    string `json:"type"`
	Columns int    `json:"columns"`
}

// ReferencesField reports whether the view places fieldID.
func (v *View) ReferencesField(fieldID int64) bool {
	for _, f := range v.Model.Fields {
		if f.FieldID == fieldID {
			return true
		}
	}
	return false
}
