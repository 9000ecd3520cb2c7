package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricmars/visualization-sub001/internal/logging"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/internal/services"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

func newRegistry() *Registry {
	svc := services.NewWorkflowService(repository.NewMemory(), logging.Nop())
	return NewWorkflowRegistry(svc)
}

func exec(t *testing.T, r *Registry, name, args string) *Result {
	t.Helper()
	res, err := r.Execute(context.Background(), name, json.RawMessage(args))
	require.NoError(t, err)
	return res
}

func TestDefinitions(t *testing.T) {
	r := newRegistry()
	defs := r.Definitions()
	require.Len(t, defs, 10)
	assert.Equal(t, ToolCreateCase, defs[0].Name)

	finalize := 0
	for _, d := range defs {
		assert.NotEmpty(t, d.Description, d.Name)
		schema := d.Schema()
		assert.Equal(t, "object", schema["type"], d.Name)
		if d.Finalize {
			finalize++
			assert.Equal(t, ToolSaveCase, d.Name)
		}
	}
	assert.Equal(t, 1, finalize)

	d, ok := r.Get(ToolGetCase)
	require.True(t, ok)
	assert.True(t, d.ReadOnly)
	d, _ = r.Get(ToolSaveFields)
	assert.False(t, d.ReadOnly)
}

func TestSaveFieldsSchemaCarriesEnums(t *testing.T) {
	d, ok := newRegistry().Get(ToolSaveFields)
	require.True(t, ok)

	var schema struct {
		Required   []string `json:"required"`
		Properties struct {
			Fields struct {
				Items struct {
					Properties map[string]struct {
						Enum []string `json:"enum"`
					} `json:"properties"`
				} `json:"items"`
			} `json:"fields"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(d.Parameters, &schema))
	assert.ElementsMatch(t, []string{"caseId", "fields"}, schema.Required)
	assert.Contains(t, schema.Properties.Fields.Items.Properties["type"].Enum, "CaseReference")
}

func TestExecuteErrors(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	_, err := r.Execute(ctx, "dropTables", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = r.Execute(ctx, ToolSaveFields, json.RawMessage(`{"caseId": 1, "fields": []}`))
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.ErrorContains(t, err, "fields must have at least 1 entries")

	_, err = r.Execute(ctx, ToolSaveFields, json.RawMessage(`{"caseId": 1, "fields": [{"type": "Text"}]}`))
	var perr *ParamsError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []string{"fields[0].name is required"}, perr.Problems)

	_, err = r.Execute(ctx, ToolCreateCase, json.RawMessage(`{"name": `))
	assert.ErrorIs(t, err, ErrInvalidParams)

	// empty arguments decode as an empty object
	res, err := r.Execute(ctx, ToolListCases, json.RawMessage(""))
	require.NoError(t, err)
	assert.Equal(t, "Found 0 cases", res.Summary)
}

func TestWorkflowTools(t *testing.T) {
	r := newRegistry()

	created := exec(t, r, ToolCreateCase, `{"name": "Expense claim"}`)
	caseID := created.Payload.(*models.WorkflowCase).ID
	assert.Equal(t, fmt.Sprintf("Created case \"Expense claim\" (id %d)", caseID), created.Summary)

	fields := exec(t, r, ToolSaveFields, fmt.Sprintf(`{"caseId": %d, "fields": [
		{"name": "amount", "type": "Currency", "required": true},
		{"name": "reason", "type": "Dropdown", "options": ["travel", "meals"]}
	]}`, caseID))
	assert.Equal(t, "Fields: 2 created", fields.Summary)
	saved := fields.Payload.(map[string]any)["fields"].([]*models.Field)

	again := exec(t, r, ToolSaveFields, fmt.Sprintf(`{"caseId": %d, "fields": [{"name": "amount", "type": "Text"}]}`, caseID))
	assert.Equal(t, "Fields: 1 already existed", again.Summary)

	view := exec(t, r, ToolSaveView, fmt.Sprintf(`{"caseId": %d, "name": "Submit", "fields": [{"fieldId": %d}, {"fieldId": %d}]}`,
		caseID, saved[0].ID, saved[1].ID))
	viewID := view.Payload.(*models.View).ID
	assert.Contains(t, view.Summary, "Created view \"Submit\"")
	assert.Contains(t, view.Summary, "with 2 fields")

	_, err := r.Execute(context.Background(), ToolSaveCase, json.RawMessage(fmt.Sprintf(`{"caseId": %d, "model": {"stages": [
		{"id": 1, "name": "Submit", "order": 1, "processes": [{"id": 1, "name": "Enter", "order": 1, "steps": [
			{"id": 1, "name": "Enter claim", "type": "Collect information", "order": 1, "viewId": %d}
		]}]}
	]}}`, caseID, viewID+100)))
	var merr *models.ModelError
	require.True(t, errors.As(err, &merr))

	final := exec(t, r, ToolSaveCase, fmt.Sprintf(`{"caseId": %d, "model": {"stages": [
		{"id": 1, "name": "Submit", "order": 1, "processes": [{"id": 1, "name": "Enter", "order": 1, "steps": [
			{"id": 1, "name": "Enter claim", "type": "Collect information", "order": 1, "viewId": %d},
			{"id": 2, "name": "Approve", "type": "Approve/Reject", "order": 2}
		]}]}
	]}}`, caseID, viewID))
	assert.Equal(t, "Saved workflow \"Expense claim\": 1 stage, 1 process, 2 steps", final.Summary)

	got := exec(t, r, ToolGetCase, fmt.Sprintf(`{"caseId": %d}`, caseID))
	assert.Equal(t, "Loaded case \"Expense claim\" with 2 fields and 1 view", got.Summary)

	del := exec(t, r, ToolDeleteField, fmt.Sprintf(`{"caseId": %d, "fieldId": %d}`, caseID, saved[1].ID))
	assert.Equal(t, "Deleted field \"reason\" and removed it from 1 view", del.Summary)
}

func TestInlineFieldsRejected(t *testing.T) {
	r := newRegistry()
	created := exec(t, r, ToolCreateCase, `{"name": "X"}`)
	caseID := created.Payload.(*models.WorkflowCase).ID

	_, err := r.Execute(context.Background(), ToolSaveCase, json.RawMessage(fmt.Sprintf(`{"caseId": %d, "model": {"stages": [
		{"id": 1, "name": "S", "processes": [{"id": 1, "name": "P", "steps": [
			{"id": 1, "name": "Step", "type": "Automation", "fields": [{"name": "x"}]}
		]}]}
	]}}`, caseID)))
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.ErrorContains(t, err, "reference a view")
}
