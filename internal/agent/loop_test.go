package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/config"
	"github.com/ricmars/visualization-sub001/internal/extract"
	"github.com/ricmars/visualization-sub001/internal/llm"
	"github.com/ricmars/visualization-sub001/internal/logging"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/internal/services"
	"github.com/ricmars/visualization-sub001/internal/stream"
	"github.com/ricmars/visualization-sub001/internal/tools"
	"github.com/ricmars/visualization-sub001/pkg/models"
)

// scriptedProvider replays one scripted response per model call. Calls
// beyond the script answer with plain text.
type scriptedProvider struct {
	family llm.Family
	turns  []func(ctx context.Context) (<-chan llm.Delta, error)

	mu       sync.Mutex
	requests []llm.Request
}

func (p *scriptedProvider) Family() llm.Family { return p.family }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if i >= len(p.turns) {
		return deltas(llm.Delta{Content: "Nothing more to do."}, llm.Delta{FinishReason: llm.FinishStop})(ctx)
	}
	return p.turns[i](ctx)
}

func (p *scriptedProvider) request(i int) llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func deltas(ds ...llm.Delta) func(context.Context) (<-chan llm.Delta, error) {
	return func(context.Context) (<-chan llm.Delta, error) {
		ch := make(chan llm.Delta, len(ds))
		for _, d := range ds {
			ch <- d
		}
		close(ch)
		return ch, nil
	}
}

func failing(err error) func(context.Context) (<-chan llm.Delta, error) {
	return func(context.Context) (<-chan llm.Delta, error) { return nil, err }
}

// hanging never answers; the stream ends when the call times out.
func hanging(ctx context.Context) (<-chan llm.Delta, error) {
	ch := make(chan llm.Delta)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type call struct {
	id, name, args string
}

// toolTurn streams text followed by calls whose arguments arrive in two
// fragments each.
func toolTurn(text string, calls ...call) func(context.Context) (<-chan llm.Delta, error) {
	var ds []llm.Delta
	if text != "" {
		ds = append(ds, llm.Delta{Content: text})
	}
	for i, c := range calls {
		half := len(c.args) / 2
		ds = append(ds,
			llm.Delta{ToolCalls: []extract.Fragment{{Index: i, ID: c.id, Name: c.name, Arguments: c.args[:half]}}},
			llm.Delta{ToolCalls: []extract.Fragment{{Index: i, Arguments: c.args[half:]}}},
		)
	}
	ds = append(ds, llm.Delta{FinishReason: llm.FinishToolCalls})
	return deltas(ds...)
}

type frameSink struct {
	mu     sync.Mutex
	frames []stream.Frame
}

func (s *frameSink) Send(f stream.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) text() string {
	var b strings.Builder
	for _, f := range s.frames {
		if f.Text != nil {
			b.WriteString(*f.Text)
		}
	}
	return b.String()
}

func (s *frameSink) errors() []string {
	var out []string
	for _, f := range s.frames {
		if f.Error != "" {
			out = append(out, f.Error)
		}
	}
	return out
}

func (s *frameSink) toolResults() []string {
	var out []string
	for _, f := range s.frames {
		if f.ToolResult != nil {
			out = append(out, f.ToolResult.Name)
		}
	}
	return out
}

type fixture struct {
	store       *repository.Memory
	svc         *services.WorkflowService
	checkpoints *checkpoint.Manager
	registry    *tools.Registry
}

func newFixture() *fixture {
	store := repository.NewMemory()
	svc := services.NewWorkflowService(store, logging.Nop())
	return &fixture{
		store:       store,
		svc:         svc,
		checkpoints: checkpoint.NewManager(checkpoint.NewMemoryStore(), store, logging.Nop()),
		registry:    tools.NewWorkflowRegistry(svc),
	}
}

func (f *fixture) loop(p llm.Provider, maxIterations int) *Loop {
	return New(p, f.registry, f.checkpoints, config.Agent{
		MaxIterations:   maxIterations,
		ModelTimeout:    time.Second,
		ToolConcurrency: 4,
		ToolTimeout:     time.Second,
	}, logging.Nop())
}

const validModel = `{"caseId": 1, "model": {"stages": [{"id": 1, "name": "Intake", "order": 1, "processes": [
	{"id": 1, "name": "Collect", "order": 1, "steps": [
		{"id": 1, "name": "Enter details", "type": "Collect information", "order": 1, "viewId": 4}]}]}]}}`

func TestRunCreatesWorkflow(t *testing.T) {
	f := newFixture()
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("Creating the case.", call{"c1", "createCase", `{"name": "Onboarding"}`}),
		toolTurn("", call{"c2", "saveFields", `{"caseId": 1, "fields": [{"name": "name", "type": "Text"}, {"name": "email", "type": "Email"}]}`}),
		toolTurn("", call{"c3", "saveView", `{"caseId": 1, "name": "Details", "fields": [{"fieldId": 2}, {"fieldId": 3}]}`},
			call{"c4", "listFields", `{"caseId": 1}`}),
		toolTurn("Saving.", call{"c5", "saveCase", validModel}),
	}}
	sink := &frameSink{}

	out := f.loop(p, 10).Run(context.Background(), Request{Prompt: "Create an onboarding workflow"}, sink)
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 4, out.Iterations)

	c, err := f.svc.GetCase(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, c.Model.Stages, 1)

	s, err := f.checkpoints.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCommitted, s.Status)
	assert.Len(t, s.Operations, 5) // case, two fields, view, model update

	assert.Equal(t, []string{"createCase", "saveFields", "saveView", "listFields", "saveCase"}, sink.toolResults())
	assert.Empty(t, sink.errors())
	assert.Contains(t, sink.text(), "Creating the case.")
	assert.Contains(t, sink.text(), "Fields: 2 created")
	assert.True(t, sink.frames[len(sink.frames)-1].Done)

	// each tool result answers its call by id
	second := p.request(1).Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "createCase", second[len(second)-2].ToolCalls[0].Name)

	fourth := p.request(3).Messages
	require.GreaterOrEqual(t, len(fourth), 2)
	assert.Equal(t, "c3", fourth[len(fourth)-2].ToolCallID)
	assert.Equal(t, "c4", fourth[len(fourth)-1].ToolCallID)
	assert.Len(t, p.request(0).Tools, 10)
}

func TestRunFeedsToolErrorsBackAndRollsBackAtCap(t *testing.T) {
	f := newFixture()
	badModel := strings.Replace(validModel, `"viewId": 4`, `"viewId": 99`, 1)
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", call{"c1", "createCase", `{"name": "Claims"}`}),
		toolTurn("", call{"c2", "saveCase", badModel}),
		toolTurn("", call{"c3", "saveCase", badModel}),
	}}
	sink := &frameSink{}

	out := f.loop(p, 3).Run(context.Background(), Request{Prompt: "Create workflow X"}, sink)
	assert.False(t, out.Completed)
	assert.Equal(t, StateDone, out.State)
	assert.ErrorIs(t, out.Err, ErrIterationLimit)

	// the referential error reached the model as a tool error
	third := p.request(2).Messages
	last := third[len(third)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, "c2", last.ToolCallID)
	assert.Contains(t, last.Content, "view 99")

	// nothing of the run survives
	cases, err := f.svc.ListCases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cases)
	s, err := f.checkpoints.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusRolledBack, s.Status)

	errs := sink.errors()
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "view 99")
	assert.Contains(t, errs[len(errs)-1], "iteration limit")
	assert.Contains(t, sink.text(), "left incomplete")
	assert.True(t, sink.frames[len(sink.frames)-1].Done)
}

func TestRunTextFamilyExtractsSequentialCalls(t *testing.T) {
	f := newFixture()
	text := "I'll add the fields.\nTOOL: saveFields PARAMS: {\"caseId\": 1, \"fields\": [{\"name\": \"a\", \"type\": \"Text\", \"label\": \"{a}\"}]}\n" +
		"TOOL: saveFields PARAMS: {\"caseId\": 1, \"fields\": [{\"name\": \"b\", \"type\": \"Email\"}]}"
	var chunks []llm.Delta
	for i := 0; i < len(text); i += 7 {
		chunks = append(chunks, llm.Delta{Content: text[i:min(i+7, len(text))]})
	}
	chunks = append(chunks, llm.Delta{FinishReason: llm.FinishStop})

	automation := `TOOL: saveCase PARAMS: {"caseId": 1, "model": {"stages": [{"id": 1, "name": "Run", "processes": [{"id": 1, "name": "P", "steps": [{"id": 1, "name": "Notify", "type": "Automation"}]}]}]}}`
	p := &scriptedProvider{family: llm.FamilyText, turns: []func(context.Context) (<-chan llm.Delta, error){
		deltas(llm.Delta{Content: `TOOL: createCase PARAMS: {"name": "Intake"}`}),
		deltas(chunks...),
		deltas(llm.Delta{Content: "Anything else?"}),
		deltas(llm.Delta{Content: automation}),
	}}
	sink := &frameSink{}

	out := f.loop(p, 10).Run(context.Background(), Request{Prompt: "Build an intake flow"}, sink)
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, 4, out.Iterations)

	fields, err := f.svc.ListFields(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, fields, 2)

	assert.NotContains(t, sink.text(), "TOOL:")
	assert.Contains(t, sink.text(), "I'll add the fields.")

	// the text-only turn was answered with a nudge that reports progress
	fourth := p.request(3).Messages
	nudgeMsg := fourth[len(fourth)-1]
	assert.True(t, nudgeMsg.Note)
	assert.Contains(t, nudgeMsg.Content, "2 fields exist but no views")
}

func TestRunRetriesTransientErrors(t *testing.T) {
	f := newFixture()
	c, err := f.svc.CreateCase(context.Background(), "Existing", "")
	require.NoError(t, err)

	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		failing(&llm.TransientError{Status: 503, Err: errors.New("overloaded")}),
		deltas(llm.Delta{Content: "The case has no fields yet."}, llm.Delta{FinishReason: llm.FinishStop}),
	}}
	sink := &frameSink{}

	out := f.loop(p, 5).Run(context.Background(), Request{Prompt: "How many fields?", CaseID: c.ID, CaseName: c.Name}, sink)
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, 2, out.Iterations)

	second := p.request(1).Messages
	assert.True(t, second[len(second)-1].Note)
	assert.Contains(t, second[len(second)-1].Content, "overloaded")
	assert.Contains(t, second[0].Content, fmt.Sprintf("id %d", c.ID))
}

func TestRunModelTimeoutExhaustsCap(t *testing.T) {
	f := newFixture()
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){hanging, hanging}}
	l := New(p, f.registry, f.checkpoints, config.Agent{MaxIterations: 2, ModelTimeout: 30 * time.Millisecond}, logging.Nop())
	sink := &frameSink{}

	out := l.Run(context.Background(), Request{Prompt: "Create something"}, sink)
	assert.False(t, out.Completed)
	assert.ErrorIs(t, out.Err, ErrIterationLimit)
	assert.ErrorContains(t, out.Err, "last model error")
	assert.True(t, sink.frames[len(sink.frames)-1].Done)
}

func TestRunEditWithSelectionStopsAfterMutation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.svc.CreateCase(ctx, "Existing", "")
	require.NoError(t, err)
	res, err := f.svc.SaveFields(ctx, c.ID, []services.FieldInput{{Name: "amount", Type: models.FieldText}})
	require.NoError(t, err)
	fieldID := res.Fields[0].ID

	args := fmt.Sprintf(`{"caseId": %d, "fields": [{"id": %d, "name": "amount", "type": "Currency", "label": "Amount"}]}`, c.ID, fieldID)
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", call{"c1", "saveFields", args}),
	}}

	out := f.loop(p, 5).Run(ctx, Request{
		Prompt:    "Make the selected field a currency",
		CaseID:    c.ID,
		Selection: &Selection{FieldIDs: []int64{fieldID}},
	}, &frameSink{})
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, 1, out.Iterations)
	assert.Contains(t, p.request(0).Messages[0].Content, fmt.Sprintf("fields %d", fieldID))

	got, err := f.store.GetField(ctx, fieldID)
	require.NoError(t, err)
	assert.Equal(t, models.FieldType("Currency"), got.Type)

	history, err := f.checkpoints.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, checkpoint.StatusCommitted, history[0].Status)
}

func TestRunEditWithSelectionFailsWhenMutationFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.svc.CreateCase(ctx, "Existing", "")
	require.NoError(t, err)
	_, err = f.svc.SaveFields(ctx, c.ID, []services.FieldInput{{Name: "amount", Type: models.FieldText}})
	require.NoError(t, err)

	args := fmt.Sprintf(`{"caseId": %d, "fields": [{"id": 999, "name": "ghost", "type": "Currency"}]}`, c.ID)
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", call{"c1", "saveFields", args}),
		deltas(llm.Delta{Content: "Done."}),
	}}
	sink := &frameSink{}

	out := f.loop(p, 5).Run(ctx, Request{
		Prompt:    "Make the selected field a currency",
		CaseID:    c.ID,
		Selection: &Selection{FieldIDs: []int64{999}},
	}, sink)
	assert.False(t, out.Completed)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 1, out.Iterations)
	assert.ErrorIs(t, out.Err, ErrIncomplete)
	assert.ErrorContains(t, out.Err, "saveFields")

	assert.Contains(t, sink.text(), "saveFields failed.")
	assert.Contains(t, sink.text(), "left incomplete")
	assert.NotContains(t, sink.text(), "Task completed")
	assert.True(t, sink.frames[len(sink.frames)-1].Done)

	s, err := f.checkpoints.Get(ctx, out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusRolledBack, s.Status)

	fields, err := f.svc.ListFields(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, models.FieldText, fields[0].Type)
}

func TestRunEditFailsWhenMutationIsNeverRepaired(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.svc.CreateCase(ctx, "Existing", "")
	require.NoError(t, err)

	args := fmt.Sprintf(`{"caseId": %d, "fields": [{"id": 999, "name": "ghost", "type": "Currency"}]}`, c.ID)
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", call{"c1", "saveFields", args}),
		deltas(llm.Delta{Content: "I updated the field."}),
	}}
	sink := &frameSink{}

	out := f.loop(p, 5).Run(ctx, Request{Prompt: "Make the ghost field a currency", CaseID: c.ID}, sink)
	assert.False(t, out.Completed)
	assert.Equal(t, 2, out.Iterations)
	assert.ErrorIs(t, out.Err, ErrIncomplete)
	assert.Contains(t, sink.text(), "left incomplete")
	assert.NotContains(t, sink.text(), "Task completed")

	// the model saw its error before the final text turn
	second := p.request(1).Messages
	assert.True(t, second[len(second)-1].IsError)
}

func TestRunEditCompletesOnceMutationIsRepaired(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.svc.CreateCase(ctx, "Existing", "")
	require.NoError(t, err)

	bad := fmt.Sprintf(`{"caseId": %d, "fields": [{"id": 999, "name": "ghost", "type": "Currency"}]}`, c.ID)
	good := fmt.Sprintf(`{"caseId": %d, "fields": [{"name": "amount", "type": "Currency"}]}`, c.ID)
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", call{"c1", "saveFields", bad}),
		toolTurn("", call{"c2", "saveFields", good}),
	}}
	sink := &frameSink{}

	out := f.loop(p, 5).Run(ctx, Request{Prompt: "Add an amount field", CaseID: c.ID}, sink)
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, 2, out.Iterations)
	assert.Contains(t, sink.text(), "Task completed in 2 steps")

	fields, err := f.svc.ListFields(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, fields, 1)
}

type napParams struct {
	Index int `json:"index"`
}

func (napParams) ToolName() string { return "nap" }

func TestRunAnswersConcurrentCallsInCallOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.svc.CreateCase(ctx, "Existing", "")
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		finished []int
	)
	reg := tools.NewRegistry()
	tools.Register(reg, tools.Spec{Description: "Sleeps less for later calls.", ReadOnly: true},
		func(_ context.Context, p napParams) (*tools.Result, error) {
			time.Sleep(time.Duration(4-p.Index) * 20 * time.Millisecond)
			mu.Lock()
			finished = append(finished, p.Index)
			mu.Unlock()
			return &tools.Result{Summary: fmt.Sprintf("nap %d", p.Index)}, nil
		})

	var calls []call
	for i := 0; i < 4; i++ {
		calls = append(calls, call{fmt.Sprintf("n%d", i), "nap", fmt.Sprintf(`{"index": %d}`, i)})
	}
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", calls...),
		deltas(llm.Delta{Content: "All done."}),
	}}
	sink := &frameSink{}
	l := New(p, reg, f.checkpoints, config.Agent{MaxIterations: 5, ToolConcurrency: 4, ToolTimeout: time.Second}, logging.Nop())

	out := l.Run(ctx, Request{Prompt: "Nap", CaseID: c.ID}, sink)
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)

	// the calls finished out of order
	require.Len(t, finished, 4)
	assert.NotEqual(t, []int{0, 1, 2, 3}, finished)

	var ids []string
	for _, m := range p.request(1).Messages {
		if m.Role == llm.RoleTool {
			ids = append(ids, m.ToolCallID)
		}
	}
	assert.Equal(t, []string{"n0", "n1", "n2", "n3"}, ids)

	var summaries []string
	for _, fr := range sink.frames {
		if fr.ToolResult != nil {
			summaries = append(summaries, fr.ToolResult.Summary)
		}
	}
	assert.Equal(t, []string{"nap 0", "nap 1", "nap 2", "nap 3"}, summaries)
}

func TestRunBusyCaseRunsWithoutCheckpoint(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.svc.CreateCase(ctx, "Existing", "")
	require.NoError(t, err)
	_, err = f.checkpoints.Begin(ctx, c.ID, "other edit", checkpoint.OriginAPI)
	require.NoError(t, err)

	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		deltas(llm.Delta{Content: "Nothing to change."}),
	}}
	out := f.loop(p, 5).Run(ctx, Request{Prompt: "Check it", CaseID: c.ID}, &frameSink{})
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Empty(t, out.SessionID)
}

type boomParams struct{}

func (boomParams) ToolName() string { return "boom" }

func TestRunRecoversToolPanics(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.svc.CreateCase(ctx, "Existing", "")
	require.NoError(t, err)

	reg := tools.NewRegistry()
	tools.Register(reg, tools.Spec{Description: "Always panics.", ReadOnly: true}, func(context.Context, boomParams) (*tools.Result, error) {
		panic("kaboom")
	})
	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", call{"c1", "boom", `{}`}),
		deltas(llm.Delta{Content: "The tool failed; nothing was changed."}),
	}}
	sink := &frameSink{}
	l := New(p, reg, f.checkpoints, config.Agent{MaxIterations: 5}, logging.Nop())

	out := l.Run(ctx, Request{Prompt: "Do it", CaseID: c.ID}, sink)
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, 2, out.Iterations)
	require.Len(t, sink.errors(), 1)
	assert.Contains(t, sink.errors()[0], "kaboom")
}

func TestRunCanceledContextRollsBack(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &scriptedProvider{family: llm.FamilyStructured, turns: []func(context.Context) (<-chan llm.Delta, error){
		toolTurn("", call{"c1", "createCase", `{"name": "Doomed"}`}),
		func(context.Context) (<-chan llm.Delta, error) {
			cancel()
			return nil, context.Canceled
		},
	}}
	sink := &frameSink{}

	out := f.loop(p, 5).Run(ctx, Request{Prompt: "Create"}, sink)
	assert.Equal(t, StateError, out.State)
	assert.ErrorIs(t, out.Err, context.Canceled)

	cases, err := f.svc.ListCases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cases)
	assert.True(t, sink.frames[len(sink.frames)-1].Done)
}
