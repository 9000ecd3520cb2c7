// Package agent runs the tool-calling loop: it calls the model, turns its
// output into tool calls, executes them inside a checkpoint session and
// streams progress to the client until the task is done or the iteration
// cap is reached.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/config"
	"github.com/ricmars/visualization-sub001/internal/extract"
	"github.com/ricmars/visualization-sub001/internal/llm"
	"github.com/ricmars/visualization-sub001/internal/stream"
	"github.com/ricmars/visualization-sub001/internal/tools"
)

// ErrIterationLimit ends a run that did not finish within the cap.
var ErrIterationLimit = errors.New("agent: iteration limit reached")

// ErrIncomplete ends an edit run whose requested change could not be made.
var ErrIncomplete = errors.New("agent: requested change did not complete")

// Logger is the logging surface used by the loop.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Sink receives progress frames. *stream.Encoder implements it.
type Sink interface {
	Send(f stream.Frame) error
}

// Request is one user command.
type Request struct {
	Prompt string
	// CaseID selects edit mode; zero creates a new case.
	CaseID   int64
	CaseName string
	// Context is free-form text the caller attaches to the prompt.
	Context   string
	Selection *Selection
}

// Outcome describes how a run ended.
type Outcome struct {
	State      State
	Completed  bool
	Iterations int
	SessionID  string
	Err        error
}

// Loop runs agent requests. One Loop serves many concurrent requests; each
// Run owns its own history.
type Loop struct {
	provider    llm.Provider
	registry    *tools.Registry
	checkpoints *checkpoint.Manager
	cfg         config.Agent
	log         Logger
	tel         telemetry
}

// New creates a Loop. Zero values in cfg select the defaults.
func New(provider llm.Provider, registry *tools.Registry, checkpoints *checkpoint.Manager, cfg config.Agent, log Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 90 * time.Second
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = 4
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	return &Loop{
		provider:    provider,
		registry:    registry,
		checkpoints: checkpoints,
		cfg:         cfg,
		log:         log,
		tel:         newTelemetry(log),
	}
}

type run struct {
	*Loop
	req       Request
	sink      Sink
	mode      Mode
	state     State
	messages  []llm.Message
	progress  *progress
	finalize  string
	finalized bool
	sessionID string
	lastErr   error
	// unrepaired holds the first tool error of the latest mutating turn,
	// or nil when that turn succeeded.
	unrepaired error
}

// Run executes req and streams its progress to sink. It always ends the
// stream with a done frame and never returns an incomplete session
// uncommitted: success commits it, everything else rolls it back.
func (l *Loop) Run(ctx context.Context, req Request, sink Sink) *Outcome {
	mode := ModeCreate
	if req.CaseID != 0 {
		mode = ModeEdit
	}
	ctx, span := l.tel.tracer.Start(ctx, "agent.Run", trace.WithAttributes(
		attribute.String("agent.mode", mode.String()),
		attribute.Int64("agent.case_id", req.CaseID),
	))
	defer span.End()

	r := &run{Loop: l, req: req, sink: sink, mode: mode, progress: &progress{}}
	out := r.execute(ctx)

	result := "completed"
	if !out.Completed {
		result = "incomplete"
		span.SetStatus(codes.Error, out.Err.Error())
	}
	span.SetAttributes(attribute.Int("agent.iterations", out.Iterations))
	l.tel.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("outcome", result),
	))
	return out
}

func (r *run) setState(s State) {
	r.log.Debug("agent state", "from", r.state, "to", s)
	r.state = s
}

func (r *run) send(f stream.Frame) {
	if err := r.sink.Send(f); err != nil {
		r.log.Debug("dropping stream frame", "error", err)
	}
}

func (r *run) execute(ctx context.Context) *Outcome {
	out := &Outcome{State: StateInit}
	for _, d := range r.registry.Definitions() {
		if d.Finalize {
			r.finalize = d.Name
			break
		}
	}

	id, err := r.checkpoints.Begin(ctx, r.req.CaseID, describe(r.req.Prompt), checkpoint.OriginLLM)
	switch {
	case errors.Is(err, checkpoint.ErrTargetBusy):
		r.log.Warn("case busy, running without checkpoint", "case", r.req.CaseID)
	case err != nil:
		return r.fail(ctx, out, StateError, fmt.Errorf("opening checkpoint: %w", err))
	default:
		r.sessionID = id
		r.progress.inner = r.checkpoints.Recorder(id)
	}
	out.SessionID = r.sessionID
	ctx = checkpoint.WithRecorder(ctx, r.progress)

	r.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(r.req, r.finalize)},
		{Role: llm.RoleUser, Content: r.req.Prompt},
	}
	specs := r.toolSpecs()

	for iter := 1; iter <= r.cfg.MaxIterations; iter++ {
		out.Iterations = iter
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, out, StateError, err)
		}
		decision, err := r.iterate(ctx, iter, specs)
		if err != nil {
			return r.fail(ctx, out, StateError, err)
		}
		switch decision {
		case DecisionStop:
			return r.succeed(ctx, out)
		case DecisionFail:
			return r.fail(ctx, out, StateDone, fmt.Errorf("%w: %v", ErrIncomplete, r.unrepaired))
		}
	}

	err = ErrIterationLimit
	if r.lastErr != nil {
		err = fmt.Errorf("%w (last model error: %v)", ErrIterationLimit, r.lastErr)
	}
	r.log.Warn("agent hit iteration limit", "iterations", r.cfg.MaxIterations, "mode", r.mode)
	return r.fail(ctx, out, StateDone, err)
}

func (r *run) toolSpecs() []llm.ToolSpec {
	defs := r.registry.Definitions()
	specs := make([]llm.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return specs
}

func (r *run) iterate(ctx context.Context, iter int, specs []llm.ToolSpec) (Decision, error) {
	ctx, span := r.tel.tracer.Start(ctx, "agent.iteration", trace.WithAttributes(attribute.Int("agent.iteration", iter)))
	defer span.End()

	r.setState(StateCallModel)
	t, err := r.callModel(ctx, specs)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil || !llm.IsTransient(err) {
			return DecisionStop, err
		}
		r.log.Warn("model call failed, retrying", "iteration", iter, "error", err)
		r.lastErr = err
		r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Content: retryMessage(err), Note: true})
		return DecisionContinue, nil
	}
	r.lastErr = nil

	if t.text != "" || len(t.calls) > 0 {
		msg := llm.Message{Role: llm.RoleAssistant, Content: t.text}
		for _, c := range t.calls {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
		}
		r.messages = append(r.messages, msg)
	}

	sit := Situation{Mode: r.mode, Selection: !r.req.Selection.Empty()}
	if len(t.calls) == 0 {
		r.setState(StateFinalText)
	} else {
		r.setState(StateToolCalls)
		var toolErr error
		sit.Turn, toolErr = r.applyResults(t.calls, r.runTools(ctx, t.calls))
		sit.ToolErrors = toolErr != nil
		if sit.Turn == TurnMutating {
			r.unrepaired = toolErr
		}
	}
	sit.Finalized = r.finalized
	sit.Unrepaired = r.unrepaired != nil

	d := Decide(sit)
	r.log.Info("agent turn finished", "iteration", iter, "calls", len(t.calls), "turn", sit.Turn,
		"tool_errors", sit.ToolErrors, "decision", d)
	span.SetAttributes(attribute.String("agent.decision", d.String()))
	if d == DecisionNudge {
		r.messages = append(r.messages, llm.Message{
			Role:    llm.RoleUser,
			Content: nudge(r.progress.snapshot(), iter, r.cfg.MaxIterations, r.finalize),
			Note:    true,
		})
	}
	return d, nil
}

type turn struct {
	text   string
	calls  []extract.Call
	finish string
}

// callModel streams one model response, forwarding prose as it arrives and
// withholding tool calls until they are complete.
func (r *run) callModel(ctx context.Context, specs []llm.ToolSpec) (turn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
	defer cancel()

	ch, err := r.provider.Stream(ctx, llm.Request{Messages: Compact(r.messages), Tools: specs})
	if err != nil {
		return turn{}, fmt.Errorf("calling model: %w", err)
	}
	r.setState(StateStreaming)

	var t turn
	var prose strings.Builder
	batch := extract.NewBatcher(extract.DefaultBatchSize, func(s string) { r.send(stream.Text(s)) })
	defer batch.Flush()
	emit := func(s string) {
		prose.WriteString(s)
		batch.Add(s)
	}

	textFamily := r.provider.Family() == llm.FamilyText
	buf := extract.NewTextBuffer(r.log)
	asm := extract.NewAssembler(r.log)
	for d := range ch {
		if d.Err != nil {
			return turn{}, fmt.Errorf("streaming model output: %w", d.Err)
		}
		if textFamily {
			p, calls := buf.Write(d.Content)
			emit(p)
			t.calls = append(t.calls, calls...)
		} else {
			emit(d.Content)
			asm.Add(d.ToolCalls...)
		}
		if d.FinishReason != "" {
			t.finish = d.FinishReason
		}
	}
	if err := ctx.Err(); err != nil {
		return turn{}, fmt.Errorf("model call: %w", err)
	}

	if textFamily {
		emit(buf.Flush())
	} else {
		t.calls = asm.Finalize()
	}
	if t.finish == llm.FinishLength {
		r.log.Warn("model output was truncated", "calls", len(t.calls))
	}
	t.text = prose.String()
	return t, nil
}

type toolResult struct {
	def *tools.Definition
	res *tools.Result
	err error
}

// runTools executes the calls of one turn concurrently. Results keep the
// order of calls.
func (r *run) runTools(ctx context.Context, calls []extract.Call) []toolResult {
	results := make([]toolResult, len(calls))
	var g errgroup.Group
	g.SetLimit(r.cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.runTool(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *run) runTool(ctx context.Context, call extract.Call) (out toolResult) {
	out.def, _ = r.registry.Get(call.Name)
	ctx, span := r.tel.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("tool panicked", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
			out.res, out.err = nil, fmt.Errorf("%s failed unexpectedly: %v", call.Name, p)
		}
		status := "ok"
		if out.err != nil {
			status = "error"
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		r.tel.toolRuns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("status", status),
		))
	}()

	tctx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()
	out.res, out.err = r.registry.Execute(tctx, call.Name, call.Arguments)
	return out
}

// applyResults appends one tool message per call in call order and streams
// a summary line for each. It returns the first tool error of the turn.
func (r *run) applyResults(calls []extract.Call, results []toolResult) (TurnKind, error) {
	kind := TurnReadOnly
	var failed error
	for i, call := range calls {
		res := results[i]
		if res.def != nil && !res.def.ReadOnly {
			kind = TurnMutating
		}
		msg := llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: call.Name}
		if res.err != nil {
			if failed == nil {
				failed = fmt.Errorf("%s: %w", call.Name, res.err)
			}
			msg.IsError = true
			msg.Content = fmt.Sprintf("Error: %v\nFix the problem and call %s again.", res.err, call.Name)
			r.log.Warn("tool failed", "tool", call.Name, "call", call.ID, "error", res.err)

			f := stream.Text(fmt.Sprintf("%s failed.\n", call.Name))
			f.Error = fmt.Sprintf("%s: %v", call.Name, res.err)
			r.send(f)
		} else {
			if res.def.Finalize {
				r.finalized = true
			}
			msg.Content = toolContent(res.res)
			r.log.Debug("tool succeeded", "tool", call.Name, "call", call.ID, "summary", res.res.Summary)

			f := stream.Text(res.res.Summary + "\n")
			f.ToolResult = &stream.ToolResult{Name: call.Name, Summary: res.res.Summary, Payload: res.res.Payload}
			r.send(f)
		}
		r.messages = append(r.messages, msg)
	}
	return kind, failed
}

func toolContent(res *tools.Result) string {
	if res.Payload == nil {
		return res.Summary
	}
	data, err := json.Marshal(res.Payload)
	if err != nil {
		return res.Summary
	}
	return res.Summary + "\n" + string(data)
}

func (r *run) succeed(ctx context.Context, out *Outcome) *Outcome {
	if r.sessionID != "" {
		if err := r.checkpoints.Commit(ctx, r.sessionID); err != nil {
			return r.fail(ctx, out, StateError, fmt.Errorf("committing checkpoint: %w", err))
		}
	}
	r.setState(StateDone)
	out.State = StateDone
	out.Completed = true
	r.log.Info("agent run completed", "iterations", out.Iterations, "mode", r.mode, "session", r.sessionID)
	r.send(stream.Text(fmt.Sprintf("\nTask completed in %d %s.\n", out.Iterations, plural(out.Iterations, "step"))))
	r.send(stream.Frame{Done: true})
	return out
}

func (r *run) fail(ctx context.Context, out *Outcome, final State, err error) *Outcome {
	r.setState(final)
	out.State = final
	out.Err = err
	r.log.Error("agent run failed", "error", err, "iterations", out.Iterations, "mode", r.mode)

	line := "\nThe task was left incomplete."
	if r.sessionID != "" {
		if rbErr := r.checkpoints.Rollback(context.WithoutCancel(ctx), r.sessionID); rbErr != nil {
			r.log.Error("rolling back agent run", "session", r.sessionID, "error", rbErr)
			line += " Some changes could not be rolled back."
		} else {
			line += " All changes of this request were rolled back."
		}
	}
	f := stream.Text(line + "\n")
	f.Error = err.Error()
	r.send(f)
	r.send(stream.Frame{Done: true})
	return out
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func describe(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) > 200 {
		return prompt[:200] + "..."
	}
	return prompt
}
