package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/storyloom/pkg/adapter"
	"github.com/zen-systems/storyloom/pkg/config"
	"github.com/zen-systems/storyloom/pkg/parse"
	"github.com/zen-systems/storyloom/pkg/persona"
	"github.com/zen-systems/storyloom/pkg/prompt"
	"github.com/zen-systems/storyloom/pkg/router"
	"github.com/zen-systems/storyloom/pkg/schema"
	"github.com/zen-systems/storyloom/pkg/trace"
)

func testRegistry(t *testing.T) *persona.Registry {
	t.Helper()
	reg, err := persona.NewRegistry(
		persona.Persona{Name: "planner", Description: "Outlines stories"},
		persona.Persona{Name: "writer", Description: "Writes prose"},
		persona.Persona{Name: "reviewer", Description: "Reviews drafts"},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func testRouter(t *testing.T, mock adapter.Adapter) *router.Router {
	t.Helper()
	cfg := &config.RoutingConfig{
		TaskTypes: map[string]config.TaskType{
			"narrative": {Triggers: []string{"story"}, Adapter: "mock", Model: "mock-1"},
		},
		Default: config.RouteTarget{Adapter: "mock", Model: "mock-1"},
	}
	rt, err := router.New(map[string]adapter.Adapter{"mock": mock}, cfg)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return rt
}

func newTestRunner(t *testing.T, mock adapter.Adapter, opts ...Option) *Runner {
	t.Helper()
	r, err := New(testRegistry(t), testRouter(t, mock), opts...)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func TestRunSequentialPropagation(t *testing.T) {
	mock := adapter.NewMockAdapter().
		Respond("OUTLINE:", "a knight, a dragon, a bargain").
		Respond("DRAFT:", "Sir Aldric faced the dragon and struck a bargain.").
		Respond("FINAL:", `{"story": "Sir Aldric faced the dragon.", "summary": "A knight bargains with a dragon."}`)

	p := &Pipeline{
		Name: "story",
		Stages: []*Stage{
			{
				Name:     "outline",
				Persona:  "planner",
				Inputs:   []string{InputKey},
				Template: "OUTLINE: {{.input}}",
				Schema:   schema.Text("outline"),
			},
			{
				Name:     "draft",
				Persona:  "writer",
				Inputs:   []string{"outline"},
				Template: "DRAFT: expand {{.outline}}",
				Schema:   schema.Text("draft"),
			},
			{
				Name:     "final",
				Persona:  "writer",
				Inputs:   []string{InputKey, "outline", "draft"},
				Template: "FINAL: polish {{.draft}} against {{.outline}} for {{.input}}",
				Schema: schema.Schema{
					Name: "final",
					Fields: []schema.Field{
						{Name: "story", Kind: schema.KindText, Required: true},
						{Name: "summary", Kind: schema.KindText, Required: true},
						{Name: "changes", Kind: schema.KindList},
					},
				},
				Goal: true,
			},
		},
	}

	runner := newTestRunner(t, mock)
	res, err := runner.Run(context.Background(), p, NewInput("a tale of a knight"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", res.Status, StatusCompleted)
	}
	if res.RunID == "" {
		t.Error("RunID empty")
	}
	if len(res.Stages) != 3 {
		t.Fatalf("len(Stages) = %d, want 3", len(res.Stages))
	}

	if got := res.Stages["outline"].Artifact.Text("outline"); got != "a knight, a dragon, a bargain" {
		t.Errorf("outline = %q", got)
	}

	goal := res.Goal
	if goal == nil {
		t.Fatal("Goal artifact missing")
	}
	if goal.Stage != "final" {
		t.Errorf("goal stage = %q", goal.Stage)
	}
	if got := goal.Text("story"); got != "Sir Aldric faced the dragon." {
		t.Errorf("goal story = %q", got)
	}
	if goal.Metadata["run_id"] != res.RunID {
		t.Errorf("goal run_id = %q, want %q", goal.Metadata["run_id"], res.RunID)
	}

	if len(goal.Provenance) != 2 {
		t.Fatalf("goal provenance = %v, want refs to outline and draft", goal.Provenance)
	}
	if goal.Provenance[0].Stage != "outline" || goal.Provenance[0].Hash != res.Stages["outline"].Artifact.Hash {
		t.Errorf("provenance[0] = %+v", goal.Provenance[0])
	}
	if goal.Provenance[1].Stage != "draft" || goal.Provenance[1].Hash != res.Stages["draft"].Artifact.Hash {
		t.Errorf("provenance[1] = %+v", goal.Provenance[1])
	}

	calls := mock.Calls()
	if len(calls) != 3 {
		t.Fatalf("adapter calls = %d, want 3", len(calls))
	}
	if !strings.Contains(calls[0].Request.System, "Outlines stories") {
		t.Errorf("stage system prompt = %q, want the planner persona", calls[0].Request.System)
	}
	if !strings.Contains(calls[1].Request.Prompt, "a knight, a dragon, a bargain") {
		t.Errorf("draft prompt missing outline content: %q", calls[1].Request.Prompt)
	}
	if !strings.Contains(calls[2].Request.Prompt, "Sir Aldric faced the dragon and struck a bargain.") {
		t.Errorf("final prompt missing draft content: %q", calls[2].Request.Prompt)
	}

	if len(res.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(res.Records))
	}
	if res.Records[0].PromptHash != trace.HashText(calls[0].Request.Prompt) {
		t.Error("record prompt hash does not match the sent prompt")
	}
	if res.Record.Pipeline != "story" || res.Record.Status != string(StatusCompleted) {
		t.Errorf("run record = %+v", res.Record)
	}
	if res.Record.InputHash != trace.HashText("a tale of a knight") {
		t.Error("run record input hash mismatch")
	}
}

func TestRunStopsAfterGoal(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := &Pipeline{
		Name: "early",
		Stages: []*Stage{
			{
				Name:     "answer",
				Persona:  "writer",
				Inputs:   []string{InputKey},
				Template: "Answer: {{.input}}",
				Schema:   schema.Text("answer"),
				Goal:     true,
			},
			{
				Name:     "never",
				Persona:  "writer",
				Inputs:   []string{"answer"},
				Template: "Refine {{.answer}}",
				Schema:   schema.Text("refined"),
			},
		},
	}

	runner := newTestRunner(t, mock)
	res, err := runner.Run(context.Background(), p, NewInput("hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Stages) != 1 {
		t.Errorf("len(Stages) = %d, want 1", len(res.Stages))
	}
	if _, ran := res.Stages["never"]; ran {
		t.Error("stage after the goal was executed")
	}
	if got := len(mock.Calls()); got != 1 {
		t.Errorf("adapter calls = %d, want 1", got)
	}
	if res.Goal == nil || res.Goal.Stage != "answer" {
		t.Errorf("goal = %+v", res.Goal)
	}
}

func TestRunParseFailureAborts(t *testing.T) {
	mock := adapter.NewMockAdapter().
		Respond("REVIEW:", "The pacing sags and the ending is rushed.")

	p := &Pipeline{
		Name: "reviewed",
		Stages: []*Stage{
			{
				Name:     "craft",
				Persona:  "writer",
				Inputs:   []string{InputKey},
				Template: "CRAFT: {{.input}}",
				Schema:   schema.Text("story"),
			},
			{
				Name:     "review",
				Persona:  "reviewer",
				Inputs:   []string{"craft"},
				Template: "REVIEW: {{.craft}}",
				Schema: schema.Schema{
					Name: "review",
					Fields: []schema.Field{
						{Name: "verdict", Kind: schema.KindText, Required: true},
						{Name: "issues", Kind: schema.KindList, Required: true},
					},
				},
			},
			{
				Name:     "approve",
				Persona:  "writer",
				Inputs:   []string{"craft", "review"},
				Template: "APPROVE: {{.craft}} {{.review}}",
				Schema:   schema.Text("story"),
				Goal:     true,
			},
		},
	}

	runner := newTestRunner(t, mock)
	res, err := runner.Run(context.Background(), p, NewInput("a tale"))
	if res != nil {
		t.Fatal("failed run returned a partial result")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error %v is not a StageError", err)
	}
	if stageErr.Stage != "review" {
		t.Errorf("failing stage = %q, want review", stageErr.Stage)
	}

	var parseErr *parse.Error
	if !errors.As(err, &parseErr) {
		t.Fatalf("error %v does not wrap a parse error", err)
	}
	if parseErr.Field != "verdict" {
		t.Errorf("parse error field = %q, want verdict", parseErr.Field)
	}
	if parseErr.Snippet == "" {
		t.Error("parse error carries no output snippet")
	}

	if got := len(mock.Calls()); got != 2 {
		t.Errorf("adapter calls = %d, want 2 (approve must not run)", got)
	}
}

func TestRunAdapterFailureAborts(t *testing.T) {
	mock := adapter.NewMockAdapter().
		FailWith("CRAFT:", &adapter.Error{Provider: "mock", Status: 503, Err: fmt.Errorf("overloaded")})

	p := &Pipeline{
		Name: "failing",
		Stages: []*Stage{
			{
				Name:     "craft",
				Persona:  "writer",
				Inputs:   []string{InputKey},
				Template: "CRAFT: {{.input}}",
				Schema:   schema.Text("story"),
				Goal:     true,
			},
		},
	}

	runner := newTestRunner(t, mock)
	res, err := runner.Run(context.Background(), p, NewInput("a tale"))
	if res != nil {
		t.Fatal("failed run returned a result")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "craft" {
		t.Fatalf("error = %v, want a craft StageError", err)
	}
	if !adapter.IsUnavailable(err) {
		t.Errorf("IsUnavailable(%v) = false, want true", err)
	}
}

func TestRunCancelledContext(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := validPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := newTestRunner(t, mock)
	res, err := runner.Run(ctx, p, NewInput("a tale"))
	if res != nil {
		t.Fatal("cancelled run returned a result")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := len(mock.Calls()); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}
}

type slowAdapter struct {
	delay time.Duration
}

func (a *slowAdapter) Generate(ctx context.Context, model string, req adapter.Request) (*adapter.Response, error) {
	select {
	case <-time.After(a.delay):
		return &adapter.Response{Text: "late"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *slowAdapter) Name() string { return "slow" }

func (a *slowAdapter) Models() []string { return []string{"mock-1"} }

func TestRunStageTimeout(t *testing.T) {
	defaults := config.DefaultDefaults()
	defaults.StageTimeout = 10 * time.Millisecond

	runner := newTestRunner(t, &slowAdapter{delay: time.Second}, WithDefaults(defaults))
	res, err := runner.Run(context.Background(), validPipeline(), NewInput("a tale"))
	if res != nil {
		t.Fatal("timed out run returned a result")
	}
	if !adapter.IsTimeout(err) {
		t.Fatalf("IsTimeout(%v) = false, want true", err)
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "outline" {
		t.Errorf("error = %v, want an outline StageError", err)
	}
}

func TestRunWordCapAppliedToInput(t *testing.T) {
	words := make([]string, 250)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i+1)
	}

	mock := adapter.NewMockAdapter()
	p := &Pipeline{
		Name: "capped",
		Stages: []*Stage{
			{
				Name:     "echo",
				Persona:  "writer",
				Inputs:   []string{InputKey},
				Template: "{{.input}}",
				Schema:   schema.Text("echo"),
				Goal:     true,
			},
		},
	}

	runner := newTestRunner(t, mock)
	if _, err := runner.Run(context.Background(), p, NewInput(strings.Join(words, " "))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := strings.Fields(mock.Calls()[0].Request.Prompt)
	if len(sent) != 100 {
		t.Fatalf("prompt words = %d, want 100", len(sent))
	}
	if sent[0] != "w1" || sent[99] != "w100" {
		t.Errorf("prompt words = %s..%s, want w1..w100", sent[0], sent[99])
	}
}

func TestRunUnknownPersona(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := validPipeline()
	p.Stages[0].Persona = "ghost"

	runner := newTestRunner(t, mock)
	res, err := runner.Run(context.Background(), p, NewInput("a tale"))
	if res != nil {
		t.Fatal("run with an unknown persona returned a result")
	}
	if err == nil || !strings.Contains(err.Error(), "persona not found") {
		t.Fatalf("error = %v, want persona not found", err)
	}
	if got := len(mock.Calls()); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}
}

func TestRunTemplateErrorBeforeModelCall(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := validPipeline()
	p.Stages[0].Template = "Outline: {{.missing}}"

	runner := newTestRunner(t, mock)
	_, err := runner.Run(context.Background(), p, NewInput("a tale"))

	var tmplErr *prompt.TemplateError
	if !errors.As(err, &tmplErr) {
		t.Fatalf("error %v does not wrap a template error", err)
	}
	if tmplErr.Placeholder != "missing" {
		t.Errorf("Placeholder = %q, want missing", tmplErr.Placeholder)
	}
	if got := len(mock.Calls()); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}
}

func TestRunCustomCompose(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := validPipeline()
	p.Stages[0].Template = "Outline: {{.theme}}"
	p.Stages[0].Compose = func(in Inputs) (prompt.Vars, error) {
		user, ok := in.UserInput()
		if !ok {
			return nil, fmt.Errorf("input not declared")
		}
		return prompt.Vars{"theme": "moody " + user.Content}, nil
	}

	runner := newTestRunner(t, mock)
	if _, err := runner.Run(context.Background(), p, NewInput("castles")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := mock.Calls()[0].Request.Prompt; got != "Outline: moody castles" {
		t.Errorf("prompt = %q", got)
	}
}

func TestRunComposeErrorAborts(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := validPipeline()
	p.Stages[0].Compose = func(Inputs) (prompt.Vars, error) {
		return nil, fmt.Errorf("no theme")
	}

	runner := newTestRunner(t, mock)
	_, err := runner.Run(context.Background(), p, NewInput("castles"))
	if err == nil || !strings.Contains(err.Error(), "compose prompt") {
		t.Fatalf("error = %v, want compose failure", err)
	}
	if got := len(mock.Calls()); got != 0 {
		t.Errorf("adapter calls = %d, want 0", got)
	}
}

func TestRunInvalidPipelineFailsBeforeAnyCall(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := validPipeline()
	p.Stages[1].Inputs = []string{"ghost"}

	runner := newTestRunner(t, mock)
	res, err := runner.Run(context.Background(), p, NewInput("a tale"))
	if res != nil {
		t.Fatal("invalid pipeline returned a result")
	}

	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("error %v is not a MissingDependencyError", err)
	}
	if missing.Stage != "final" || missing.Dependency != "ghost" {
		t.Errorf("missing = %+v", missing)
	}
	if got := len(mock.Calls()); got != 0 {
		t.Errorf("adapter calls = %d, want 0 (validation precedes execution)", got)
	}
}

func TestRunStageOptionsPrecedence(t *testing.T) {
	mock := adapter.NewMockAdapter()
	p := validPipeline()
	p.Defaults = Options{Temperature: 1.2}
	p.Stages[0].Options = &Options{Temperature: 0.3}

	runner := newTestRunner(t, mock)
	if _, err := runner.Run(context.Background(), p, NewInput("a tale")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := mock.Calls()
	if calls[0].Request.Temperature != 0.3 {
		t.Errorf("stage temperature = %v, want the stage override 0.3", calls[0].Request.Temperature)
	}
	if calls[1].Request.Temperature != 1.2 {
		t.Errorf("stage temperature = %v, want the pipeline default 1.2", calls[1].Request.Temperature)
	}
}

func TestNewRunnerValidation(t *testing.T) {
	mock := adapter.NewMockAdapter()

	if _, err := New(nil, testRouter(t, mock)); err == nil {
		t.Error("New accepted a nil registry")
	}
	if _, err := New(testRegistry(t), nil); err == nil {
		t.Error("New accepted a nil router")
	}

	bad := config.DefaultDefaults()
	bad.Temperature = 5
	if _, err := New(testRegistry(t), testRouter(t, mock), WithDefaults(bad)); err == nil {
		t.Error("New accepted out-of-range default temperature")
	}
}
