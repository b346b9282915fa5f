package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/storyloom/pkg/adapter"
	"github.com/zen-systems/storyloom/pkg/artifact"
	"github.com/zen-systems/storyloom/pkg/config"
	"github.com/zen-systems/storyloom/pkg/parse"
	"github.com/zen-systems/storyloom/pkg/persona"
	"github.com/zen-systems/storyloom/pkg/prompt"
	"github.com/zen-systems/storyloom/pkg/router"
	"github.com/zen-systems/storyloom/pkg/trace"
)

// Runner executes pipelines against a fixed persona registry and router.
// A Runner is safe for concurrent use; each Run keeps its own state.
type Runner struct {
	personas *persona.Registry
	router   *router.Router
	defaults config.Defaults
	logf     func(format string, args ...any)
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithDefaults overrides the built-in run defaults.
func WithDefaults(d config.Defaults) Option {
	return func(r *Runner) { r.defaults = d }
}

// WithLogger sets a printf-style logger for run progress.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(r *Runner) { r.logf = logf }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner.
func New(personas *persona.Registry, rt *router.Router, opts ...Option) (*Runner, error) {
	if personas == nil {
		return nil, fmt.Errorf("persona registry is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("router is required")
	}

	r := &Runner{
		personas: personas,
		router:   rt,
		defaults: config.DefaultDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.defaults.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Result is the outcome of a completed run. Runs that fail return no
// Result; the error carries the stage and cause instead.
type Result struct {
	RunID   string
	Status  Status
	Goal    *artifact.Artifact
	Stages  map[string]*StageResult
	Records []trace.StageRecord
	Record  trace.RunRecord
}

// StageResult captures one executed stage.
type StageResult struct {
	Name     string
	Artifact *artifact.Artifact
	Duration time.Duration
	Usage    *adapter.Usage
}

// run tracks the state of one orchestration invocation. Artifacts are
// keyed by stage name and discarded when the run ends.
type run struct {
	id        string
	status    Status
	artifacts map[string]*artifact.Artifact
}

func (r *run) transition(next Status) error {
	if !r.status.canTransition(next) {
		return fmt.Errorf("illegal run transition %s -> %s", r.status, next)
	}
	r.status = next
	return nil
}

// Run executes the pipeline's stages in declared order, stopping after
// the goal stage. Any stage failure aborts the run and no partial result
// escapes.
func (r *Runner) Run(ctx context.Context, p *Pipeline, input UserInput) (*Result, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	started := r.now().UTC()
	state := &run{
		id:        uuid.NewString(),
		status:    StatusPending,
		artifacts: make(map[string]*artifact.Artifact, len(p.Stages)),
	}
	if err := state.transition(StatusRunning); err != nil {
		return nil, err
	}
	r.log("run %s: pipeline %s (%d stages)", state.id, p.Name, len(p.Stages))

	results := make(map[string]*StageResult, len(p.Stages))
	records := make([]trace.StageRecord, 0, len(p.Stages))

	var goal *artifact.Artifact
	for _, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			return r.fail(state, stage.Name, err)
		}

		stageResult, record, err := r.runStage(ctx, p, stage, input, state)
		if err != nil {
			return r.fail(state, stage.Name, err)
		}

		state.artifacts[stage.Name] = stageResult.Artifact
		results[stage.Name] = stageResult
		records = append(records, record)
		r.log("run %s: stage %s done adapter=%s model=%s duration=%s",
			state.id, stage.Name, record.Adapter, record.Model, stageResult.Duration)

		if stage.Goal {
			goal = stageResult.Artifact
			break
		}
	}

	if err := state.transition(StatusCompleted); err != nil {
		return nil, err
	}

	return &Result{
		RunID:   state.id,
		Status:  state.status,
		Goal:    goal,
		Stages:  results,
		Records: records,
		Record: trace.RunRecord{
			RunID:          state.id,
			Pipeline:       p.Name,
			StartedAt:      started,
			InputHash:      trace.HashText(input.Content),
			Status:         string(state.status),
			DurationMillis: r.now().UTC().Sub(started).Milliseconds(),
		},
	}, nil
}

func (r *Runner) fail(state *run, stageName string, cause error) (*Result, error) {
	if err := state.transition(StatusFailed); err != nil {
		r.log("run %s: %v", state.id, err)
	}
	err := &StageError{Stage: stageName, Err: cause}
	r.log("run %s failed: %v", state.id, err)
	return nil, err
}

func (r *Runner) runStage(ctx context.Context, p *Pipeline, stage *Stage, input UserInput, state *run) (*StageResult, trace.StageRecord, error) {
	start := r.now()
	record := trace.StageRecord{
		Stage:   stage.Name,
		Persona: stage.Persona,
	}

	inputs, provenance, err := r.gatherInputs(p, stage, input, state)
	if err != nil {
		return nil, record, err
	}

	compose := stage.Compose
	if compose == nil {
		compose = defaultCompose(stage)
	}
	vars, err := compose(inputs)
	if err != nil {
		return nil, record, fmt.Errorf("compose prompt: %w", err)
	}

	rendered, err := prompt.Render(stage.Template, vars)
	if err != nil {
		return nil, record, err
	}

	pers, err := r.personas.Get(stage.Persona)
	if err != nil {
		return nil, record, err
	}

	ad, model, decision := r.router.Resolve(r.stageCriteria(p, stage))
	record.Adapter = decision.Adapter
	record.Model = model
	record.PromptHash = trace.HashText(rendered)

	req := adapter.Request{
		Prompt:      rendered,
		System:      pers.SystemPrompt(),
		Temperature: r.stageTemperature(p, stage),
		MaxTokens:   r.defaults.MaxTokens,
	}

	stageCtx := ctx
	cancel := func() {}
	if r.defaults.StageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, r.defaults.StageTimeout)
	}
	resp, err := ad.Generate(stageCtx, model, req)
	cancel()
	if err != nil {
		return nil, record, err
	}

	record.OutputHash = trace.HashText(resp.Text)
	record.Usage = resp.Usage

	fields, err := parse.Structured(resp.Text, stage.Schema)
	if err != nil {
		return nil, record, err
	}

	art := artifact.New(artifact.Source{
		Stage:      stage.Name,
		Persona:    stage.Persona,
		Adapter:    decision.Adapter,
		Model:      model,
		Prompt:     rendered,
		Provenance: provenance,
	}, resp.Text, fields)
	art = art.WithMetadata("run_id", state.id)

	record.ArtifactHash = art.Hash
	record.DurationMillis = r.now().Sub(start).Milliseconds()

	return &StageResult{
		Name:     stage.Name,
		Artifact: art,
		Duration: r.now().Sub(start),
		Usage:    resp.Usage,
	}, record, nil
}

// gatherInputs collects the stage's declared dependencies from the run.
// Absence of a declared artifact here is a construction bug that
// Validate should already have caught.
func (r *Runner) gatherInputs(p *Pipeline, stage *Stage, input UserInput, state *run) (Inputs, []artifact.Ref, error) {
	wordCap := p.WordCap
	if wordCap == 0 {
		wordCap = r.defaults.WordCap
	}

	in := Inputs{
		wordCap:    wordCap,
		wordTarget: r.defaults.WordTarget,
		artifacts:  make(map[string]*artifact.Artifact, len(stage.Inputs)),
	}

	var provenance []artifact.Ref
	for _, dep := range stage.Inputs {
		if dep == InputKey {
			in.user = input
			in.hasUser = true
			continue
		}
		art, ok := state.artifacts[dep]
		if !ok {
			return Inputs{}, nil, &MissingDependencyError{Stage: stage.Name, Dependency: dep}
		}
		in.artifacts[dep] = art
		provenance = append(provenance, art.Ref())
	}

	return in, provenance, nil
}

func defaultCompose(stage *Stage) ComposeFunc {
	return func(in Inputs) (prompt.Vars, error) {
		vars := prompt.Vars{
			"word_target": strconv.Itoa(in.WordTarget()),
		}
		for _, dep := range stage.Inputs {
			if dep == InputKey {
				vars[InputKey] = in.UserText()
				continue
			}
			art, err := in.Artifact(dep)
			if err != nil {
				return nil, err
			}
			vars[dep] = art.Content
		}
		return vars, nil
	}
}

func (r *Runner) stageCriteria(p *Pipeline, stage *Stage) string {
	if stage.Options != nil && stage.Options.Criteria != "" {
		return stage.Options.Criteria
	}
	if p.Defaults.Criteria != "" {
		return p.Defaults.Criteria
	}
	return r.defaults.Criteria
}

func (r *Runner) stageTemperature(p *Pipeline, stage *Stage) float64 {
	if stage.Options != nil && stage.Options.Temperature != 0 {
		return stage.Options.Temperature
	}
	if p.Defaults.Temperature != 0 {
		return p.Defaults.Temperature
	}
	return r.defaults.Temperature
}

func (r *Runner) log(format string, args ...any) {
	if r.logf != nil {
		r.logf(format, args...)
	}
}
