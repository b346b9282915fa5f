// Package story packages the default storytelling pipeline: a
// storyteller drafts from the user's request, a critic reviews the
// draft, and an editor produces the final cut.
package story

import (
	"strconv"
	"strings"

	"github.com/zen-systems/storyloom/pkg/config"
	"github.com/zen-systems/storyloom/pkg/persona"
	"github.com/zen-systems/storyloom/pkg/pipeline"
	"github.com/zen-systems/storyloom/pkg/prompt"
	"github.com/zen-systems/storyloom/pkg/schema"
)

// Personas returns the personas the story pipeline draws on. The
// narrator is registered for presentation use outside the default
// pipeline.
func Personas() []persona.Persona {
	return []persona.Persona{
		{
			Name:        "storyteller",
			Description: "A fiction writer with a vivid, economical narrative voice",
			Role:        "Draft original short stories from a reader's request",
			Voice:       "Concrete and sensory, no stock phrases",
			Objective:   "A complete story with a beginning, middle, and end",
		},
		{
			Name:        "critic",
			Description: "A structural story editor who reviews drafts",
			Role:        "Judge pacing, stakes, and character motivation",
			Voice:       "Blunt and specific",
			Objective:   "Findings a reviser can act on",
		},
		{
			Name:        "editor",
			Description: "A line editor who produces the final cut of a story",
			Role:        "Apply review findings without losing the draft's voice",
			Voice:       "Precise",
			Objective:   "A publishable final story",
		},
		{
			Name:        "narrator",
			Description: "A spare presenter who introduces finished stories",
			Role:        "Present finished work to the reader",
		},
	}
}

// Registry returns a persona registry holding the story personas.
func Registry() (*persona.Registry, error) {
	return persona.NewRegistry(Personas()...)
}

const craftTemplate = `Write a short story of about {{.word_target}} words based on this request:

{{.input}}

Tell a complete story with a beginning, a middle, and an end. Respond with the story text only.`

const reviewTemplate = `Review this story draft:

{{.story}}

Respond with a JSON object of exactly these fields:
{"verdict": "approve or revise", "strengths": ["what works"], "issues": ["what must change"]}`

const approveTemplate = `Rework this draft into its final form of about {{.word_target}} words.

Original request: {{.input}}

Draft:
{{.story}}

Review verdict: {{.verdict}}
Issues to address: {{.issues}}

Respond with a JSON object of exactly these fields:
{"story": "the final story text", "summary": "a one-sentence summary", "changes": ["edits you made"]}`

// Pipeline builds the packaged craft, review, approve pipeline. The
// word cap comes from the supplied defaults.
func Pipeline(defaults config.Defaults) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:        "story",
		Description: "Craft, review, and approve a short story",
		WordCap:     defaults.WordCap,
		Stages: []*pipeline.Stage{
			craftStage(),
			reviewStage(),
			approveStage(),
		},
	}
}

func craftStage() *pipeline.Stage {
	return &pipeline.Stage{
		Name:     "craft",
		Persona:  "storyteller",
		Inputs:   []string{pipeline.InputKey},
		Options:  &pipeline.Options{Criteria: "narrative", Temperature: 0.9},
		Template: craftTemplate,
		Schema:   schema.Text("story"),
	}
}

func reviewStage() *pipeline.Stage {
	return &pipeline.Stage{
		Name:     "review",
		Persona:  "critic",
		Inputs:   []string{"craft"},
		Options:  &pipeline.Options{Criteria: "critique", Temperature: 0.3},
		Template: reviewTemplate,
		Compose: func(in pipeline.Inputs) (prompt.Vars, error) {
			craft, err := in.Artifact("craft")
			if err != nil {
				return nil, err
			}
			return prompt.Vars{"story": craft.Text("story")}, nil
		},
		Schema: schema.Schema{
			Name: "review",
			Fields: []schema.Field{
				{Name: "verdict", Kind: schema.KindText, Required: true},
				{Name: "strengths", Kind: schema.KindList, Required: true},
				{Name: "issues", Kind: schema.KindList, Required: true},
			},
		},
	}
}

// approveStage revises against the reviewed draft itself, not a fresh
// generation, so the editor sees exactly what the critic judged.
func approveStage() *pipeline.Stage {
	return &pipeline.Stage{
		Name:     "approve",
		Persona:  "editor",
		Inputs:   []string{pipeline.InputKey, "craft", "review"},
		Options:  &pipeline.Options{Criteria: "editorial", Temperature: 0.6},
		Template: approveTemplate,
		Compose: func(in pipeline.Inputs) (prompt.Vars, error) {
			craft, err := in.Artifact("craft")
			if err != nil {
				return nil, err
			}
			review, err := in.Artifact("review")
			if err != nil {
				return nil, err
			}
			return prompt.Vars{
				"input":       in.UserText(),
				"story":       craft.Text("story"),
				"verdict":     review.Text("verdict"),
				"issues":      strings.Join(review.List("issues"), "; "),
				"word_target": strconv.Itoa(in.WordTarget()),
			}, nil
		},
		Schema: schema.Schema{
			Name: "approve",
			Fields: []schema.Field{
				{Name: "story", Kind: schema.KindText, Required: true},
				{Name: "summary", Kind: schema.KindText, Required: true},
				{Name: "changes", Kind: schema.KindList},
			},
		},
		Goal: true,
	}
}
