package pipeline

import (
	"fmt"

	"github.com/zen-systems/storyloom/pkg/artifact"
	"github.com/zen-systems/storyloom/pkg/prompt"
)

// Inputs exposes a stage's declared dependencies to its compose function.
// Only dependencies the stage declared are reachable; artifacts of other
// stages are not.
type Inputs struct {
	user       UserInput
	hasUser    bool
	wordCap    int
	wordTarget int
	artifacts  map[string]*artifact.Artifact
}

// UserInput returns the original request when the stage declared it.
func (in Inputs) UserInput() (UserInput, bool) {
	return in.user, in.hasUser
}

// UserText returns the user content capped to the run's word limit.
func (in Inputs) UserText() string {
	if !in.hasUser {
		return ""
	}
	return prompt.CapWords(in.user.Content, in.wordCap)
}

// WordCap returns the word limit applied to user input.
func (in Inputs) WordCap() int {
	return in.wordCap
}

// WordTarget returns the length hint for generated prose.
func (in Inputs) WordTarget() int {
	return in.wordTarget
}

// Artifact returns a declared predecessor's artifact by stage name.
func (in Inputs) Artifact(name string) (*artifact.Artifact, error) {
	art, ok := in.artifacts[name]
	if !ok {
		return nil, fmt.Errorf("artifact %s not declared as an input", name)
	}
	return art, nil
}
