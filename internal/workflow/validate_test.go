package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vnmchuo/genroute/internal/apperr"
)

func step(id, prompt string) Step {
	return Step{ID: id, Input: StepInput{Prompt: prompt}}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
		kind apperr.Kind
	}{
		{"nil", nil, apperr.KindValidation},
		{"no name", &Definition{Steps: []Step{step("a", "hi")}}, apperr.KindValidation},
		{"no steps", &Definition{Name: "wf"}, apperr.KindValidation},
		{"empty id", &Definition{Name: "wf", Steps: []Step{step("", "hi")}}, apperr.KindValidation},
		{"duplicate id", &Definition{Name: "wf", Steps: []Step{step("a", "hi"), step("a", "ho")}}, apperr.KindValidation},
		{"missing prompt", &Definition{Name: "wf", Steps: []Step{step("a", " ")}}, apperr.KindValidation},
		{"bad template", &Definition{Name: "wf", Steps: []Step{step("a", "{{oops")}}, apperr.KindValidation},
		{"temperature", &Definition{Name: "wf", Steps: []Step{{ID: "a", Input: StepInput{Prompt: "hi", Temperature: 2.5}}}}, apperr.KindValidation},
		{"retry", &Definition{Name: "wf", Steps: []Step{{ID: "a", Input: StepInput{Prompt: "hi"}, Retry: RetryPolicy{MaxAttempts: 50}}}}, apperr.KindValidation},
		{"negative ceiling", &Definition{Name: "wf", Steps: []Step{step("a", "hi")}, Settings: Settings{MaxTotalCostUSD: -1}}, apperr.KindValidation},
		{"strategy", &Definition{Name: "wf", Steps: []Step{step("a", "hi")}, Settings: Settings{Strategy: "random"}}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			assert.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestValidate_Cycle(t *testing.T) {
	a := step("a", "hi")
	a.OnSuccess = "b"
	b := step("b", "ho")
	b.OnFailure = "a"

	err := Validate(&Definition{Name: "loop", Steps: []Step{a, b}})
	assert.Equal(t, apperr.KindCycleDetected, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestValidate_SelfLoop(t *testing.T) {
	a := step("a", "hi")
	a.OnFailure = "a"
	err := Validate(&Definition{Name: "self", Steps: []Step{a}})
	assert.Equal(t, apperr.KindCycleDetected, apperr.KindOf(err))
}

func TestValidate_InvalidReference(t *testing.T) {
	a := step("a", "hi")
	a.OnSuccess = "ghost"
	err := Validate(&Definition{Name: "wf", Steps: []Step{a}})
	assert.Equal(t, apperr.KindInvalidWorkflowRef, apperr.KindOf(err))

	err = Validate(&Definition{Name: "wf", Steps: []Step{step("a", "use {{ghost.output}}")}})
	assert.Equal(t, apperr.KindInvalidWorkflowRef, apperr.KindOf(err))
}

func TestValidate_DiamondIsAcyclic(t *testing.T) {
	a := step("a", "hi")
	a.OnSuccess, a.OnFailure = "b", "c"
	b := step("b", "{{a.output}}")
	b.OnSuccess = "d"
	c := step("c", "{{a.error}}")
	c.OnSuccess = "d"
	d := step("d", "{{topic}}")

	assert.NoError(t, Validate(&Definition{Name: "diamond", Steps: []Step{a, b, c, d}}))
}
