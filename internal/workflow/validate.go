package workflow

import (
	"strings"

	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/registry"
)

const (
	maxRetryAttempts = 10
	maxRetryDelayMs  = 60_000
)

// Validate rejects definitions that could not run to completion: duplicate or
// empty ids, dangling edges, cycles in the step graph, malformed templates and
// out-of-range settings. Nothing is executed.
func Validate(def *Definition) error {
	if def == nil {
		return apperr.New(apperr.KindValidation, "workflow definition is nil")
	}
	if strings.TrimSpace(def.Name) == "" {
		return apperr.New(apperr.KindValidation, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		return apperr.New(apperr.KindValidation, "workflow %s has no steps", def.Name)
	}

	ids := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			return apperr.New(apperr.KindValidation, "step %d has no id", i)
		}
		if ids[s.ID] {
			return apperr.New(apperr.KindValidation, "duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range def.Steps {
		if s.OnSuccess != "" && !ids[s.OnSuccess] {
			return apperr.New(apperr.KindInvalidWorkflowRef, "step %q: onSuccess references unknown step %q", s.ID, s.OnSuccess)
		}
		if s.OnFailure != "" && !ids[s.OnFailure] {
			return apperr.New(apperr.KindInvalidWorkflowRef, "step %q: onFailure references unknown step %q", s.ID, s.OnFailure)
		}
	}

	if cycle := findCycle(def.Steps); cycle != nil {
		return apperr.New(apperr.KindCycleDetected, "step graph contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	for _, s := range def.Steps {
		if err := validateStep(s, ids); err != nil {
			return err
		}
	}

	return validateSettings(def.Settings)
}

func validateStep(s Step, ids map[string]bool) error {
	if strings.TrimSpace(s.Input.Prompt) == "" {
		return apperr.New(apperr.KindValidation, "step %q: prompt is required", s.ID)
	}
	for _, src := range []string{s.Input.Prompt, s.Input.SystemPrompt} {
		t, err := ParseTemplate(src)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "step "+s.ID+": invalid template")
		}
		for _, ref := range t.Refs() {
			if ref.Field != "" && !ids[ref.Name] {
				return apperr.New(apperr.KindInvalidWorkflowRef, "step %q: template references unknown step %q", s.ID, ref.Name)
			}
		}
	}
	if s.Input.Temperature < 0 || s.Input.Temperature > 2 {
		return apperr.New(apperr.KindValidation, "step %q: temperature out of range [0, 2]", s.ID)
	}
	if s.Input.MaxTokens < 0 {
		return apperr.New(apperr.KindValidation, "step %q: maxTokens must not be negative", s.ID)
	}
	if s.Retry.MaxAttempts < 0 || s.Retry.MaxAttempts > maxRetryAttempts {
		return apperr.New(apperr.KindValidation, "step %q: retry.maxAttempts must be within [0, %d]", s.ID, maxRetryAttempts)
	}
	if s.Retry.DelayMs < 0 || s.Retry.DelayMs > maxRetryDelayMs {
		return apperr.New(apperr.KindValidation, "step %q: retry.delayMs must be within [0, %d]", s.ID, maxRetryDelayMs)
	}
	return nil
}

func validateSettings(s Settings) error {
	if s.MaxTotalCostUSD < 0 {
		return apperr.New(apperr.KindValidation, "settings.maxTotalCostUSD must not be negative")
	}
	if s.TimeoutMs < 0 {
		return apperr.New(apperr.KindValidation, "settings.timeoutMs must not be negative")
	}
	if s.Strategy != "" {
		if _, err := registry.ParseStrategy(string(s.Strategy)); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "settings.strategy")
		}
	}
	return nil
}

const (
	white = iota
	grey
	black
)

// findCycle runs a DFS from every step over both edge kinds and returns the
// first cycle found as a path ending where it started.
func findCycle(steps []Step) []string {
	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, next := range []string{s.OnSuccess, s.OnFailure} {
			if next != "" {
				edges[s.ID] = append(edges[s.ID], next)
			}
		}
	}

	color := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
