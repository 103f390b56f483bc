package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/genroute/internal/apperr"
	"github.com/vnmchuo/genroute/internal/registry"
)

const blogYAML = `
name: blog-post
version: "2"
variables:
  tone: friendly
steps:
  - id: outline
    provider: openai
    input:
      prompt: "Outline a post about {{topic}} in a {{tone}} tone"
      maxTokens: 200
    onSuccess: draft
    retry:
      maxAttempts: 2
      delayMs: 100
  - id: draft
    input:
      prompt: "Write it: {{outline.output}}"
      temperature: 0.7
    cacheEnabled: false
settings:
  maxTotalCostUSD: 0.5
  timeoutMs: 30000
  strategy: fastest
`

const summaryJSON = `{
  "name": "summary",
  "steps": [{"id": "sum", "input": {"prompt": "Summarize {{text}}"}}]
}`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(blogYAML))
	require.NoError(t, err)

	assert.Equal(t, "blog-post", def.Name)
	assert.Equal(t, "friendly", def.Variables["tone"])
	require.Len(t, def.Steps, 2)
	assert.Equal(t, "draft", def.Steps[0].OnSuccess)
	assert.Equal(t, 200, def.Steps[0].Input.MaxTokens)
	assert.Equal(t, RetryPolicy{MaxAttempts: 2, DelayMs: 100}, def.Steps[0].Retry)
	assert.False(t, def.Steps[1].cacheEnabled(def.Settings))
	assert.True(t, def.Steps[0].cacheEnabled(def.Settings))
	assert.Equal(t, registry.StrategyFastest, def.Settings.Strategy)
	assert.Equal(t, 0.5, def.Settings.MaxTotalCostUSD)
}

func TestParseDefinition_Invalid(t *testing.T) {
	_, err := ParseDefinition([]byte("name: broken\nsteps:\n  - id: a\n    input: {prompt: hi}\n    onSuccess: nowhere\n"))
	assert.Equal(t, apperr.KindInvalidWorkflowRef, apperr.KindOf(err))

	_, err = ParseDefinition([]byte("name: [unterminated"))
	assert.Error(t, err)
}

func TestCatalog_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blog.yaml"), []byte(blogYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.json"), []byte(summaryJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a workflow"), 0o644))

	c := NewCatalog()
	n, err := c.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "blog-post", list[0].Name)
	assert.Equal(t, "summary", list[1].Name)

	_, err = c.Get("missing")
	assert.True(t, errors.Is(err, ErrWorkflowNotFound))
}

func TestCatalog_LoadDirRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	cyclic := "name: loop\nsteps:\n  - {id: a, input: {prompt: x}, onSuccess: b}\n  - {id: b, input: {prompt: y}, onSuccess: a}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.yml"), []byte(cyclic), 0o644))

	_, err := NewCatalog().LoadDir(dir)
	assert.Equal(t, apperr.KindCycleDetected, apperr.KindOf(err))
}

func TestCatalog_RegisterValidates(t *testing.T) {
	c := NewCatalog()
	assert.Error(t, c.Register(&Definition{Name: "empty"}))
	assert.Empty(t, c.List())
}
