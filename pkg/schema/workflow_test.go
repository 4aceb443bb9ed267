package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDefinition = `
name: nightly-report
metadata:
  owner: data
steps:
  - id: extract
    action:
      kind: http
      params:
        url: https://example.test/report
    retry:
      max_attempts: 3
      base_delay: 100ms
  - id: review
    type: approval
    depends_on: [extract]
    approval:
      title: Check report
      timeout: 1h
  - id: publish
    depends_on: [review]
    continue_on_error: true
    action:
      kind: custom
      name: publish
`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(yamlDefinition), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "nightly-report", def.Name)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, StepTypeAction, def.Steps[0].EffectiveType())
	assert.Equal(t, 3, def.Steps[0].Retry.MaxAttempts)
	assert.Equal(t, "https://example.test/report", def.Steps[0].Action.Params["url"])
	assert.Equal(t, StepTypeApproval, def.Steps[1].EffectiveType())
	assert.Equal(t, "1h", def.Steps[1].Approval.Timeout)
	assert.True(t, def.Steps[2].ContinueOnError)
	assert.Equal(t, "publish", def.Steps[2].Action.ActionName())
	assert.Equal(t, "data", def.Metadata["owner"])
}

func TestParseDefinition_BadInput(t *testing.T) {
	_, err := ParseDefinition([]byte("{not json"), FormatJSON)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeSerialization))
}

func TestParseDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDefinition), 0o600))

	def, err := ParseDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", def.Name)

	_, err = ParseDefinitionFile(filepath.Join(dir, "missing.json"))
	assert.True(t, IsCode(err, ErrCodeNotFound))
}

func TestWorkflowDefinition_CloneIsDeep(t *testing.T) {
	def, err := ParseDefinition([]byte(yamlDefinition), FormatYAML)
	require.NoError(t, err)

	cp, err := def.Clone()
	require.NoError(t, err)
	cp.Steps[0].Action.Params["url"] = "changed"
	cp.Steps = append(cp.Steps, StepDefinition{ID: "extra"})

	assert.Equal(t, "https://example.test/report", def.Steps[0].Action.Params["url"])
	assert.Len(t, def.Steps, 3)
	assert.NotNil(t, cp.Step("extra"))
	assert.Nil(t, def.Step("extra"))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("250ms", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDuration("soon", 0)
	assert.True(t, IsCode(err, ErrCodeInvalidDefinition))
}
