package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the serializable workflow format.
// A definition is immutable once an execution has pinned it.
type WorkflowDefinition struct {
	ID          string           `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int              `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Timeout     string           `json:"timeout,omitempty" yaml:"timeout,omitempty"` // whole-execution deadline (e.g. "10m")
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID              string             `json:"id" yaml:"id"`
	Name            string             `json:"name,omitempty" yaml:"name,omitempty"`
	Type            StepType           `json:"type,omitempty" yaml:"type,omitempty"` // default: action
	DependsOn       []string           `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Retry           *RetryPolicy       `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout         string             `json:"timeout,omitempty" yaml:"timeout,omitempty"` // per-attempt timeout
	ContinueOnError bool               `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Action          *ActionPayload     `json:"action,omitempty" yaml:"action,omitempty"`
	Approval        *ApprovalConfig    `json:"approval,omitempty" yaml:"approval,omitempty"`
	Parallel        *ParallelConfig    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Condition       *ConditionConfig   `json:"condition,omitempty" yaml:"condition,omitempty"`
	SubWorkflow     *SubWorkflowConfig `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction      StepType = "action"
	StepTypeApproval    StepType = "approval"
	StepTypeParallel    StepType = "parallel"
	StepTypeConditional StepType = "conditional"
	StepTypeSubWorkflow StepType = "sub_workflow"
)

// StepTypes lists every supported step type.
var StepTypes = []StepType{StepTypeAction, StepTypeApproval, StepTypeParallel, StepTypeConditional, StepTypeSubWorkflow}

// EffectiveType returns the step type, defaulting to action.
func (s *StepDefinition) EffectiveType() StepType {
	if s.Type == "" {
		return StepTypeAction
	}
	return s.Type
}

// DisplayName returns the step name, falling back to its id.
func (s *StepDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Action kinds understood by the action registry.
const (
	ActionKindHTTP    = "http"
	ActionKindSandbox = "sandbox"
	ActionKindCustom  = "custom"
	ActionKindWait    = "wait"
)

// ActionPayload is the opaque work description of an action step.
type ActionPayload struct {
	Kind   string         `json:"kind" yaml:"kind"`                     // http | sandbox | custom | wait
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"` // registered handler for custom actions
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ActionName returns the registry key for the payload.
func (a *ActionPayload) ActionName() string {
	if a.Kind == ActionKindCustom && a.Name != "" {
		return a.Name
	}
	return a.Kind
}

// RetryPolicy configures retry behaviour for a step.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   string  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"` // default 2
	Jitter      string  `json:"jitter,omitempty" yaml:"jitter,omitempty"`         // upper bound of random extra delay
	MaxDelay    string  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// ApprovalConfig is the config block for approval steps.
type ApprovalConfig struct {
	Title                string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description          string   `json:"description,omitempty" yaml:"description,omitempty"`
	Timeout              string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Approvers            []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	NotificationChannels []string `json:"notification_channels,omitempty" yaml:"notification_channels,omitempty"`
}

// ParallelConfig is the config block for parallel-group steps.
type ParallelConfig struct {
	Actions  []ActionPayload `json:"actions" yaml:"actions"`
	FailFast bool            `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
}

// ConditionConfig is the config block for conditional steps.
// Then and Else name steps that depend on this one; the branch not taken is skipped.
type ConditionConfig struct {
	Expression string   `json:"expression" yaml:"expression"`
	Engine     string   `json:"engine,omitempty" yaml:"engine,omitempty"` // cel (default) | expr | jq
	Then       []string `json:"then,omitempty" yaml:"then,omitempty"`
	Else       []string `json:"else,omitempty" yaml:"else,omitempty"`
}

// SubWorkflowConfig is the config block for sub-workflow steps.
type SubWorkflowConfig struct {
	WorkflowID string         `json:"workflow_id" yaml:"workflow_id"`
	Input      map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	NoWait     bool           `json:"no_wait,omitempty" yaml:"no_wait,omitempty"`
}

// Clone returns a deep copy of the definition.
func (d *WorkflowDefinition) Clone() (*WorkflowDefinition, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, NewError(ErrCodeSerialization, "encode definition").WithCause(err)
	}
	var out WorkflowDefinition
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, NewError(ErrCodeSerialization, "decode definition").WithCause(err)
	}
	return &out, nil
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ParseDuration parses an optional duration string; empty yields fallback.
func ParseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewErrorf(ErrCodeInvalidDefinition, "invalid duration %q", s).WithCause(err)
	}
	return d, nil
}

// Definition encodings accepted by ParseDefinition.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ParseDefinition decodes a definition in the given format.
func ParseDefinition(data []byte, format string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := Decode(data, format, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionFile reads a definition, choosing the format by extension.
func ParseDefinitionFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewErrorf(ErrCodeNotFound, "read definition %s", path).WithCause(err)
	}
	return ParseDefinition(data, FormatOf(path))
}

// FormatOf returns the encoding implied by a file extension.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode unmarshals JSON or YAML into out.
func Decode(data []byte, format string, out any) error {
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, out)
	default:
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		return NewErrorf(ErrCodeSerialization, "decode %s: %s", format, err.Error()).WithCause(err)
	}
	return nil
}
