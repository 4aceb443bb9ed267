package schema

import "time"

// ParameterType is the declared type of a template parameter.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamArray   ParameterType = "array"
	ParamObject  ParameterType = "object"
	ParamSelect  ParameterType = "select"
	ParamSecret  ParameterType = "secret"
)

// ParameterValidation holds optional value rules.
type ParameterValidation struct {
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// TemplateParameter declares one substitutable value of a template.
type TemplateParameter struct {
	Name        string               `json:"name" yaml:"name"`
	Label       string               `json:"label,omitempty" yaml:"label,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Type        ParameterType        `json:"type" yaml:"type"`
	Required    bool                 `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any                  `json:"default,omitempty" yaml:"default,omitempty"`
	Options     []string             `json:"options,omitempty" yaml:"options,omitempty"` // select kind
	Validation  *ParameterValidation `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// WorkflowTemplate is a parameterized definition skeleton.
type WorkflowTemplate struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string              `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string            `json:"tags,omitempty" yaml:"tags,omitempty"`
	Parameters  []TemplateParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Definition  WorkflowDefinition  `json:"definition" yaml:"definition"`
	Version     string              `json:"version,omitempty" yaml:"version,omitempty"`
	Author      string              `json:"author,omitempty" yaml:"author,omitempty"`
	Public      bool                `json:"public,omitempty" yaml:"public,omitempty"`
	UsageCount  int                 `json:"usage_count" yaml:"-"`
	CreatedAt   time.Time           `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time           `json:"updated_at" yaml:"-"`
}

// TemplateFilter narrows template listings and searches.
type TemplateFilter struct {
	Query    string
	Category string
	Tags     []string
	Limit    int
}
