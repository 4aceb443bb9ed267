// Package templates stores parameterized workflow skeletons and turns them
// into concrete definitions.
package templates

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowCreator validates and stores definitions. Satisfied by the engine.
type WorkflowCreator interface {
	Validate(def *schema.WorkflowDefinition) (*schema.ValidationResult, error)
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (string, error)
}

// Library manages workflow templates.
type Library struct {
	store   store.TemplateRepository
	creator WorkflowCreator
	schemas *validation.JSONSchemaValidator
	logger  *slog.Logger
	now     func() time.Time
}

// NewLibrary creates a Library.
func NewLibrary(s store.TemplateRepository, creator WorkflowCreator, schemas *validation.JSONSchemaValidator, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		store:   s,
		creator: creator,
		schemas: schemas,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register validates tpl and stores it. Every placeholder in the definition
// must be a declared parameter.
func (l *Library) Register(ctx context.Context, tpl *schema.WorkflowTemplate) (*schema.WorkflowTemplate, error) {
	if tpl == nil || tpl.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "template requires a name")
	}
	result := &schema.ValidationResult{}
	declared := make(map[string]bool, len(tpl.Parameters))
	for i, p := range tpl.Parameters {
		path := fmt.Sprintf("parameters[%d]", i)
		switch {
		case p.Name == "":
			result.AddError(path, schema.ErrCodeValidation, "parameter requires a name")
			continue
		case declared[p.Name]:
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		declared[p.Name] = true
		if _, err := validation.ParameterSchema(p); err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
		}
	}
	for _, name := range Placeholders(tpl.Definition) {
		if !declared[name] {
			result.AddError("definition", schema.ErrCodeValidation, fmt.Sprintf("placeholder {{ %s }} has no parameter", name))
		}
	}
	if err := result.ToErrorCode(schema.ErrCodeValidation); err != nil {
		return nil, err
	}

	out := *tpl
	if out.ID == "" {
		out.ID = "tpl_" + uuid.NewString()
	}
	if out.Version == "" {
		out.Version = "1.0.0"
	}
	now := l.now()
	out.UsageCount = 0
	out.CreatedAt = now
	out.UpdatedAt = now
	if err := l.store.SaveTemplate(ctx, &out); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "template registered",
		slog.String("template_id", out.ID),
		slog.String("category", out.Category),
	)
	return &out, nil
}

// Get returns one template.
func (l *Library) Get(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	return l.store.GetTemplate(ctx, id)
}

// List returns templates matching filter, ordered by name.
func (l *Library) List(ctx context.Context, filter schema.TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	return l.store.ListTemplates(ctx, filter)
}

// Search matches query against name, description and tags; category and
// tags narrow the result further.
func (l *Library) Search(ctx context.Context, query, category string, tags []string) ([]*schema.WorkflowTemplate, error) {
	return l.store.ListTemplates(ctx, schema.TemplateFilter{Query: query, Category: category, Tags: tags})
}

// Categories returns the distinct non-empty categories.
func (l *Library) Categories(ctx context.Context) ([]string, error) {
	all, err := l.store.ListTemplates(ctx, schema.TemplateFilter{})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, tpl := range all {
		if tpl.Category != "" && !slices.Contains(out, tpl.Category) {
			out = append(out, tpl.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a template. Workflows created from it are unaffected.
func (l *Library) Delete(ctx context.Context, id string) error {
	if err := l.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "template deleted", slog.String("template_id", id))
	return nil
}

// Instantiate validates params against the template's declarations and
// returns the substituted, validated definition. Nothing is stored.
func (l *Library) Instantiate(ctx context.Context, templateID string, params map[string]any) (*schema.WorkflowDefinition, error) {
	tpl, err := l.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	values, err := validation.ValidateParameters(l.schemas, tpl.Parameters, params)
	if err != nil {
		return nil, err
	}
	for _, p := range tpl.Parameters {
		if _, ok := values[p.Name]; !ok {
			values[p.Name] = nil
		}
	}
	def, err := substitute(tpl.Definition, values)
	if err != nil {
		return nil, err
	}
	if def.Metadata == nil {
		def.Metadata = map[string]any{}
	}
	def.Metadata["template_id"] = tpl.ID
	def.Metadata["template_version"] = tpl.Version

	if _, err := l.creator.Validate(def); err != nil {
		return nil, err
	}
	l.logger.DebugContext(ctx, "template instantiated",
		slog.String("template_id", tpl.ID),
		slog.String("workflow_id", def.ID),
	)
	return def, nil
}

// InstantiateAndCreate instantiates a template and stores the result as a
// new workflow, returning its id.
func (l *Library) InstantiateAndCreate(ctx context.Context, templateID string, params map[string]any) (string, error) {
	def, err := l.Instantiate(ctx, templateID, params)
	if err != nil {
		return "", err
	}
	id, err := l.creator.CreateWorkflow(ctx, def)
	if err != nil {
		return "", err
	}
	if err := l.store.IncrementTemplateUsage(ctx, templateID); err != nil {
		l.logger.WarnContext(ctx, "template usage not recorded",
			slog.String("template_id", templateID),
			slog.String("error", err.Error()),
		)
	}
	l.logger.InfoContext(ctx, "workflow created from template",
		slog.String("template_id", templateID),
		slog.String("workflow_id", id),
	)
	return id, nil
}
