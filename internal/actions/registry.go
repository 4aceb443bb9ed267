package actions

import (
	"sort"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Replace registers action, overwriting any action with the same name.
func (r *Registry) Replace(action Action) error {
	if action == nil || action.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "action is nil or unnamed")
	}
	r.mu.Lock()
	r.actions[action.Name()] = action
	r.mu.Unlock()
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// Resolve returns the action a step payload refers to: the named handler for
// custom payloads, the kind's built-in otherwise.
func (r *Registry) Resolve(payload *schema.ActionPayload) (Action, error) {
	if payload == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "action payload is nil")
	}
	if payload.Kind == schema.ActionKindCustom && payload.Name == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "custom action requires a name")
	}
	return r.Get(payload.ActionName())
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: a.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
