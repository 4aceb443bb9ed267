package actions

import (
	"log/slog"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/streaming"
)

// BuiltinConfig selects the collaborators behind the built-in actions.
type BuiltinConfig struct {
	HTTP    HTTPConfig
	Sandbox Sandbox
	Engines *expressions.Engines
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

// RegisterBuiltins registers every built-in action: the http, sandbox and
// wait kinds plus the eval and workflow.* custom actions.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	all := []Action{
		NewHTTPAction(cfg.HTTP),
		NewSandboxAction(cfg.Sandbox),
		WaitAction{},
	}
	if cfg.Engines != nil {
		all = append(all, NewEvalAction(cfg.Engines))
	}
	all = append(all, WorkflowActions(WorkflowActionDeps{Hub: cfg.Hub, Logger: cfg.Logger})...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
