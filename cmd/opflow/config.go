package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/pkg/schema"
)

// Config holds all opflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr         string `json:"listen_addr"`
	DBPath             string `json:"db_path"` // empty or ":memory:" selects the in-memory store
	LogLevel           string `json:"log_level"`
	PoolSize           int    `json:"pool_size"`
	MaxConcurrentSteps int    `json:"max_concurrent_steps"`
	SchedulerInterval  string `json:"scheduler_interval"`
	ApprovalFailure    string `json:"approval_failure"`
	FailFast           bool   `json:"fail_fast"`
	DefaultStepTimeout string `json:"default_step_timeout"`
	Metrics            bool   `json:"metrics"`
	WorkflowsDir       string `json:"workflows_dir"`
	MCP                bool   `json:"mcp"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4100",
		DBPath:            filepath.Join(opflowDir(), "opflow.db"),
		LogLevel:          "info",
		PoolSize:          engine.DefaultPoolSize,
		SchedulerInterval: "60s",
		ApprovalFailure:   string(engine.FailExecution),
		Metrics:           true,
		MCP:               true,
	}
}

func opflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

func settingsPath() string {
	if v := os.Getenv("OPFLOW_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(opflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("OPFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	envString("OPFLOW_DB_PATH", &cfg.DBPath)
	envString("OPFLOW_LOG_LEVEL", &cfg.LogLevel)
	envInt("OPFLOW_POOL_SIZE", &cfg.PoolSize)
	envInt("OPFLOW_MAX_CONCURRENT_STEPS", &cfg.MaxConcurrentSteps)
	envString("OPFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	envString("OPFLOW_APPROVAL_FAILURE", &cfg.ApprovalFailure)
	envBool("OPFLOW_FAIL_FAST", &cfg.FailFast)
	envString("OPFLOW_DEFAULT_STEP_TIMEOUT", &cfg.DefaultStepTimeout)
	envBool("OPFLOW_METRICS", &cfg.Metrics)
	envString("OPFLOW_WORKFLOWS_DIR", &cfg.WorkflowsDir)
	envBool("OPFLOW_MCP", &cfg.MCP)

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// engineConfig translates the file-level settings into engine.Config.
func (c Config) engineConfig() (engine.Config, error) {
	timeout, err := schema.ParseDuration(c.DefaultStepTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	scope := engine.ApprovalFailureScope(c.ApprovalFailure)
	switch scope {
	case "", engine.FailExecution, engine.FailBranch:
	default:
		return engine.Config{}, schema.NewErrorf(schema.ErrCodeValidation,
			"approval_failure must be %s or %s, got %q", engine.FailExecution, engine.FailBranch, c.ApprovalFailure)
	}
	return engine.Config{
		PoolSize:             c.PoolSize,
		MaxStepsPerExecution: c.MaxConcurrentSteps,
		DefaultStepTimeout:   timeout,
		FailFast:             c.FailFast,
		ApprovalFailure:      scope,
	}, nil
}

func (c Config) schedulerInterval() (time.Duration, error) {
	return schema.ParseDuration(c.SchedulerInterval, time.Minute)
}

func (c Config) inMemory() bool {
	return c.DBPath == "" || c.DBPath == ":memory:"
}
