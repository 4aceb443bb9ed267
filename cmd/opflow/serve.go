package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/opflow/internal/approval"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/templates"
	"github.com/rendis/opflow/internal/triggers"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/internal/versioning"
	opmcp "github.com/rendis/opflow/pkg/mcp"
	"github.com/rendis/opflow/pkg/schema"
)

const shutdownTimeout = 30 * time.Second

// app is the fully wired process.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	closer    func() error
	registry  *prometheus.Registry
	hub       *streaming.MemoryHub
	gate      *approval.Gate
	engine    *engine.Engine
	templates *templates.Library
	scheduler *scheduler.Scheduler
	triggers  *triggers.Manager
	bus       *triggers.Bus
}

func runServe(args []string) int {
	cfg := loadConfig()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, `database path ("" or ":memory:" for in-memory)`)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "metrics listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.WorkflowsDir, "workflows", cfg.WorkflowsDir, "directory of YAML/JSON definitions to preload")
	fs.BoolVar(&cfg.MCP, "mcp", cfg.MCP, "serve MCP over stdio")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "serve /metrics")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// stdout carries the MCP stream; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.close()

	if err := a.serve(ctx, stop); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// newApp wires store -> hub -> gate -> versions -> engine -> templates ->
// scheduler -> triggers in dependency order.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, closer: func() error { return nil }}

	if cfg.inMemory() {
		a.store = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		ls, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := ls.Migrate(ctx); err != nil {
			_ = ls.Close()
			return nil, err
		}
		a.store, a.closer = ls, ls.Close
	}

	var m *metrics.Metrics
	if cfg.Metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		var err error
		if m, err = metrics.New(a.registry); err != nil {
			return nil, err
		}
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return nil, err
	}
	interval, err := cfg.schedulerInterval()
	if err != nil {
		return nil, err
	}

	a.hub = streaming.NewMemoryHub()
	a.gate = approval.NewGate(a.store, logger, m)
	versions := versioning.NewManager(a.store, logger)

	a.engine, err = engine.New(engine.Deps{
		Store:    a.store,
		Gate:     a.gate,
		Versions: versions,
		Hub:      a.hub,
		Engines:  engines,
		Metrics:  m,
		Logger:   logger,
	}, engineCfg)
	if err != nil {
		return nil, err
	}
	if err := a.gate.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover approvals: %w", err)
	}

	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	a.templates = templates.NewLibrary(a.store, a.engine, schemas, logger)
	a.scheduler = scheduler.NewScheduler(a.store, a.engine, m, logger, scheduler.Config{Interval: interval})
	a.triggers = triggers.NewManager(a.store, a.engine, engines, m, logger)
	a.bus = triggers.NewBus(a.hub, a.triggers, logger)

	if err := seedTemplates(ctx, a.templates); err != nil {
		return nil, err
	}
	if cfg.WorkflowsDir != "" {
		if err := preloadWorkflows(ctx, a.engine, cfg.WorkflowsDir, logger); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) serve(ctx context.Context, stop context.CancelFunc) error {
	if err := a.bus.Start(ctx); err != nil {
		return err
	}
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.registry != nil {
		srv := &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           metricsMux(a.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("metrics listening", slog.String("addr", a.cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.MCP {
		mcpSrv := opmcp.NewOpflowServer(opmcp.OpflowServerDeps{
			Engine:    a.engine,
			Scheduler: a.scheduler,
			Triggers:  a.triggers,
			Templates: a.templates,
			Logger:    a.logger,
		})
		if err := mcpSrv.WatchApprovals(gctx, a.hub); err != nil {
			return err
		}
		g.Go(func() error {
			a.logger.Info("mcp serving on stdio")
			err := mcpSrv.Serve(gctx)
			// stdin closed: the client is gone, take the process down with it.
			stop()
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	a.shutdown()
	return err
}

func (a *app) shutdown() {
	a.bus.Stop()
	if err := a.scheduler.Stop(); err != nil {
		a.logger.Warn("scheduler stop", slog.String("error", err.Error()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn("engine shutdown", slog.String("error", err.Error()))
	}
	a.gate.Close()
	a.logger.Info("opflow stopped")
}

func (a *app) close() {
	if err := a.closer(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// preloadWorkflows registers every definition file in dir. A file whose
// workflow already exists publishes a new version; unchanged files are skipped.
func preloadWorkflows(ctx context.Context, e *engine.Engine, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflows dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := schema.ParseDefinitionFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if def.ID != "" {
			if _, err := e.GetWorkflow(ctx, def.ID); err == nil {
				v, err := e.UpdateWorkflow(ctx, def)
				switch {
				case schema.IsCode(err, schema.ErrCodeConflict):
					logger.Debug("workflow unchanged", slog.String("workflow_id", def.ID))
				case err != nil:
					return fmt.Errorf("%s: %w", path, err)
				default:
					logger.Info("workflow updated", slog.String("workflow_id", def.ID), slog.String("version", v.Semver()))
				}
				continue
			}
		}

		id, err := e.CreateWorkflow(ctx, def)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		logger.Info("workflow loaded", slog.String("workflow_id", id), slog.String("file", entry.Name()))
	}
	return nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// seedTemplates installs the built-in templates into an empty library.
func seedTemplates(ctx context.Context, lib *templates.Library) error {
	existing, err := lib.List(ctx, schema.TemplateFilter{Limit: 1})
	if err != nil || len(existing) > 0 {
		return err
	}
	builtins := []*schema.WorkflowTemplate{
		templates.ApprovalChain("Approval chain", "Submit, two approval gates, then execute."),
	}
	for _, tpl := range builtins {
		if _, err := lib.Register(ctx, tpl); err != nil {
			return fmt.Errorf("seed template %q: %w", tpl.Name, err)
		}
	}
	return nil
}
