package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// inputFlags collects repeated -input key=value pairs. Values that parse as
// JSON keep their type; anything else is a string.
type inputFlags map[string]any

func (f inputFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (f inputFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("input %q must be key=value", s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	f[key] = v
	return nil
}

// newLocalEngine builds an engine over an in-memory store for offline commands.
func newLocalEngine(logLevel string, stderr io.Writer) (*engine.Engine, error) {
	cfg := loadConfig()
	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Deps{
		Store:  store.NewMemoryStore(),
		Logger: logging.New(stderr, logLevel),
	}, engineCfg)
}

func runValidate(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: opflow validate <file>")
		return 2
	}
	path := fs.Arg(0)

	def, err := schema.ParseDefinitionFile(path)
	if err != nil {
		fmt.Fprintf(stdout, "%s: %v\n", path, err)
		return 1
	}
	e, err := newLocalEngine("error", os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer shutdownLocal(e)

	result, err := e.Validate(def)
	if result != nil {
		for _, w := range result.Warnings {
			fmt.Fprintf(stdout, "warning %s [%s]: %s\n", w.Path, w.Code, w.Message)
		}
		for _, issue := range result.Errors {
			fmt.Fprintf(stdout, "error %s [%s]: %s\n", issue.Path, issue.Code, issue.Message)
		}
	}
	if err != nil {
		fmt.Fprintf(stdout, "%s: invalid (%s)\n", path, schema.CodeOf(err))
		return 1
	}
	fmt.Fprintf(stdout, "%s: ok (%d steps)\n", path, len(def.Steps))
	return 0
}

func runWorkflow(args []string, stdout io.Writer) int {
	inputs := inputFlags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.Var(inputs, "input", "execution input as key=value (repeatable)")
	workflowsDir := fs.String("workflows", "", "directory of definitions the workflow calls as sub-workflows")
	timeout := fs.Duration("timeout", 5*time.Minute, "maximum time to wait for completion")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: opflow run [-input k=v]... [-workflows dir] <file>")
		return 2
	}

	def, err := schema.ParseDefinitionFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	e, err := newLocalEngine(*logLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer shutdownLocal(e)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *workflowsDir != "" {
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		if err := preloadWorkflows(ctx, e, *workflowsDir, quiet); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	workflowID, err := e.CreateWorkflow(ctx, def)
	if err != nil && schema.IsCode(err, schema.ErrCodeConflict) {
		// Already preloaded from -workflows.
		workflowID, err = def.ID, nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	execID, err := e.StartExecution(ctx, workflowID, inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	status, err := e.Wait(ctx, execID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: execution %s did not finish: %v\n", execID, err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(status)
	if status.State != schema.ExecutionCompleted {
		return 1
	}
	return 0
}

func runDiagram(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid or image")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: opflow diagram [-format ascii|mermaid|image] <file> > out")
		return 2
	}

	def, err := schema.ParseDefinitionFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch *format {
	case "ascii":
		fmt.Fprint(stdout, diagram.RenderASCII(model))
	case "mermaid":
		fmt.Fprint(stdout, diagram.RenderMermaid(model))
	case "image":
		png, err := diagram.RenderImage(model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = stdout.Write(png)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown format %q\n", *format)
		return 2
	}
	return 0
}

func shutdownLocal(e *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.Shutdown(ctx)
}
