// Command opflow runs the workflow engine: an MCP server with scheduling,
// event triggers and templates (serve), plus offline helpers to validate,
// run and draw definitions.
package main

import (
	"fmt"
	"os"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/opflow/
var version = "dev"

const usage = `usage: opflow <command> [flags]

commands:
  serve                      run the engine (MCP over stdio, scheduler, triggers, /metrics)
  validate <file>            check a YAML/JSON workflow definition
  run <file> [-input k=v]    execute a definition in memory and print its final status
  diagram <file> [-format]   render a definition as ascii, mermaid or png
  version                    print the build version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var code int
	switch cmd {
	case "serve":
		code = runServe(args)
	case "validate":
		code = runValidate(args, os.Stdout)
	case "run":
		code = runWorkflow(args, os.Stdout)
	case "diagram":
		code = runDiagram(args, os.Stdout)
	case "version", "-v", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		code = 2
	}
	os.Exit(code)
}
