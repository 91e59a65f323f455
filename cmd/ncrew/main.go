// Command ncrew runs a coding agent against per-task git worktrees and
// tracks every run.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const usage = `ncrew - task run orchestrator for coding agents

USAGE:
    ncrew [global options] <command> [command options]

GLOBAL OPTIONS:
    -v, --verbose          Enable verbose output for debugging
    -p, --project <id>     Select a configured project (default: the current repository)
    --set <key=value>      Override a configuration key; may be repeated

COMMANDS:
    init                   Create the .ncrew layout in the current repository
    add <task> <title>     Create a task file
    tasks                  List tasks with stage, status and last run
    run <task>             Run the agent for a task's current stage and wait for it
    stop <task>            Stop a task run owned by 'ncrew serve'
    next <task>            Advance a Done task to its next stage
    history <task>         Show the run history of a task
    board                  Interactive task board
    serve                  Serve the HTTP API
    recover                Mark runs orphaned by a previous process as Failed
    version                Print version and build information

Run 'ncrew <command> -h' for command-specific help.
`

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// cli carries global options and output streams for a command.
type cli struct {
	stdout    io.Writer
	stderr    io.Writer
	verbose   bool
	projectID string
	overrides []string
}

// execute parses global options and dispatches to a command, returning the exit code.
func execute(args []string, stdout io.Writer, stderr io.Writer) int {
	app := &cli{stdout: stdout, stderr: stderr}

	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch arg := args[0]; {
		case arg == "-v" || arg == "--verbose":
			app.verbose = true
			args = args[1:]
		case arg == "-p" || arg == "--project":
			if len(args) < 2 {
				fmt.Fprintf(stderr, "ncrew: %s requires a project id\n\n", arg)
				fmt.Fprint(stderr, usage)
				return 2
			}
			app.projectID = args[1]
			args = args[2:]
		case arg == "--set":
			if len(args) < 2 {
				fmt.Fprintf(stderr, "ncrew: --set requires key=value\n\n")
				fmt.Fprint(stderr, usage)
				return 2
			}
			app.overrides = append(app.overrides, args[1])
			args = args[2:]
		case arg == "-h" || arg == "--help":
			fmt.Fprint(stdout, usage)
			return 0
		case arg == "--version":
			return app.runVersion(nil)
		default:
			fmt.Fprintf(stderr, "ncrew: unknown option %q\n\n", arg)
			fmt.Fprint(stderr, usage)
			return 2
		}
	}

	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	command, commandArgs := args[0], args[1:]
	switch command {
	case "init":
		return app.runInit(commandArgs)
	case "add":
		return app.runAdd(commandArgs)
	case "tasks":
		return app.runTasks(commandArgs)
	case "run":
		return app.runRun(commandArgs)
	case "stop":
		return app.runStop(commandArgs)
	case "next":
		return app.runNext(commandArgs)
	case "history":
		return app.runHistory(commandArgs)
	case "board":
		return app.runBoard(commandArgs)
	case "serve":
		return app.runServe(commandArgs)
	case "recover":
		return app.runRecover(commandArgs)
	case "version":
		return app.runVersion(commandArgs)
	case "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "ncrew: unknown command %q\n\n", command)
		fmt.Fprint(stderr, usage)
		return 2
	}
}

// fail prints err and returns the generic failure exit code.
func (app *cli) fail(err error) int {
	fmt.Fprintln(app.stderr, err.Error())
	return 1
}
