package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/smart-tinker/ncrew-sub000/internal/api"
	"github.com/smart-tinker/ncrew-sub000/internal/buildinfo"
	"github.com/smart-tinker/ncrew-sub000/internal/config"
	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/logging"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/tui"
)

const (
	// telemetryFlushTimeout bounds the final span export.
	telemetryFlushTimeout = 5 * time.Second
	// shutdownTimeout bounds stopping active runs when serve exits.
	shutdownTimeout = 30 * time.Second
	// stopRequestTimeout bounds the HTTP call made by 'ncrew stop'.
	stopRequestTimeout = 15 * time.Second
)

// newFlags builds a command flag set whose usage prints help.
func (app *cli) newFlags(name string, help string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(app.stderr)
	flags.Usage = func() {
		fmt.Fprint(app.stderr, help)
	}
	return flags
}

// parseArgs parses flags and checks the positional argument count. It
// returns a non-negative exit code when the command should stop.
func (app *cli) parseArgs(flags *flag.FlagSet, args []string, want int) int {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if want >= 0 && flags.NArg() != want {
		fmt.Fprintf(app.stderr, "ncrew %s: expected %d argument(s), got %d\n\n", flags.Name(), want, flags.NArg())
		flags.Usage()
		return 2
	}
	return -1
}

func (app *cli) runInit(args []string) int {
	flags := app.newFlags("init", `USAGE:
    ncrew init

DESCRIPTION:
    Create the .ncrew directory layout in the current git repository: task,
    history and log directories, default stage prompts and a starter config.
    Existing files are left untouched.
`)
	if code := app.parseArgs(flags, args, 0); code >= 0 {
		return code
	}
	cwd, err := os.Getwd()
	if err != nil {
		return app.fail(err)
	}
	root, err := config.DiscoverProjectRoot(cwd)
	if err != nil {
		fmt.Fprintln(app.stderr, err.Error())
		return 2
	}
	if err := config.InitProject(root, config.InitOptions{Verbose: app.verbose, Writer: app.stdout}); err != nil {
		return app.fail(err)
	}
	fmt.Fprintln(app.stdout, "init ok")
	return 0
}

func (app *cli) runAdd(args []string) int {
	flags := app.newFlags("add", `USAGE:
    ncrew add <task> <title...>

DESCRIPTION:
    Create .ncrew/tasks/<task>.md in stage Specification with status New.
    The task description is read from stdin when it is not a terminal.
`)
	if code := app.parseArgs(flags, args, -1); code >= 0 {
		return code
	}
	if flags.NArg() < 2 {
		flags.Usage()
		return 2
	}
	current, err := app.open(context.Background())
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	body, err := readBody(os.Stdin)
	if err != nil {
		return app.fail(err)
	}
	store, err := current.coordinator.Tasks(current.project.ID)
	if err != nil {
		return app.fail(err)
	}
	created, err := store.Create(flags.Arg(0), strings.Join(flags.Args()[1:], " "), body)
	if err != nil {
		return app.fail(err)
	}
	fmt.Fprintf(app.stdout, "created %s (%s)\n", created.ID, created.Path)
	return 0
}

func (app *cli) runTasks(args []string) int {
	flags := app.newFlags("tasks", `USAGE:
    ncrew tasks

DESCRIPTION:
    List the tasks of the project with stage, status, model and last run.
`)
	if code := app.parseArgs(flags, args, 0); code >= 0 {
		return code
	}
	current, err := app.open(context.Background())
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	board, err := current.loadBoard()
	if err != nil {
		return app.fail(err)
	}
	if err := tui.WritePlain(app.stdout, board); err != nil {
		return app.fail(err)
	}
	return 0
}

func (app *cli) runRun(args []string) int {
	flags := app.newFlags("run", `USAGE:
    ncrew run [-m provider/model] <task>

DESCRIPTION:
    Provision the task worktree, assemble the stage prompt and run the agent
    in the foreground. Interrupting with Ctrl-C stops the run, which is then
    recorded as Failed. Exits 0 only when the run finishes Done.

OPTIONS:
    -m, --model    Model to use instead of the task or project default
`)
	var modelSelection string
	flags.StringVar(&modelSelection, "m", "", "")
	flags.StringVar(&modelSelection, "model", "", "")
	if code := app.parseArgs(flags, args, 1); code >= 0 {
		return code
	}
	taskID := flags.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	current, err := app.open(ctx)
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	started, err := current.coordinator.Run(ctx, current.project.ID, taskID, modelSelection)
	if err != nil {
		if started.ID != "" {
			app.printRecord(started)
		}
		return app.fail(err)
	}
	logPath, _ := current.coordinator.LogPath(current.project.ID, started)
	fmt.Fprintf(app.stdout, "run %s started: %s %s with %s\nlog: %s\n", started.ID, taskID, started.Stage, started.Model, logPath)

	go func() {
		<-ctx.Done()
		if _, err := current.coordinator.Stop(current.project.ID, taskID); err == nil {
			fmt.Fprintln(app.stderr, "run stopped")
		}
	}()
	final, err := current.coordinator.Wait(context.Background(), current.project.ID, taskID, started.ID)
	if err != nil {
		return app.fail(err)
	}
	app.printRecord(final)
	if final.Status != stage.StatusDone {
		return 1
	}
	return 0
}

// printRecord prints the outcome line of a run.
func (app *cli) printRecord(record history.Record) {
	line := fmt.Sprintf("run %s %s", record.ID, record.Status)
	if record.DurationMs != nil {
		line += fmt.Sprintf(" after %s", (time.Duration(*record.DurationMs) * time.Millisecond).Round(time.Millisecond))
	}
	if record.Reason != "" {
		line += ": " + record.Reason
	}
	fmt.Fprintln(app.stdout, line)
}

func (app *cli) runStop(args []string) int {
	flags := app.newFlags("stop", `USAGE:
    ncrew stop <task>

DESCRIPTION:
    Stop the active run of a task owned by 'ncrew serve', via its HTTP API
    (server.addr). The run is recorded as Failed. Foreground runs started with
    'ncrew run' are stopped with Ctrl-C instead.
`)
	if code := app.parseArgs(flags, args, 1); code >= 0 {
		return code
	}
	current, err := app.open(context.Background())
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	endpoint := fmt.Sprintf("http://%s/api/projects/%s/tasks/%s/stop",
		current.cfg.Server.Addr, url.PathEscape(current.project.ID), url.PathEscape(flags.Arg(0)))
	ctx, cancel := context.WithTimeout(context.Background(), stopRequestTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return app.fail(err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return app.fail(fmt.Errorf("contact ncrew server at %s: %w", current.cfg.Server.Addr, err))
	}
	defer response.Body.Close()

	var payload struct {
		Run   history.Record `json:"run"`
		Error string         `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&payload); err != nil {
		return app.fail(fmt.Errorf("decode stop response: %w", err))
	}
	if response.StatusCode != http.StatusOK {
		return app.fail(errors.New(payload.Error))
	}
	app.printRecord(payload.Run)
	return 0
}

func (app *cli) runNext(args []string) int {
	flags := app.newFlags("next", `USAGE:
    ncrew next <task>

DESCRIPTION:
    Advance a task whose status is Done to the next stage with status New.
    Tasks in Verification cannot advance.
`)
	if code := app.parseArgs(flags, args, 1); code >= 0 {
		return code
	}
	current, err := app.open(context.Background())
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	advanced, err := current.coordinator.NextStage(current.project.ID, flags.Arg(0))
	if err != nil {
		return app.fail(err)
	}
	fmt.Fprintf(app.stdout, "%s: %s (%s)\n", advanced.ID, advanced.Stage, advanced.Status)
	return 0
}

func (app *cli) runHistory(args []string) int {
	flags := app.newFlags("history", `USAGE:
    ncrew history [--json] <task>

DESCRIPTION:
    Show every run of a task in start order.

OPTIONS:
    --json    Print the history document as JSON
`)
	asJSON := flags.Bool("json", false, "")
	if code := app.parseArgs(flags, args, 1); code >= 0 {
		return code
	}
	current, err := app.open(context.Background())
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	taskID := flags.Arg(0)
	tasks, err := current.coordinator.Tasks(current.project.ID)
	if err != nil {
		return app.fail(err)
	}
	if _, err := tasks.Load(taskID); err != nil {
		return app.fail(err)
	}
	store, err := current.coordinator.History(current.project.ID)
	if err != nil {
		return app.fail(err)
	}
	runs := store.Read(taskID)
	if *asJSON {
		if runs == nil {
			runs = []history.Record{}
		}
		encoder := json.NewEncoder(app.stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(map[string]any{"runs": runs}); err != nil {
			return app.fail(err)
		}
		return 0
	}
	fmt.Fprint(app.stdout, renderHistory(runs))
	return 0
}

// renderHistory renders runs as a borderless table.
func renderHistory(runs []history.Record) string {
	rows := make([][]string, 0, len(runs))
	for _, record := range runs {
		duration, exit := "", ""
		if record.DurationMs != nil {
			duration = (time.Duration(*record.DurationMs) * time.Millisecond).Round(time.Millisecond).String()
		}
		if record.ExitCode != nil {
			exit = fmt.Sprint(*record.ExitCode)
		}
		rows = append(rows, []string{
			record.ID,
			string(record.Stage),
			string(record.Status),
			record.StartedAt.Local().Format(time.DateTime),
			duration,
			exit,
			record.Model.String(),
			record.Reason,
		})
	}
	rendered := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		StyleFunc(func(_, _ int) lipgloss.Style { return lipgloss.NewStyle().PaddingRight(2) }).
		Headers("Run", "Stage", "Status", "Started", "Duration", "Exit", "Model", "Reason").
		Rows(rows...)
	return rendered.Render() + "\n"
}

func (app *cli) runBoard(args []string) int {
	flags := app.newFlags("board", `USAGE:
    ncrew board

DESCRIPTION:
    Show the interactive task board, refreshed when task or history files
    change. Prints the board once when stdout is not a terminal.
`)
	if code := app.parseArgs(flags, args, 0); code >= 0 {
		return code
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	current, err := app.open(ctx)
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	out, _ := app.stdout.(*os.File)
	if out == nil {
		board, err := current.loadBoard()
		if err != nil {
			return app.fail(err)
		}
		if err := tui.WritePlain(app.stdout, board); err != nil {
			return app.fail(err)
		}
		return 0
	}
	err = tui.Run(ctx, tui.Options{
		Source: current.loadBoard,
		WatchDirs: []string{
			filepath.Join(current.project.Path, filepath.FromSlash(current.cfg.Paths.Tasks)),
			filepath.Join(current.project.Path, filepath.FromSlash(current.cfg.Paths.History)),
		},
		Logger: current.logger,
		Out:    out,
	})
	if err != nil && ctx.Err() == nil {
		return app.fail(err)
	}
	return 0
}

// loadBoard snapshots the selected project's tasks.
func (current *session) loadBoard() (tui.Board, error) {
	tasks, err := current.coordinator.Tasks(current.project.ID)
	if err != nil {
		return tui.Board{}, err
	}
	runs, err := current.coordinator.History(current.project.ID)
	if err != nil {
		return tui.Board{}, err
	}
	return tui.LoadBoard(current.project.ID, tasks, runs, logging.WarnSink(current.logger))
}

func (app *cli) runServe(args []string) int {
	flags := app.newFlags("serve", `USAGE:
    ncrew serve [--addr host:port]

DESCRIPTION:
    Serve the HTTP API for every configured project. On SIGINT or SIGTERM the
    server stops accepting requests and active runs are stopped.

OPTIONS:
    --addr    Listen address (default: server.addr)
`)
	addr := flags.String("addr", "", "")
	if code := app.parseArgs(flags, args, 0); code >= 0 {
		return code
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	current, err := app.open(ctx)
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	listen := current.cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}
	server := api.NewServer(current.coordinator, current.logger)
	serveErr := server.ListenAndServe(ctx, listen)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := current.coordinator.Shutdown(shutdownCtx); err != nil {
		current.logger.WithError(err).Warn("stop active runs")
	}
	if serveErr != nil {
		return app.fail(serveErr)
	}
	return 0
}

func (app *cli) runRecover(args []string) int {
	flags := app.newFlags("recover", `USAGE:
    ncrew recover

DESCRIPTION:
    Mark In Progress runs left behind by an ncrew process that exited
    mid-run as Failed, together with their tasks. Never runs automatically;
    do not use it while another ncrew process is running tasks of this project.
`)
	if code := app.parseArgs(flags, args, 0); code >= 0 {
		return code
	}
	current, err := app.open(context.Background())
	if err != nil {
		return app.fail(err)
	}
	defer current.close()

	recovered, err := current.coordinator.Recover(context.Background(), current.project.ID)
	if err != nil {
		return app.fail(err)
	}
	if len(recovered) == 0 {
		fmt.Fprintln(app.stdout, "no orphaned runs")
		return 0
	}
	for _, item := range recovered {
		if item.RunID == "" {
			fmt.Fprintf(app.stdout, "%s: task reset to Failed\n", item.TaskID)
			continue
		}
		fmt.Fprintf(app.stdout, "%s: run %s marked Failed\n", item.TaskID, item.RunID)
	}
	return 0
}

func (app *cli) runVersion(args []string) int {
	fmt.Fprintln(app.stdout, buildinfo.String())
	return 0
}

// readBody reads a task description from a piped stdin.
func readBody(stdin *os.File) (string, error) {
	info, err := stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read task description: %w", err)
	}
	return string(data), nil
}
