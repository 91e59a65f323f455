package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smart-tinker/ncrew-sub000/internal/audit"
	"github.com/smart-tinker/ncrew-sub000/internal/config"
	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/logging"
	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/prompt"
	"github.com/smart-tinker/ncrew-sub000/internal/runlock"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/task"
	"github.com/smart-tinker/ncrew-sub000/internal/telemetry"
	"github.com/smart-tinker/ncrew-sub000/internal/worker"
	"github.com/smart-tinker/ncrew-sub000/internal/worktree"
)

// orphanReason is recorded on runs swept by Recover.
const orphanReason = "orphaned: orchestrator exited before the run finished"

var (
	// ErrNoModel is returned when neither the caller, the task nor the project selects a model.
	ErrNoModel = errors.New("no model selected")
	// ErrOrphanedRun is returned when a task still has an In Progress record from a previous process.
	ErrOrphanedRun = errors.New("task has an orphaned in-progress run; run `ncrew recover` first")
)

// Provisioner ensures a task workspace exists.
type Provisioner interface {
	Ensure(ctx context.Context, projectPath string, taskID string, prefix string) (worktree.Handle, error)
}

// Options configures a Coordinator.
type Options struct {
	Config      config.Config
	Registry    *Registry
	Provisioner Provisioner
	Supervisor  *worker.Supervisor
	Logger      logrus.FieldLogger
	Telemetry   *telemetry.Provider
	Metrics     *telemetry.Metrics
	Now         func() time.Time
	NewRunID    func() (string, error)
}

// Coordinator is the single entry point for starting, stopping and
// advancing task runs.
type Coordinator struct {
	cfg         config.Config
	registry    *Registry
	provisioner Provisioner
	supervisor  *worker.Supervisor
	logger      logrus.FieldLogger
	telemetry   *telemetry.Provider
	metrics     *telemetry.Metrics
	now         func() time.Time
	newRunID    func() (string, error)

	mu       sync.Mutex
	projects map[string]*project
}

// project bundles the per-project stores. One instance exists per project
// so that history writes share a mutex.
type project struct {
	config.Project
	tasks     task.Store
	history   history.Store
	audit     *audit.Logger
	assembler prompt.Assembler
	logsDir   string
	logger    logrus.FieldLogger

	ownerMu sync.Mutex
	owner   *runlock.Lock
}

// RecoveredRun reports a run swept to Failed by Recover.
type RecoveredRun struct {
	TaskID string `json:"taskId"`
	RunID  string `json:"runId,omitempty"`
}

// NewCoordinator builds a Coordinator, filling unset options with defaults.
func NewCoordinator(options Options) *Coordinator {
	logger := logging.OrDiscard(options.Logger)
	registry := options.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	provisioner := options.Provisioner
	if provisioner == nil {
		provisioner = worktree.NewManager(worktree.Options{Logger: logger})
	}
	supervisor := options.Supervisor
	if supervisor == nil {
		supervisor = worker.NewSupervisor(worker.Options{KillGrace: options.Config.Agent.KillGrace(), Logger: logger})
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	newRunID := options.NewRunID
	if newRunID == nil {
		newRunID = newUUIDv7
	}
	return &Coordinator{
		cfg:         options.Config,
		registry:    registry,
		provisioner: provisioner,
		supervisor:  supervisor,
		logger:      logger,
		telemetry:   options.Telemetry,
		metrics:     options.Metrics,
		now:         now,
		newRunID:    newRunID,
		projects:    map[string]*project{},
	}
}

// newUUIDv7 returns a time-ordered run id.
func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// Projects returns the configured projects.
func (coordinator *Coordinator) Projects() []config.Project {
	return append([]config.Project(nil), coordinator.cfg.Projects...)
}

// Tasks returns the task store for a project.
func (coordinator *Coordinator) Tasks(projectID string) (task.Store, error) {
	proj, err := coordinator.project(projectID)
	if err != nil {
		return task.Store{}, err
	}
	return proj.tasks, nil
}

// History returns the run history store for a project.
func (coordinator *Coordinator) History(projectID string) (history.Store, error) {
	proj, err := coordinator.project(projectID)
	if err != nil {
		return history.Store{}, err
	}
	return proj.history, nil
}

// LogPath resolves the log file of a run record.
func (coordinator *Coordinator) LogPath(projectID string, record history.Record) (string, error) {
	proj, err := coordinator.project(projectID)
	if err != nil {
		return "", err
	}
	if record.LogFile == "" || filepath.Base(record.LogFile) != record.LogFile {
		return "", fmt.Errorf("run %s has no usable log file", record.ID)
	}
	return filepath.Join(proj.logsDir, record.LogFile), nil
}

// Active lists runs owned by this process.
func (coordinator *Coordinator) Active() []ActiveRun {
	return coordinator.registry.Snapshot()
}

// project returns the cached per-project state, building it on first use.
func (coordinator *Coordinator) project(projectID string) (*project, error) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	if cached, ok := coordinator.projects[projectID]; ok {
		return cached, nil
	}
	settings, err := coordinator.cfg.Project(projectID)
	if err != nil {
		return nil, err
	}
	logger := coordinator.logger.WithField("project", settings.ID)
	warn := logging.WarnSink(logger)

	tasks, err := task.NewStore(filepath.Join(settings.Path, filepath.FromSlash(coordinator.cfg.Paths.Tasks)))
	if err != nil {
		return nil, fmt.Errorf("open task store for %s: %w", settings.ID, err)
	}
	runs, err := history.NewStore(filepath.Join(settings.Path, filepath.FromSlash(coordinator.cfg.Paths.History)), warn)
	if err != nil {
		return nil, fmt.Errorf("open history store for %s: %w", settings.ID, err)
	}
	auditor, err := audit.NewLogger(settings.Path, warn)
	if err != nil {
		return nil, fmt.Errorf("open audit log for %s: %w", settings.ID, err)
	}
	built := &project{
		Project: settings,
		tasks:   tasks,
		history: runs,
		audit:   auditor,
		assembler: prompt.NewAssembler(settings.Path, prompt.Options{
			StageTemplate: coordinator.cfg.Prompt.StageTemplate,
			Logger:        logger,
		}),
		logsDir: filepath.Join(settings.Path, filepath.FromSlash(coordinator.cfg.Paths.Logs)),
		logger:  logger,
	}
	coordinator.projects[projectID] = built
	return built, nil
}

// Run starts the agent for a task in its current stage and returns the
// In Progress record as soon as the process is spawned. modelSelection may
// be empty, in which case the task header and then the project default
// choose the model. A spawn failure is recorded as Failed and returned
// together with an error wrapping worker.ErrSpawn.
func (coordinator *Coordinator) Run(ctx context.Context, projectID string, taskID string, modelSelection string) (history.Record, error) {
	proj, err := coordinator.project(projectID)
	if err != nil {
		return history.Record{}, err
	}
	if err := task.ValidateID(taskID); err != nil {
		return history.Record{}, err
	}
	key := Key{ProjectID: projectID, TaskID: taskID}
	current, err := coordinator.registry.Reserve(key)
	if err != nil {
		return history.Record{}, err
	}
	spawned := false
	defer func() {
		if !spawned {
			coordinator.registry.Release(current)
		}
	}()

	loaded, err := proj.tasks.Load(taskID)
	if err != nil {
		return history.Record{}, err
	}
	ref, err := resolveModel(modelSelection, loaded, proj.Project)
	if err != nil {
		return history.Record{}, err
	}
	if err := proj.claim(ctx); err != nil {
		return history.Record{}, err
	}
	if open := proj.history.InProgress(taskID); len(open) > 0 {
		return history.Record{}, fmt.Errorf("%w: %s run %s", ErrOrphanedRun, taskID, open[0].ID)
	}

	workspace, err := coordinator.provisioner.Ensure(ctx, proj.Path, taskID, proj.WorktreePrefix)
	if err != nil {
		return history.Record{}, err
	}

	currentStage := loaded.Stage
	if !currentStage.Valid() {
		currentStage = stage.Specification
	}
	text, err := proj.assembler.Assemble(prompt.Input{
		TaskID:        taskID,
		Title:         loaded.Title,
		Stage:         currentStage,
		Body:          loaded.Body,
		TaskFile:      loaded.Path,
		WorkspacePath: workspace.Path,
		Branch:        workspace.Branch,
	})
	if err != nil {
		return history.Record{}, fmt.Errorf("assemble prompt for %s: %w", taskID, err)
	}

	runID, err := coordinator.newRunID()
	if err != nil {
		return history.Record{}, err
	}
	startedAt := coordinator.now()
	logName := worker.LogFileName(taskID, currentStage, startedAt)
	spec, err := worker.AgentSpec(coordinator.cfg.AgentBinaryFor(proj.Project), ref, text, workspace.Path, filepath.Join(proj.logsDir, logName))
	if err != nil {
		return history.Record{}, err
	}
	spec.Env = map[string]string{
		"NCREW_PROJECT_ID": projectID,
		"NCREW_TASK_ID":    taskID,
		"NCREW_RUN_ID":     runID,
		"NCREW_STAGE":      string(currentStage),
	}

	if _, err := proj.tasks.Update(taskID, func(header *task.Header) error {
		header.Status = stage.StatusInProgress
		header.StartedAt = startedAt
		return nil
	}); err != nil {
		return history.Record{}, fmt.Errorf("mark task %s in progress: %w", taskID, err)
	}
	record := history.Record{
		ID:        runID,
		Stage:     currentStage,
		Status:    stage.StatusInProgress,
		StartedAt: startedAt,
		Model:     ref,
		LogFile:   logName,
	}
	if err := proj.history.Append(taskID, record); err != nil {
		coordinator.setStatus(proj, taskID, stage.StatusFailed)
		return history.Record{}, fmt.Errorf("append run history for %s: %w", taskID, err)
	}

	coordinator.registry.describe(current, ActiveRun{
		RunID:     runID,
		Stage:     currentStage,
		Model:     ref,
		StartedAt: startedAt,
		LogFile:   logName,
	})
	_ = proj.audit.LogRunStart(taskID, runID, string(currentStage), ref.String(), logName)
	tracker := telemetry.StartRun(ctx, coordinator.telemetry, coordinator.metrics,
		telemetry.AttrProject.String(projectID),
		telemetry.AttrStage.String(string(currentStage)),
		telemetry.AttrModel.String(ref.String()),
		telemetry.AttrTask.String(taskID),
		telemetry.AttrRun.String(runID),
	)

	logger := proj.logger.WithFields(logrus.Fields{"task": taskID, "run_id": runID, "stage": currentStage, "model": ref.String()})
	finalize := func(outcome worker.Outcome) {
		coordinator.finalize(proj, current, record, tracker, outcome, logger)
	}

	spawned = true
	handle, err := coordinator.supervisor.Start(spec, finalize)
	if err != nil {
		finalize(worker.Outcome{
			Kind:       worker.OutcomeSpawnFailed,
			ExitCode:   -1,
			Err:        fmt.Errorf("%w: %v", worker.ErrSpawn, err),
			FinishedAt: coordinator.now(),
		})
		final, _ := coordinator.registry.result(current)
		return final, fmt.Errorf("start agent for %s: %w", taskID, worker.ErrSpawn)
	}
	active, stop := coordinator.registry.Activate(current, handle)
	if !active {
		<-current.Done()
		final, _ := coordinator.registry.result(current)
		if coordinator.registry.spawnFailed(current) {
			return final, fmt.Errorf("start agent for %s: %w: %s", taskID, worker.ErrSpawn, final.Reason)
		}
		return final, nil
	}
	logger.WithField("pid", handle.PID()).Info("run started")
	if stop {
		handle.Stop()
		<-current.Done()
		final, _ := coordinator.registry.result(current)
		return final, nil
	}
	return record, nil
}

// finalize is the single terminal path of a run: it persists the outcome to
// history and the task file, then deregisters the run.
func (coordinator *Coordinator) finalize(proj *project, current *Entry, record history.Record, tracker *telemetry.RunTracker, outcome worker.Outcome, logger logrus.FieldLogger) {
	if kind := coordinator.registry.settle(current, outcome.Kind); kind != outcome.Kind {
		outcome = worker.Outcome{Kind: kind, ExitCode: -1, Err: worker.ErrStopped, FinishedAt: outcome.FinishedAt}
	}
	status := stage.StatusFailed
	if outcome.Success() {
		status = stage.StatusDone
	}
	completedAt := outcome.FinishedAt
	if completedAt.IsZero() {
		completedAt = coordinator.now()
	}
	if outcome.Kind == worker.OutcomeSpawnFailed {
		completedAt = record.StartedAt
	}
	duration := completedAt.Sub(record.StartedAt)
	if duration < 0 {
		duration = 0
	}
	patch := history.Patch{
		Status:      status,
		CompletedAt: completedAt,
		Duration:    duration,
		Reason:      outcome.Reason(),
	}
	exitCode := -1
	if outcome.Kind == worker.OutcomeExited && outcome.ExitCode >= 0 {
		exitCode = outcome.ExitCode
		code := outcome.ExitCode
		patch.ExitCode = &code
	}

	taskID := current.key.TaskID
	if err := proj.history.Update(taskID, record.ID, patch); err != nil {
		logger.WithError(err).Error("update run history")
	}
	coordinator.setStatus(proj, taskID, status)
	_ = proj.audit.LogRunOutcome(taskID, record.ID, string(status), exitCode, patch.Reason)
	tracker.Finish(context.Background(), string(status), duration, patch.Reason)

	final := record
	final.Status = status
	final.CompletedAt = &completedAt
	durationMs := duration.Milliseconds()
	final.DurationMs = &durationMs
	final.ExitCode = patch.ExitCode
	final.Reason = patch.Reason
	coordinator.registry.Finish(current, final)

	entry := logger.WithFields(logrus.Fields{"status": status, "outcome": outcome.Kind.String(), "duration_ms": durationMs})
	if status == stage.StatusDone {
		entry.Info("run finished")
	} else {
		entry.WithField("reason", patch.Reason).Warn("run failed")
	}
}

// setStatus persists a task status, logging failures.
func (coordinator *Coordinator) setStatus(proj *project, taskID string, status stage.Status) {
	if _, err := proj.tasks.Update(taskID, func(header *task.Header) error {
		header.Status = status
		return nil
	}); err != nil {
		proj.logger.WithError(err).WithField("task", taskID).Error("persist task status")
	}
}

// Stop cancels the active run of a task. The run is finalized as Failed
// before Stop returns, whatever the process does afterwards.
func (coordinator *Coordinator) Stop(projectID string, taskID string) (history.Record, error) {
	key := Key{ProjectID: projectID, TaskID: taskID}
	current, handle, err := coordinator.registry.BeginStop(key)
	if err != nil {
		return history.Record{}, err
	}
	if handle != nil {
		handle.Stop()
	}
	if proj, err := coordinator.project(projectID); err == nil {
		_ = proj.audit.LogRunStop(taskID, coordinator.registry.runID(current))
	}
	<-current.Done()
	final, ok := coordinator.registry.result(current)
	if !ok {
		return history.Record{}, fmt.Errorf("%w: %s", ErrNotRunning, key)
	}
	return final, nil
}

// Wait blocks until the run runID of a task is finalized and returns its
// record. Runs that already finished are read back from history.
func (coordinator *Coordinator) Wait(ctx context.Context, projectID string, taskID string, runID string) (history.Record, error) {
	key := Key{ProjectID: projectID, TaskID: taskID}
	if current, ok := coordinator.registry.Lookup(key); ok {
		select {
		case <-current.Done():
		case <-ctx.Done():
			return history.Record{}, ctx.Err()
		}
		if final, ok := coordinator.registry.result(current); ok && (runID == "" || final.ID == runID) {
			return final, nil
		}
	}
	proj, err := coordinator.project(projectID)
	if err != nil {
		return history.Record{}, err
	}
	runs := proj.history.Read(taskID)
	for i := len(runs) - 1; i >= 0; i-- {
		if runID == "" || runs[i].ID == runID {
			if runs[i].Status == stage.StatusInProgress {
				break
			}
			return runs[i], nil
		}
	}
	return history.Record{}, fmt.Errorf("%w: %s", ErrNotRunning, key)
}

// NextStage advances a Done task to the following stage with status New.
// It is rejected while a run is registered for the task.
func (coordinator *Coordinator) NextStage(projectID string, taskID string) (task.Task, error) {
	proj, err := coordinator.project(projectID)
	if err != nil {
		return task.Task{}, err
	}
	current, err := coordinator.registry.Reserve(Key{ProjectID: projectID, TaskID: taskID})
	if err != nil {
		return task.Task{}, err
	}
	defer coordinator.registry.Release(current)

	var from, to stage.Stage
	updated, err := proj.tasks.Update(taskID, func(header *task.Header) error {
		currentStage := header.Stage
		if !currentStage.Valid() {
			currentStage = stage.Specification
		}
		next, status, err := stage.Next(currentStage, header.Status)
		if err != nil {
			return err
		}
		from, to = currentStage, next
		header.Stage = next
		header.Status = status
		return nil
	})
	if err != nil {
		return task.Task{}, fmt.Errorf("advance task %s: %w", taskID, err)
	}
	_ = proj.audit.LogStageAdvance(taskID, string(from), string(to))
	proj.logger.WithFields(logrus.Fields{"task": taskID, "from": from, "to": to}).Info("stage advanced")
	return updated, nil
}

// Recover marks In Progress runs left behind by a previous process as
// Failed, along with their tasks. Tasks with a run in this process are
// skipped. It never runs implicitly.
func (coordinator *Coordinator) Recover(ctx context.Context, projectID string) ([]RecoveredRun, error) {
	proj, err := coordinator.project(projectID)
	if err != nil {
		return nil, err
	}
	release, err := proj.exclusive()
	if err != nil {
		return nil, err
	}
	defer release()

	tasks, err := proj.tasks.List(logging.WarnSink(proj.logger))
	if err != nil {
		return nil, err
	}
	var recovered []RecoveredRun
	for _, item := range tasks {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		current, err := coordinator.registry.Reserve(Key{ProjectID: projectID, TaskID: item.ID})
		if err != nil {
			continue
		}
		swept, sweepErr := proj.history.SweepOrphans(item.ID, orphanReason, coordinator.now())
		if sweepErr == nil && (len(swept) > 0 || item.Status == stage.StatusInProgress) {
			coordinator.setStatus(proj, item.ID, stage.StatusFailed)
			if len(swept) == 0 {
				recovered = append(recovered, RecoveredRun{TaskID: item.ID})
			}
			for _, runID := range swept {
				_ = proj.audit.LogRunOrphan(item.ID, runID)
				recovered = append(recovered, RecoveredRun{TaskID: item.ID, RunID: runID})
			}
		}
		coordinator.registry.Release(current)
		if sweepErr != nil {
			return recovered, fmt.Errorf("sweep orphaned runs for %s: %w", item.ID, sweepErr)
		}
	}
	return recovered, nil
}

// claim registers this process as a run owner for the project. The shared
// lock is held until Close.
func (proj *project) claim(ctx context.Context) error {
	proj.ownerMu.Lock()
	defer proj.ownerMu.Unlock()
	if proj.owner != nil {
		return nil
	}
	lock, err := runlock.AcquireShared(ctx, proj.Path)
	if err != nil {
		return err
	}
	proj.owner = lock
	return nil
}

// exclusive takes the run ownership lock exclusively for the project, failing
// when another process owns runs there. The returned func restores the
// previous state.
func (proj *project) exclusive() (func(), error) {
	proj.ownerMu.Lock()
	if proj.owner == nil {
		lock, err := runlock.AcquireExclusive(proj.Path)
		if err != nil {
			proj.ownerMu.Unlock()
			return nil, err
		}
		return func() {
			if err := lock.Release(); err != nil {
				proj.logger.WithError(err).Warn("release run lock")
			}
			proj.ownerMu.Unlock()
		}, nil
	}
	if err := proj.owner.Exclusive(); err != nil {
		proj.ownerMu.Unlock()
		return nil, err
	}
	return func() {
		if err := proj.owner.Shared(); err != nil {
			proj.logger.WithError(err).Warn("downgrade run lock")
		}
		proj.ownerMu.Unlock()
	}, nil
}

// Close releases the run ownership locks. Call it after Shutdown.
func (coordinator *Coordinator) Close() error {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	var errs []error
	for _, proj := range coordinator.projects {
		proj.ownerMu.Lock()
		if err := proj.owner.Release(); err != nil {
			errs = append(errs, err)
		}
		proj.owner = nil
		proj.ownerMu.Unlock()
	}
	return errors.Join(errs...)
}

// Shutdown stops every active run and waits for them to be finalized.
func (coordinator *Coordinator) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, active := range coordinator.registry.Snapshot() {
		wg.Add(1)
		go func(key Key) {
			defer wg.Done()
			if _, err := coordinator.Stop(key.ProjectID, key.TaskID); err != nil && !errors.Is(err, ErrNotRunning) {
				coordinator.logger.WithError(err).WithField("task", key.String()).Warn("stop run during shutdown")
			}
		}(active.Key)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveModel picks the explicit selection, then the task header, then the project default.
func resolveModel(selection string, loaded task.Task, settings config.Project) (model.Ref, error) {
	if selection != "" {
		return model.Parse(selection)
	}
	if ref, ok := loaded.ModelRef(); ok {
		return ref, nil
	}
	if ref := settings.DefaultModelRef(); !ref.IsZero() {
		return ref, nil
	}
	return model.Ref{}, fmt.Errorf("%w for task %s", ErrNoModel, loaded.ID)
}

