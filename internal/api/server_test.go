package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/config"
	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/run"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/task"
	"github.com/smart-tinker/ncrew-sub000/internal/worker"
	"github.com/smart-tinker/ncrew-sub000/internal/worktree"
)

// TestStartRunStatusCodes verifies run outcomes map to the documented status codes.
func TestStartRunStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "conflict", err: fmt.Errorf("%w: demo/T-1", run.ErrConcurrencyConflict), status: http.StatusConflict},
		{name: "provisioning", err: &worktree.ProvisioningError{TaskID: "T-1", Op: "add worktree", Err: errors.New("boom")}, status: http.StatusUnprocessableEntity},
		{name: "orphaned", err: run.ErrOrphanedRun, status: http.StatusConflict},
		{name: "no model", err: run.ErrNoModel, status: http.StatusBadRequest},
		{name: "unknown project", err: config.ErrProjectNotFound, status: http.StatusNotFound},
		{name: "spawn failure", err: fmt.Errorf("start agent: %w", worker.ErrSpawn), status: http.StatusInternalServerError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			service := newFakeService(t)
			service.runErr = test.err
			response := service.do(t, http.MethodPost, "/api/projects/demo/tasks/T-1/run", `{"model":"openai/gpt-5"}`)
			if response.Code != test.status {
				t.Fatalf("status = %d, body = %s", response.Code, response.Body.String())
			}
			if test.err == nil && service.lastModel != "openai/gpt-5" {
				t.Fatalf("model passed = %q", service.lastModel)
			}
		})
	}
}

// TestStartRunAcceptsEmptyBody ensures the model is optional.
func TestStartRunAcceptsEmptyBody(t *testing.T) {
	service := newFakeService(t)
	response := service.do(t, http.MethodPost, "/api/projects/demo/tasks/T-1/run", "")
	if response.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", response.Code, response.Body.String())
	}
	if service.lastModel != "" {
		t.Fatalf("model passed = %q", service.lastModel)
	}

	response = service.do(t, http.MethodPost, "/api/projects/demo/tasks/T-1/run", "{not json")
	if response.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", response.Code)
	}
}

// TestStopRunNotRunning ensures stopping an idle task is a 404.
func TestStopRunNotRunning(t *testing.T) {
	service := newFakeService(t)
	service.stopErr = fmt.Errorf("%w: demo/T-1", run.ErrNotRunning)
	response := service.do(t, http.MethodPost, "/api/projects/demo/tasks/T-1/stop", "")
	if response.Code != http.StatusNotFound {
		t.Fatalf("status = %d", response.Code)
	}

	service.stopErr = nil
	response = service.do(t, http.MethodPost, "/api/projects/demo/tasks/T-1/stop", "")
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d", response.Code)
	}
}

// TestNextStageRejected ensures rejected advances are conflicts.
func TestNextStageRejected(t *testing.T) {
	service := newFakeService(t)
	for _, err := range []error{stage.ErrNotDone, stage.ErrFinalStage, run.ErrConcurrencyConflict} {
		service.nextErr = fmt.Errorf("advance task T-1: %w", err)
		response := service.do(t, http.MethodPost, "/api/projects/demo/tasks/T-1/next-stage", "")
		if response.Code != http.StatusConflict {
			t.Fatalf("%v: status = %d", err, response.Code)
		}
	}
}

// TestListTasksMarksRunning verifies the task list reports registered runs.
func TestListTasksMarksRunning(t *testing.T) {
	service := newFakeService(t)
	service.createTask(t, "T-1")
	service.createTask(t, "T-2")
	service.active = []run.ActiveRun{{Key: run.Key{ProjectID: "demo", TaskID: "T-2"}, RunID: "r1", State: "active"}}

	response := service.do(t, http.MethodGet, "/api/projects/demo/tasks", "")
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d", response.Code)
	}
	var body struct {
		Tasks []taskView `json:"tasks"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tasks) != 2 || body.Tasks[0].Running || !body.Tasks[1].Running {
		t.Fatalf("tasks = %+v", body.Tasks)
	}
	if body.Tasks[0].Stage != stage.Specification || body.Tasks[0].Status != stage.StatusNew {
		t.Fatalf("unexpected defaults %+v", body.Tasks[0])
	}

	response = service.do(t, http.MethodGet, "/api/runs", "")
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"runId":"r1"`) {
		t.Fatalf("runs = %d %s", response.Code, response.Body.String())
	}
}

// TestGetTaskAndHistory verifies single-task reads and history listing.
func TestGetTaskAndHistory(t *testing.T) {
	service := newFakeService(t)
	service.createTask(t, "T-1")
	startedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	record := history.Record{ID: "r1", Stage: stage.Specification, Status: stage.StatusInProgress, StartedAt: startedAt, Model: model.Ref{Provider: "openai", Name: "gpt-5"}, LogFile: "T-1-specification-1.log"}
	if err := service.history.Append("T-1", record); err != nil {
		t.Fatalf("append: %v", err)
	}

	response := service.do(t, http.MethodGet, "/api/projects/demo/tasks/T-1", "")
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), "Body of T-1") {
		t.Fatalf("task = %d %s", response.Code, response.Body.String())
	}
	response = service.do(t, http.MethodGet, "/api/projects/demo/tasks/T-1/history", "")
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"id":"r1"`) {
		t.Fatalf("history = %d %s", response.Code, response.Body.String())
	}
	response = service.do(t, http.MethodGet, "/api/projects/demo/tasks/T-9", "")
	if response.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d", response.Code)
	}
	response = service.do(t, http.MethodGet, "/api/projects/other/tasks", "")
	if response.Code != http.StatusNotFound {
		t.Fatalf("missing project status = %d", response.Code)
	}

	if err := os.WriteFile(filepath.Join(service.logsDir, record.LogFile), []byte("agent output\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	response = service.do(t, http.MethodGet, "/api/projects/demo/tasks/T-1/runs/r1/log", "")
	if response.Code != http.StatusOK || response.Body.String() != "agent output\n" {
		t.Fatalf("log = %d %q", response.Code, response.Body.String())
	}
	response = service.do(t, http.MethodGet, "/api/projects/demo/tasks/T-1/runs/r2/log", "")
	if response.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d", response.Code)
	}
}

type fakeService struct {
	tasks     task.Store
	history   history.Store
	logsDir   string
	active    []run.ActiveRun
	runErr    error
	stopErr   error
	nextErr   error
	lastModel string
	server    *Server
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	root := t.TempDir()
	tasks, err := task.NewStore(filepath.Join(root, "tasks"))
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	runs, err := history.NewStore(filepath.Join(root, "history"), nil)
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	logsDir := filepath.Join(root, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatalf("logs dir: %v", err)
	}
	service := &fakeService{tasks: tasks, history: runs, logsDir: logsDir}
	service.server = NewServer(service, nil)
	return service
}

func (service *fakeService) createTask(t *testing.T, id string) {
	t.Helper()
	if _, err := service.tasks.Create(id, "Task "+id, "Body of "+id+"\n"); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func (service *fakeService) do(t *testing.T, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	service.server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func (service *fakeService) Projects() []config.Project {
	return []config.Project{{ID: "demo", Path: "/tmp/demo"}}
}

func (service *fakeService) Tasks(projectID string) (task.Store, error) {
	if projectID != "demo" {
		return task.Store{}, fmt.Errorf("%w: %s", config.ErrProjectNotFound, projectID)
	}
	return service.tasks, nil
}

func (service *fakeService) History(projectID string) (history.Store, error) {
	if projectID != "demo" {
		return history.Store{}, fmt.Errorf("%w: %s", config.ErrProjectNotFound, projectID)
	}
	return service.history, nil
}

func (service *fakeService) LogPath(projectID string, record history.Record) (string, error) {
	return filepath.Join(service.logsDir, record.LogFile), nil
}

func (service *fakeService) Active() []run.ActiveRun {
	return service.active
}

func (service *fakeService) Run(ctx context.Context, projectID string, taskID string, modelSelection string) (history.Record, error) {
	service.lastModel = modelSelection
	if service.runErr != nil {
		return history.Record{}, service.runErr
	}
	return history.Record{ID: "r1", Stage: stage.Specification, Status: stage.StatusInProgress}, nil
}

func (service *fakeService) Stop(projectID string, taskID string) (history.Record, error) {
	if service.stopErr != nil {
		return history.Record{}, service.stopErr
	}
	return history.Record{ID: "r1", Status: stage.StatusFailed, Reason: worker.ErrStopped.Error()}, nil
}

func (service *fakeService) NextStage(projectID string, taskID string) (task.Task, error) {
	if service.nextErr != nil {
		return task.Task{}, service.nextErr
	}
	return task.Task{ID: taskID, Header: task.Header{Stage: stage.Plan, Status: stage.StatusNew}}, nil
}

func (service *fakeService) Recover(ctx context.Context, projectID string) ([]run.RecoveredRun, error) {
	return nil, nil
}
