package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smart-tinker/ncrew-sub000/internal/config"
	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/logging"
	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/run"
	"github.com/smart-tinker/ncrew-sub000/internal/runlock"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/task"
	"github.com/smart-tinker/ncrew-sub000/internal/worker"
	"github.com/smart-tinker/ncrew-sub000/internal/worktree"
)

// taskView is the JSON shape of a task.
type taskView struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Stage     stage.Stage  `json:"stage"`
	Status    stage.Status `json:"status"`
	Priority  string       `json:"priority,omitempty"`
	Agent     string       `json:"agent,omitempty"`
	Model     *model.Ref   `json:"model,omitempty"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
	Running   bool         `json:"running"`
	Body      string       `json:"body,omitempty"`
}

// runRequest is the optional body of a run request.
type runRequest struct {
	Model string `json:"model"`
}

// newTaskView converts a task for responses.
func newTaskView(item task.Task, running bool, withBody bool) taskView {
	view := taskView{
		ID:       item.ID,
		Title:    item.Title,
		Stage:    item.Stage,
		Status:   item.Status,
		Priority: item.Priority,
		Agent:    item.Agent,
		Running:  running,
	}
	if ref, ok := item.ModelRef(); ok {
		view.Model = &ref
	}
	if !item.StartedAt.IsZero() {
		startedAt := item.StartedAt
		view.StartedAt = &startedAt
	}
	if withBody {
		view.Body = item.Body
	}
	return view
}

func (server *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": server.service.Active()})
}

func (server *Server) listProjects(c *gin.Context) {
	projects := server.service.Projects()
	if projects == nil {
		projects = []config.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (server *Server) listTasks(c *gin.Context) {
	projectID := c.Param("project")
	store, err := server.service.Tasks(projectID)
	if err != nil {
		server.fail(c, err)
		return
	}
	tasks, err := store.List(logging.WarnSink(server.logger.WithField("project", projectID)))
	if err != nil {
		server.fail(c, err)
		return
	}
	running := server.runningTasks(projectID)
	views := make([]taskView, 0, len(tasks))
	for _, item := range tasks {
		views = append(views, newTaskView(item, running[item.ID], false))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

func (server *Server) getTask(c *gin.Context) {
	projectID, taskID := c.Param("project"), c.Param("task")
	store, err := server.service.Tasks(projectID)
	if err != nil {
		server.fail(c, err)
		return
	}
	item, err := store.Load(taskID)
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskView(item, server.runningTasks(projectID)[taskID], true))
}

func (server *Server) getHistory(c *gin.Context) {
	projectID, taskID := c.Param("project"), c.Param("task")
	runs, err := server.taskHistory(projectID, taskID)
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (server *Server) getRunLog(c *gin.Context) {
	projectID, taskID, runID := c.Param("project"), c.Param("task"), c.Param("run")
	runs, err := server.taskHistory(projectID, taskID)
	if err != nil {
		server.fail(c, err)
		return
	}
	for _, record := range runs {
		if record.ID != runID {
			continue
		}
		path, err := server.service.LogPath(projectID, record)
		if err != nil {
			server.fail(c, err)
			return
		}
		if _, err := os.Stat(path); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "log file not found"})
			return
		}
		c.File(path)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
}

func (server *Server) startRun(c *gin.Context) {
	projectID, taskID := c.Param("project"), c.Param("task")
	var request runRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	record, err := server.service.Run(c.Request.Context(), projectID, taskID, request.Model)
	if err != nil {
		if errors.Is(err, worker.ErrSpawn) && record.ID != "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "run": record})
			return
		}
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": record})
}

func (server *Server) stopRun(c *gin.Context) {
	record, err := server.service.Stop(c.Param("project"), c.Param("task"))
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": record})
}

func (server *Server) nextStage(c *gin.Context) {
	item, err := server.service.NextStage(c.Param("project"), c.Param("task"))
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskView(item, false, false))
}

func (server *Server) recoverRuns(c *gin.Context) {
	recovered, err := server.service.Recover(c.Request.Context(), c.Param("project"))
	if err != nil {
		server.fail(c, err)
		return
	}
	if recovered == nil {
		recovered = []run.RecoveredRun{}
	}
	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}

// taskHistory loads a task's runs after confirming the task exists.
func (server *Server) taskHistory(projectID string, taskID string) ([]history.Record, error) {
	tasks, err := server.service.Tasks(projectID)
	if err != nil {
		return nil, err
	}
	if _, err := tasks.Load(taskID); err != nil {
		return nil, err
	}
	store, err := server.service.History(projectID)
	if err != nil {
		return nil, err
	}
	runs := store.Read(taskID)
	if runs == nil {
		runs = []history.Record{}
	}
	return runs, nil
}

// runningTasks returns the ids of tasks with a registered run in projectID.
func (server *Server) runningTasks(projectID string) map[string]bool {
	running := map[string]bool{}
	for _, active := range server.service.Active() {
		if active.Key.ProjectID == projectID {
			running[active.Key.TaskID] = true
		}
	}
	return running
}

// fail writes the error response matching err.
func (server *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		server.logger.WithError(err).WithField("path", c.FullPath()).Error("request error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var provisioning *worktree.ProvisioningError
	switch {
	case errors.As(err, &provisioning):
		return http.StatusUnprocessableEntity
	case errors.Is(err, config.ErrProjectNotFound),
		errors.Is(err, task.ErrNotFound),
		errors.Is(err, run.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, run.ErrConcurrencyConflict),
		errors.Is(err, run.ErrOrphanedRun),
		errors.Is(err, runlock.ErrLockHeld),
		errors.Is(err, stage.ErrNotDone),
		errors.Is(err, stage.ErrFinalStage):
		return http.StatusConflict
	case errors.Is(err, run.ErrNoModel),
		errors.Is(err, model.ErrInvalid),
		errors.Is(err, task.ErrInvalidID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
