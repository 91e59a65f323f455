// Package api exposes the run coordinator over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smart-tinker/ncrew-sub000/internal/config"
	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/logging"
	"github.com/smart-tinker/ncrew-sub000/internal/run"
	"github.com/smart-tinker/ncrew-sub000/internal/task"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Service is the coordinator surface the API drives.
type Service interface {
	Projects() []config.Project
	Tasks(projectID string) (task.Store, error)
	History(projectID string) (history.Store, error)
	LogPath(projectID string, record history.Record) (string, error)
	Active() []run.ActiveRun
	Run(ctx context.Context, projectID string, taskID string, modelSelection string) (history.Record, error)
	Stop(projectID string, taskID string) (history.Record, error)
	NextStage(projectID string, taskID string) (task.Task, error)
	Recover(ctx context.Context, projectID string) ([]run.RecoveredRun, error)
}

// Server serves the HTTP API.
type Server struct {
	service Service
	logger  logrus.FieldLogger
	engine  *gin.Engine
}

// NewServer builds a Server with routes registered.
func NewServer(service Service, logger logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	server := &Server{
		service: service,
		logger:  logging.OrDiscard(logger),
		engine:  gin.New(),
	}
	server.engine.Use(gin.Recovery(), requestLogger(server.logger))
	server.registerRoutes()
	return server
}

// Handler returns the HTTP handler.
func (server *Server) Handler() http.Handler {
	return server.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (server *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.WithField("addr", addr).Info("http server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// registerRoutes wires every endpoint under /api.
func (server *Server) registerRoutes() {
	api := server.engine.Group("/api")
	api.GET("/runs", server.listRuns)
	api.GET("/projects", server.listProjects)

	project := api.Group("/projects/:project")
	{
		project.GET("/tasks", server.listTasks)
		project.POST("/recover", server.recoverRuns)
		project.GET("/tasks/:task", server.getTask)
		project.GET("/tasks/:task/history", server.getHistory)
		project.GET("/tasks/:task/runs/:run/log", server.getRunLog)
		project.POST("/tasks/:task/run", server.startRun)
		project.POST("/tasks/:task/stop", server.stopRun)
		project.POST("/tasks/:task/next-stage", server.nextStage)
	}
}

// requestLogger logs each request once it completes.
func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
