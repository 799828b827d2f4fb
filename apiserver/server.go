// Package apiserver exposes the coordinator over HTTP: triggering runs,
// inspecting status and stage outputs, resolving approval gates, and
// cancelling runs.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stagecoach-io/stagecoach/approval"
	"github.com/stagecoach-io/stagecoach/config"
	"github.com/stagecoach-io/stagecoach/storage"
	"github.com/stagecoach-io/stagecoach/workflow"
)

type Server struct {
	router *gin.Engine
	coord  *workflow.Coordinator
	cfg    *config.Config
	logger *zap.Logger
	http   *http.Server
}

func NewServer(coord *workflow.Coordinator, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		coord:  coord,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger(s.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/workflows", s.triggerWorkflow)
		api.GET("/workflows/:id", s.getWorkflow)
		api.GET("/workflows/:id/stages/:stage", s.getArtifact)
		api.POST("/workflows/:id/cancel", s.cancelWorkflow)
		api.POST("/approvals/:id", s.decideApproval)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

type triggerRequest struct {
	Pipeline       string          `json:"pipeline" binding:"required"`
	Input          json.RawMessage `json:"input"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) triggerWorkflow(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	id, err := s.coord.Trigger(c.Request.Context(), req.Pipeline, req.Input, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, workflow.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("failed to trigger workflow",
			zap.String("pipeline", req.Pipeline),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger workflow"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"workflow_id": id})
}

func (s *Server) getWorkflow(c *gin.Context) {
	summary, err := s.coord.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		s.logger.Error("failed to load workflow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workflow"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) getArtifact(c *gin.Context) {
	out, err := s.coord.Artifact(c.Request.Context(), c.Param("id"), c.Param("stage"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		case errors.Is(err, workflow.ErrArtifactNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "stage output not yet produced"})
		default:
			s.logger.Error("failed to load stage output", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stage output"})
		}
		return
	}

	c.JSON(http.StatusOK, out)
}

type decisionRequest struct {
	Decision string `json:"decision" binding:"required,oneof=approve reject"`
	Actor    string `json:"actor" binding:"required"`
	Comment  string `json:"comment"`
}

func (s *Server) decideApproval(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	err := s.coord.Decide(c.Request.Context(), c.Param("id"), req.Decision == "approve", req.Actor, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrApprovalNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "approval request not found"})
		case errors.Is(err, approval.ErrStaleApproval):
			c.JSON(http.StatusConflict, gin.H{"error": "approval request already resolved"})
		case errors.Is(err, approval.ErrExpiredApproval):
			c.JSON(http.StatusConflict, gin.H{"error": "approval request expired"})
		default:
			s.logger.Error("failed to apply approval decision", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply decision"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	if err := s.coord.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		s.logger.Error("failed to cancel workflow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel workflow"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
