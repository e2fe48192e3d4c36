package scheduler

import (
	"context"

	"github.com/gin-gonic/gin"

	"lora_pipeline/internal/httpx"
	"lora_pipeline/internal/scheduler"
)

// Runner is the part of the scheduler exposed over HTTP.
type Runner interface {
	RunOnce(ctx context.Context) error
	Recover(ctx context.Context) (scheduler.RecoveryReport, error)
	Running() bool
}

// Monitors reports the number of active monitor loops.
type Monitors interface {
	Active() int
}

// StatusResponse represents scheduler status
type StatusResponse struct {
	Running        bool `json:"running"`
	ActiveMonitors int  `json:"activeMonitors"`
}

// Handler handles scheduler API
type Handler struct {
	runner   Runner
	monitors Monitors
}

// NewHandler creates a new scheduler handler
func NewHandler(runner Runner, monitors Monitors) *Handler {
	return &Handler{runner: runner, monitors: monitors}
}

// Status handles GET /api/v1/scheduler/status
func (h *Handler) Status(c *gin.Context) {
	resp := StatusResponse{Running: h.runner.Running()}
	if h.monitors != nil {
		resp.ActiveMonitors = h.monitors.Active()
	}
	httpx.OK(c, resp)
}

// RunOnce handles POST /api/v1/scheduler/run-once
func (h *Handler) RunOnce(c *gin.Context) {
	if err := h.runner.RunOnce(c.Request.Context()); err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("scheduler tick failed", err))
		return
	}
	httpx.OKMsg(c, "tick finished", nil)
}

// Recover handles POST /api/v1/scheduler/recover
func (h *Handler) Recover(c *gin.Context) {
	report, err := h.runner.Recover(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("recovery failed", err))
		return
	}
	httpx.OK(c, report)
}
