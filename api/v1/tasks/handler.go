package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"lora_pipeline/internal/httpx"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/stageconf"
	"lora_pipeline/internal/taskstate"
)

// imageExts are the upload types accepted as training images
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

// ListRequest represents list tasks request
type ListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
	Status   string `form:"status"`
}

// CreateRequest represents create task request
type CreateRequest struct {
	Name                    string                      `json:"name" binding:"required"`
	Description             string                      `json:"description"`
	AutoTraining            bool                        `json:"autoTraining"`
	TriggerWords            string                      `json:"triggerWords"`
	MarkConfig              stageconf.MarkOverrides     `json:"markConfig"`
	UseGlobalMarkConfig     *bool                       `json:"useGlobalMarkConfig"`
	TrainingConfig          stageconf.TrainingOverrides `json:"trainingConfig"`
	UseGlobalTrainingConfig *bool                       `json:"useGlobalTrainingConfig"`
}

// Handler handles tasks API
type Handler struct {
	svc       *taskstate.Service
	uploadDir string
}

// NewHandler creates a new tasks handler
func NewHandler(svc *taskstate.Service, uploadDir string) *Handler {
	return &Handler{svc: svc, uploadDir: uploadDir}
}

// List handles GET /api/v1/tasks
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 20
	}

	tasks, total, err := h.svc.List(c.Request.Context(), taskstate.ListInput{
		Status:   model.TaskStatus(strings.ToUpper(req.Status)),
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to fetch tasks", err))
		return
	}
	httpx.OKItems(c, tasks, total, req.Page, req.PageSize)
}

// Create handles POST /api/v1/tasks/create
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing(err.Error()))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httpx.FailErr(c, httpx.ErrParamInvalid("name cannot be empty"))
		return
	}

	// 默认使用全局配置
	useGlobalMark := req.UseGlobalMarkConfig == nil || *req.UseGlobalMarkConfig
	useGlobalTraining := req.UseGlobalTrainingConfig == nil || *req.UseGlobalTrainingConfig

	task, err := h.svc.Create(c.Request.Context(), taskstate.CreateInput{
		Name:                    strings.TrimSpace(req.Name),
		Description:             req.Description,
		AutoTraining:            req.AutoTraining,
		TriggerWords:            req.TriggerWords,
		MarkConfig:              req.MarkConfig,
		UseGlobalMarkConfig:     useGlobalMark,
		TrainingConfig:          req.TrainingConfig,
		UseGlobalTrainingConfig: useGlobalTraining,
	})
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, task)
}

// Get handles GET /api/v1/tasks/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, task)
}

// Upload handles POST /api/v1/tasks/:id/images (multipart field "files")
func (h *Handler) Upload(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		httpx.FailErr(c, httpx.ErrParamMissing("files is required"))
		return
	}

	dir := filepath.Join(h.uploadDir, strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to create upload dir", err))
		return
	}

	images := make([]*model.TaskImage, 0, len(files))
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if !imageExts[strings.ToLower(filepath.Ext(name))] {
			httpx.FailErr(c, httpx.ErrParamIllegal(fmt.Sprintf("unsupported image type: %s", name)))
			return
		}
		dst := filepath.Join(dir, name)
		// 先登记再落盘
		img, err := h.svc.RegisterImage(c.Request.Context(), id, name, dst, fh.Size)
		if err != nil {
			httpx.FailWith(c, err)
			return
		}
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to save image", err))
			return
		}
		images = append(images, img)
	}
	httpx.OK(c, gin.H{"items": images})
}

// StartMarking handles POST /api/v1/tasks/:id/start-marking
func (h *Handler) StartMarking(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.svc.StartMarking(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, task)
}

// StartTraining handles POST /api/v1/tasks/:id/start-training
func (h *Handler) StartTraining(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.svc.StartTraining(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, task)
}

// Stop handles POST /api/v1/tasks/:id/stop
func (h *Handler) Stop(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	res, err := h.svc.Stop(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, res)
}

// Restart handles POST /api/v1/tasks/:id/restart
func (h *Handler) Restart(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.svc.Restart(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, task)
}

// Cancel handles POST /api/v1/tasks/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.svc.Cancel(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, task)
}

// Executions handles GET /api/v1/tasks/:id/executions
func (h *Handler) Executions(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	rows, err := h.svc.ExecutionHistory(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"items": rows})
}

func taskID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid task id"))
		return 0, false
	}
	return id, true
}
