package assets

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/httpx"
	"lora_pipeline/internal/model"
)

// CreateRequest represents create asset request
type CreateRequest struct {
	Name           string                   `json:"name" binding:"required"`
	Host           string                   `json:"host" binding:"required"`
	SSHPort        int                      `json:"sshPort"`
	SSHUsername    string                   `json:"sshUsername"`
	SSHPassword    string                   `json:"sshPassword"`
	SSHKeyPath     string                   `json:"sshKeyPath"`
	SSHAuthType    string                   `json:"sshAuthType"`
	IsLocal        bool                     `json:"isLocal"`
	PortAccessMode string                   `json:"portAccessMode"`
	Enabled        *bool                    `json:"enabled"`
	AIEngine       model.MarkCapability     `json:"aiEngine"`
	LoraTraining   model.TrainingCapability `json:"loraTraining"`
}

// Handler handles assets API
type Handler struct {
	db      *gorm.DB
	tracker *asset.Tracker
}

// NewHandler creates a new assets handler
func NewHandler(db *gorm.DB, tracker *asset.Tracker) *Handler {
	return &Handler{db: db, tracker: tracker}
}

// List handles GET /api/v1/assets
func (h *Handler) List(c *gin.Context) {
	var items []model.Asset
	if err := h.db.WithContext(c.Request.Context()).Order("id ASC").Find(&items).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to fetch assets", err))
		return
	}
	httpx.OK(c, gin.H{"items": items})
}

// Get handles GET /api/v1/assets/:id
func (h *Handler) Get(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid asset id"))
		return
	}
	a, err := h.tracker.Get(c.Request.Context(), id)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, a)
}

// Available handles GET /api/v1/assets/available?stage=marking|training
func (h *Handler) Available(c *gin.Context) {
	stage := model.Stage(strings.ToLower(c.DefaultQuery("stage", string(model.StageMarking))))
	if stage != model.StageMarking && stage != model.StageTraining {
		httpx.FailErr(c, httpx.ErrParamIllegal("stage must be marking or training"))
		return
	}
	items, err := h.tracker.ListAvailable(c.Request.Context(), stage)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list available assets", err))
		return
	}
	httpx.OK(c, gin.H{
		"stage":    stage,
		"capacity": asset.Capacity(stage),
		"items":    items,
	})
}

// Create handles POST /api/v1/assets/create
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing(err.Error()))
		return
	}

	authType := strings.ToUpper(req.SSHAuthType)
	if authType == "" {
		authType = model.AuthTypeKey
	}
	if authType != model.AuthTypeKey && authType != model.AuthTypePassword {
		httpx.FailErr(c, httpx.ErrParamIllegal("sshAuthType must be KEY or PASSWORD"))
		return
	}
	mode := strings.ToUpper(req.PortAccessMode)
	if mode == "" {
		mode = model.PortAccessDirect
	}
	if mode != model.PortAccessDirect && mode != model.PortAccessDomain {
		httpx.FailErr(c, httpx.ErrParamIllegal("portAccessMode must be DIRECT or DOMAIN"))
		return
	}
	if req.SSHPort == 0 {
		req.SSHPort = 22
	}

	// 能力需要重新验证
	req.AIEngine.Verified = false
	req.LoraTraining.Verified = false

	a := &model.Asset{
		Name:           req.Name,
		Host:           req.Host,
		SSHPort:        req.SSHPort,
		SSHUsername:    req.SSHUsername,
		SSHPassword:    req.SSHPassword,
		SSHKeyPath:     req.SSHKeyPath,
		SSHAuthType:    authType,
		Status:         model.AssetStatusPending,
		IsLocal:        req.IsLocal,
		PortAccessMode: mode,
		Enabled:        req.Enabled == nil || *req.Enabled,
		AIEngine:       datatypes.NewJSONType(req.AIEngine),
		LoraTraining:   datatypes.NewJSONType(req.LoraTraining),
	}
	if err := h.db.WithContext(c.Request.Context()).Create(a).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to create asset", err))
		return
	}
	httpx.OK(c, a)
}
