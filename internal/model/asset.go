package model

import (
	"gorm.io/datatypes"

	"lora_pipeline/internal/stageconf"
)

// AssetStatus 资产连接状态
type AssetStatus string

const (
	AssetStatusPending         AssetStatus = "PENDING"
	AssetStatusConnected       AssetStatus = "CONNECTED"
	AssetStatusConnectionError AssetStatus = "CONNECTION_ERROR"
)

// SSH 认证方式
const (
	AuthTypeKey      = "KEY"
	AuthTypePassword = "PASSWORD"
)

// 端口访问模式
const (
	PortAccessDirect = "DIRECT"
	PortAccessDomain = "DOMAIN"
)

// Capability is the engine endpoint an asset exposes for one stage.
type Capability struct {
	Enabled         bool              `json:"enabled"`
	Port            int               `json:"port"`
	Verified        bool              `json:"verified"`
	UseGlobalConfig bool              `json:"use_global_config"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// MarkCapability 打标引擎能力
type MarkCapability struct {
	Capability
	Params stageconf.MarkOverrides `json:"params"`
}

// TrainingCapability 训练引擎能力
type TrainingCapability struct {
	Capability
	Params stageconf.TrainingOverrides `json:"params"`
}

// Asset 计算资产
type Asset struct {
	BaseModel
	Name           string      `gorm:"type:varchar(50);not null" json:"name"`
	Host           string      `gorm:"type:varchar(255);not null" json:"host"`
	SSHPort        int         `gorm:"not null;default:22" json:"ssh_port"`
	SSHUsername    string      `gorm:"type:varchar(50)" json:"ssh_username"`
	SSHPassword    string      `gorm:"type:varchar(255)" json:"-"`
	SSHKeyPath     string      `gorm:"type:varchar(255)" json:"ssh_key_path"`
	SSHAuthType    string      `gorm:"type:varchar(20);default:KEY" json:"ssh_auth_type"`
	Status         AssetStatus `gorm:"type:varchar(20);default:PENDING" json:"status"`
	IsLocal        bool        `gorm:"not null" json:"is_local"`
	PortAccessMode string      `gorm:"type:varchar(20);default:DIRECT" json:"port_access_mode"`
	Enabled        bool        `gorm:"not null;index" json:"enabled"`

	AIEngine     datatypes.JSONType[MarkCapability]     `json:"ai_engine"`
	LoraTraining datatypes.JSONType[TrainingCapability] `json:"lora_training"`

	MarkingTasksCount  int `gorm:"not null;default:0" json:"marking_tasks_count"`
	TrainingTasksCount int `gorm:"not null;default:0" json:"training_tasks_count"`
}

// TableName 指定表名
func (Asset) TableName() string {
	return "assets"
}

// CapabilityFor returns the capability settings for a stage.
func (a *Asset) CapabilityFor(stage Stage) Capability {
	if stage == StageTraining {
		return a.LoraTraining.Data().Capability
	}
	return a.AIEngine.Data().Capability
}

// TasksCount returns the in-flight counter for a stage.
func (a *Asset) TasksCount(stage Stage) int {
	if stage == StageTraining {
		return a.TrainingTasksCount
	}
	return a.MarkingTasksCount
}

// CountColumn returns the counter column for a stage.
func CountColumn(stage Stage) string {
	if stage == StageTraining {
		return "training_tasks_count"
	}
	return "marking_tasks_count"
}

// AssetColumn returns the task column referencing the stage asset.
func AssetColumn(stage Stage) string {
	if stage == StageTraining {
		return "training_asset_id"
	}
	return "marking_asset_id"
}

// MarkOverrides returns the asset marking overrides, or nil when the asset
// follows the global configuration.
func (a *Asset) MarkOverrides() *stageconf.MarkOverrides {
	c := a.AIEngine.Data()
	if c.UseGlobalConfig {
		return nil
	}
	return &c.Params
}

// TrainingOverrides returns the asset training overrides, or nil when the
// asset follows the global configuration.
func (a *Asset) TrainingOverrides() *stageconf.TrainingOverrides {
	c := a.LoraTraining.Data()
	if c.UseGlobalConfig {
		return nil
	}
	return &c.Params
}
