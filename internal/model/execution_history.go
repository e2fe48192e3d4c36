package model

import (
	"time"

	"gorm.io/datatypes"
)

// ExecutionStatus 执行记录状态
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionError     ExecutionStatus = "ERROR"
)

// ErrorDetail is the structured failure recorded in task logs and execution history.
type ErrorDetail struct {
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Origin    string         `json:"origin,omitempty"`
	Node      string         `json:"node,omitempty"`
	Traceback string         `json:"traceback,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

// TrainingResults 训练产物
type TrainingResults struct {
	OutputDir string   `json:"output_dir"`
	Models    []string `json:"models"`
	Previews  []string `json:"previews"`
}

// TaskExecutionHistory 单次阶段执行记录，独立于任务的实时状态
type TaskExecutionHistory struct {
	ID        int             `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    int             `gorm:"index;not null" json:"task_id"`
	Stage     Stage           `gorm:"type:varchar(20);not null" json:"stage"`
	Status    ExecutionStatus `gorm:"type:varchar(20);not null;default:RUNNING" json:"status"`
	StartTime time.Time       `gorm:"not null" json:"start_time"`
	EndTime   *time.Time      `json:"end_time"`

	MarkConfig     datatypes.JSON `json:"mark_config"`
	TrainingConfig datatypes.JSON `json:"training_config"`

	MarkingAssetID  *int `json:"marking_asset_id"`
	TrainingAssetID *int `json:"training_asset_id"`

	MarkedImagesPath   string `gorm:"type:varchar(500)" json:"marked_images_path"`
	RemoteInputPath    string `gorm:"type:varchar(500)" json:"remote_input_path"`
	RemoteOutputPath   string `gorm:"type:varchar(500)" json:"remote_output_path"`
	TrainingOutputPath string `gorm:"type:varchar(500)" json:"training_output_path"`

	JobID               string                                   `gorm:"type:varchar(64)" json:"job_id"`
	TrainingResults     datatypes.JSONType[*TrainingResults]     `json:"training_results"`
	MarkingProgressData datatypes.JSON                           `json:"marking_progress_data"`
	ErrorDetail         datatypes.JSONType[*ErrorDetail]         `json:"error_detail"`
	Description         string                                   `gorm:"type:text" json:"description"`
	CreatedAt           time.Time                                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time                                `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (TaskExecutionHistory) TableName() string {
	return "task_execution_history"
}
