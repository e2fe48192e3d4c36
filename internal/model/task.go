package model

import (
	"time"

	"gorm.io/datatypes"

	"lora_pipeline/internal/stageconf"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusNew       TaskStatus = "NEW"
	TaskStatusSubmitted TaskStatus = "SUBMITTED"
	TaskStatusMarking   TaskStatus = "MARKING"
	TaskStatusMarked    TaskStatus = "MARKED"
	TaskStatusTraining  TaskStatus = "TRAINING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusError     TaskStatus = "ERROR"
)

// AllTaskStatuses lists every status in pipeline order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusNew,
	TaskStatusSubmitted,
	TaskStatusMarking,
	TaskStatusMarked,
	TaskStatusTraining,
	TaskStatusCompleted,
	TaskStatusError,
}

// IsActive reports whether a remote job may be running for the status.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusMarking || s == TaskStatusTraining
}

// IsTerminal reports whether the status ends an attempt.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// Task 训练任务
type Task struct {
	BaseModel
	Name        string     `gorm:"type:varchar(100);not null" json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	Status      TaskStatus `gorm:"type:varchar(20);index;not null;default:NEW" json:"status"`
	Progress    int        `gorm:"not null;default:0" json:"progress"`

	// 远程任务句柄，打标为 prompt_id，训练为训练任务 ID
	PromptID        *string `gorm:"type:varchar(64)" json:"prompt_id"`
	MarkingAssetID  *int    `gorm:"index" json:"marking_asset_id"`
	TrainingAssetID *int    `gorm:"index" json:"training_asset_id"`

	MarkConfig              datatypes.JSONType[stageconf.MarkOverrides]     `json:"mark_config"`
	UseGlobalMarkConfig     bool                                            `gorm:"not null" json:"use_global_mark_config"`
	TrainingConfig          datatypes.JSONType[stageconf.TrainingOverrides] `json:"training_config"`
	UseGlobalTrainingConfig bool                                            `gorm:"not null" json:"use_global_training_config"`
	AutoTraining            bool                                            `gorm:"not null" json:"auto_training"`

	MarkedImagesPath   string `gorm:"type:varchar(500)" json:"marked_images_path"`
	RemoteMarkedPath   string `gorm:"type:varchar(500)" json:"remote_marked_path"`
	TrainingOutputPath string `gorm:"type:varchar(500)" json:"training_output_path"`

	ExecutionHistoryID *int       `json:"execution_history_id"`
	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`

	StatusHistory []TaskStatusHistory `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"status_history,omitempty"`
	Images        []TaskImage         `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"images,omitempty"`
}

// TableName 指定表名
func (Task) TableName() string {
	return "tasks"
}

// AssetID returns the asset reference held for the stage.
func (t *Task) AssetID(stage Stage) *int {
	if stage == StageTraining {
		return t.TrainingAssetID
	}
	return t.MarkingAssetID
}

// TaskStatusHistory 任务状态区间，一个状态一行
type TaskStatusHistory struct {
	ID        int             `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    int             `gorm:"index;not null" json:"task_id"`
	Status    TaskStatus      `gorm:"type:varchar(20);not null" json:"status"`
	StartTime time.Time       `gorm:"not null" json:"start_time"`
	EndTime   *time.Time      `json:"end_time"`
	Logs      []TaskStatusLog `gorm:"foreignKey:HistoryID;constraint:OnDelete:CASCADE" json:"logs,omitempty"`
}

// TableName 指定表名
func (TaskStatusHistory) TableName() string {
	return "task_status_history"
}

// TaskStatusLog 状态区间内的日志行
type TaskStatusLog struct {
	ID        int       `gorm:"primaryKey;autoIncrement" json:"id"`
	HistoryID int       `gorm:"index;not null" json:"history_id"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `gorm:"not null" json:"time"`
}

// TableName 指定表名
func (TaskStatusLog) TableName() string {
	return "task_status_logs"
}

// TaskImage 任务图片
type TaskImage struct {
	ID        int       `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    int       `gorm:"index;not null" json:"task_id"`
	Filename  string    `gorm:"type:varchar(255);not null" json:"filename"`
	FilePath  string    `gorm:"type:varchar(500);not null" json:"file_path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (TaskImage) TableName() string {
	return "task_images"
}
