package model

import (
	"time"
)

// BaseModel contains common fields for all models
type BaseModel struct {
	ID        int       `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Stage 流水线阶段
type Stage string

const (
	StageMarking  Stage = "marking"
	StageTraining Stage = "training"
)

// ActiveStatus 返回该阶段执行期间任务所处的状态
func (s Stage) ActiveStatus() TaskStatus {
	if s == StageTraining {
		return TaskStatusTraining
	}
	return TaskStatusMarking
}
