package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"lora_pipeline/internal/execution"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/monitor"
	"lora_pipeline/internal/taskstate"
	"lora_pipeline/internal/workdir"
)

// RecoveryReport counts what Recover did.
type RecoveryReport struct {
	Resumed   int `json:"resumed"`
	Requeued  int `json:"requeued"`
	Completed int `json:"completed"`
	Released  int `json:"released"`
}

// Recover reconciles tasks left mid-stage by a previous process. Tasks with a
// live job are watched again without resubmission; half-assigned tasks are
// completed from existing output or released for the next tick.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	log := s.logger.WithField("component", "recovery")

	var tasks []model.Task
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []model.TaskStatus{model.TaskStatusSubmitted, model.TaskStatusMarking, model.TaskStatusTraining}).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return report, fmt.Errorf("list interrupted tasks: %w", err)
	}

	for i := range tasks {
		t := &tasks[i]
		tlog := log.WithFields(logrus.Fields{"task_id": t.ID, "status": t.Status})

		// 1. 有远程任务句柄且已分配资产，直接恢复监控
		if stage, ok := resumable(t); ok {
			if s.monitor != nil && s.monitor.Watch(monitor.Job{Stage: stage, TaskID: t.ID, AssetID: *t.AssetID(stage), JobID: *t.PromptID}) {
				report.Resumed++
				tlog.WithField("job_id", *t.PromptID).Info("Resumed monitoring")
			}
			continue
		}

		var err error
		switch t.Status {
		case model.TaskStatusSubmitted, model.TaskStatusMarking:
			// 2. 打标分配了资产但没有任务句柄
			if t.Status == model.TaskStatusSubmitted && t.MarkingAssetID == nil {
				continue
			}
			err = s.recoverMarking(ctx, t.ID, &report)
		case model.TaskStatusTraining:
			// 3. 训练分配了资产但没有任务句柄
			err = s.recoverTraining(ctx, t.ID, &report)
		}
		if err != nil {
			return report, fmt.Errorf("recover task %d: %w", t.ID, err)
		}
	}
	return report, nil
}

// resumable reports the stage whose live job the task is waiting on.
func resumable(t *model.Task) (model.Stage, bool) {
	if t.PromptID == nil {
		return "", false
	}
	switch t.Status {
	case model.TaskStatusMarking:
		return model.StageMarking, t.MarkingAssetID != nil
	case model.TaskStatusTraining:
		return model.StageTraining, t.TrainingAssetID != nil
	}
	return "", false
}

func (s *Scheduler) recoverMarking(ctx context.Context, taskID int, report *RecoveryReport) error {
	return s.machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := tx.Load(taskID)
		if err != nil {
			return err
		}
		if workdir.HasFiles(t.MarkedImagesPath) {
			report.Completed++
			return execution.Finish(tx, t, s.training, "marking output found after restart, treated as completed")
		}
		report.Requeued++
		return tx.Rollback(t, model.TaskStatusSubmitted, "marking interrupted by restart, waiting for reassignment")
	})
}

func (s *Scheduler) recoverTraining(ctx context.Context, taskID int, report *RecoveryReport) error {
	return s.machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := tx.Load(taskID)
		if err != nil {
			return err
		}
		if t.TrainingAssetID == nil && t.PromptID == nil {
			return nil
		}
		if err := tx.FinishExecution(t, model.ExecutionError, "interrupted by restart", nil); err != nil {
			return err
		}
		if err := tx.SetPromptID(t, nil); err != nil {
			return err
		}
		if err := tx.Release(t, model.StageTraining); err != nil {
			return err
		}
		report.Released++
		return tx.AddLog(t, "training interrupted by restart, asset released, waiting for reassignment")
	})
}
