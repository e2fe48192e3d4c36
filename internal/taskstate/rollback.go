package taskstate

import (
	"fmt"

	"lora_pipeline/internal/model"
)

// undoneStatuses lists the history intervals discarded when rolling back to target.
func undoneStatuses(target model.TaskStatus) []model.TaskStatus {
	switch target {
	case model.TaskStatusNew:
		return model.AllTaskStatuses
	case model.TaskStatusMarked:
		return []model.TaskStatus{model.TaskStatusError, model.TaskStatusTraining}
	}
	return nil
}

// releasedStages lists the stages whose asset slot is given back when rolling back to target.
func releasedStages(target model.TaskStatus) []model.Stage {
	switch target {
	case model.TaskStatusNew:
		return []model.Stage{model.StageMarking, model.StageTraining}
	case model.TaskStatusMarked:
		return []model.Stage{model.StageTraining}
	case model.TaskStatusSubmitted:
		return []model.Stage{model.StageMarking}
	}
	return nil
}

// Rollback returns the task to target. It discards the history of the undone
// statuses, closes the running execution record, clears the job handle and
// progress, transitions, and releases the asset slots of the abandoned stages.
// Every effect lands in the surrounding transaction.
func (tx *Tx) Rollback(task *model.Task, target model.TaskStatus, msg string) error {
	if undone := undoneStatuses(target); len(undone) > 0 {
		var ids []int
		if err := tx.DB.Model(&model.TaskStatusHistory{}).
			Where("task_id = ? AND status IN ?", task.ID, undone).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("find undone history: %w", err)
		}
		if len(ids) > 0 {
			if err := tx.DB.Where("history_id IN ?", ids).Delete(&model.TaskStatusLog{}).Error; err != nil {
				return fmt.Errorf("delete undone logs: %w", err)
			}
			if err := tx.DB.Where("id IN ?", ids).Delete(&model.TaskStatusHistory{}).Error; err != nil {
				return fmt.Errorf("delete undone history: %w", err)
			}
		}
	}

	if err := tx.FinishExecution(task, model.ExecutionError, "cancelled", nil); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"execution_history_id": nil,
		"progress":             0,
		"prompt_id":            nil,
	}
	task.ExecutionHistoryID = nil
	task.Progress = 0
	task.PromptID = nil
	if target == model.TaskStatusNew {
		updates["started_at"] = nil
		updates["completed_at"] = nil
		task.StartedAt = nil
		task.CompletedAt = nil
	}
	if err := tx.DB.Model(&model.Task{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("reset task: %w", err)
	}

	if err := tx.UpdateStatus(task, target, msg); err != nil {
		return err
	}
	for _, stage := range releasedStages(target) {
		if err := tx.Release(task, stage); err != nil {
			return err
		}
	}
	return nil
}
