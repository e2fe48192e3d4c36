package execution

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/markclient"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/stageconf"
	"lora_pipeline/internal/taskstate"
	"lora_pipeline/internal/workdir"
)

// Marking 打标阶段处理器
type Marking struct {
	deps *Deps
}

// NewMarking creates the marking handler.
func NewMarking(deps *Deps) *Marking {
	return &Marking{deps: deps}
}

// Stage returns model.StageMarking.
func (h *Marking) Stage() model.Stage {
	return model.StageMarking
}

// Submit stages the task images for the asset and submits the marking workflow.
func (h *Marking) Submit(ctx context.Context, task *model.Task, a *model.Asset) (promptID string, err error) {
	log := h.deps.Log.WithFields(logrus.Fields{"task_id": task.ID, "asset_id": a.ID, "stage": model.StageMarking})
	defer func() {
		if r := recover(); r != nil {
			err = Recovered(r)
		}
		if err != nil && !errors.Is(err, ErrSuperseded) {
			log.WithError(err).Error("Marking submission failed")
			h.deps.fail(ctx, task.ID, "marking submission failed: "+err.Error(), err, holdingAsset(model.StageMarking, a))
		}
	}()

	cfg := h.deps.Config
	params := stageconf.ResolveMark(cfg.Mark, a.MarkOverrides(), task.MarkConfig.Data(), task.UseGlobalMarkConfig)

	// 1. 准备本地目录
	inputDir := h.deps.localUploadDir(task.ID)
	if !workdir.HasFiles(inputDir) {
		return "", fmt.Errorf("no input images in %s", inputDir)
	}
	markedDir := task.MarkedImagesPath
	if markedDir == "" {
		if markedDir, err = workdir.UniqueDir(cfg.Paths.MarkedDir, task.ID, workdir.KindMark); err != nil {
			return "", err
		}
	} else if err := os.MkdirAll(markedDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", markedDir, err)
	}

	// 2. 远程资产同步输入
	engineIn, engineOut := inputDir, markedDir
	remoteIn, remoteOut := "", ""
	if !a.IsLocal {
		ep := asset.SSHEndpoint(a)
		remoteIn, remoteOut = h.deps.remoteUploadDir(task.ID), h.deps.remoteDir("marked", markedDir)
		if err := h.deps.FS.ClearDir(ctx, ep, remoteIn); err != nil {
			return "", fmt.Errorf("prepare remote input: %w", err)
		}
		sum, err := h.deps.FS.UploadTree(ctx, ep, inputDir, remoteIn)
		if err != nil {
			return "", fmt.Errorf("upload images: %w", err)
		}
		log.WithField("summary", sum.String()).Info("Uploaded marking input")
		if err := h.deps.FS.ClearDir(ctx, ep, remoteOut); err != nil {
			return "", fmt.Errorf("prepare remote output: %w", err)
		}
		engineIn, engineOut = remoteIn, remoteOut
	}

	workflow, err := markclient.BuildWorkflow(params, engineIn, engineOut)
	if err != nil {
		return "", err
	}

	// 3. 记录执行历史
	err = h.deps.Machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := loadAssigned(tx, task.ID, model.StageMarking, a)
		if err != nil {
			return err
		}
		t.MarkedImagesPath, t.RemoteMarkedPath = markedDir, remoteOut
		if err := tx.DB.Model(t).Updates(map[string]interface{}{
			"marked_images_path": markedDir,
			"remote_marked_path": remoteOut,
		}).Error; err != nil {
			return err
		}
		return newExecution(tx, t, &model.TaskExecutionHistory{
			Stage:            model.StageMarking,
			MarkConfig:       mustJSON(params),
			MarkingAssetID:   &a.ID,
			MarkedImagesPath: markedDir,
			RemoteInputPath:  remoteIn,
			RemoteOutputPath: remoteOut,
		})
	})
	if err != nil {
		return "", err
	}

	// 4. 提交工作流
	engine := h.deps.MarkEngine(a)
	promptID, err = engine.Submit(ctx, workflow)
	if err != nil {
		return "", fmt.Errorf("submit workflow: %w", err)
	}

	err = h.deps.Machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := loadAssigned(tx, task.ID, model.StageMarking, a)
		if err != nil {
			return err
		}
		if err := tx.SetPromptID(t, &promptID); err != nil {
			return err
		}
		if err := tx.DB.Model(&model.TaskExecutionHistory{}).Where("id = ?", model.UVal(t.ExecutionHistoryID)).
			UpdateColumn("job_id", promptID).Error; err != nil {
			return err
		}
		return tx.UpdateStatus(t, model.TaskStatusMarking, fmt.Sprintf("marking submitted to %s, prompt %s", a.Name, promptID))
	})
	if errors.Is(err, ErrSuperseded) {
		if ierr := engine.Interrupt(ctx); ierr != nil {
			log.WithError(ierr).Warn("Failed to interrupt superseded prompt")
		}
		return "", err
	}
	if err != nil {
		return "", err
	}
	log.WithField("prompt_id", promptID).Info("Marking submitted")
	return promptID, nil
}

// PollOnce checks the prompt and finishes the stage when the engine is done.
func (h *Marking) PollOnce(ctx context.Context, task *model.Task, a *model.Asset, promptID string) (bool, error) {
	res, err := h.deps.MarkEngine(a).Status(ctx, promptID)
	if err != nil {
		return false, err
	}
	switch res.State {
	case markclient.StateSucceeded:
		if err := h.complete(ctx, task, a, promptID); err != nil {
			return false, err
		}
		return true, nil
	case markclient.StateFailed:
		var cause error = errors.New("marking engine reported failure")
		if res.Error != nil {
			cause = res.Error
		}
		return true, h.deps.fail(ctx, task.ID, "marking failed: "+cause.Error(), cause, runningJob(model.StageMarking, promptID))
	}

	if res.Progress > 0 && res.Progress != task.Progress {
		err := h.deps.Machine.Do(ctx, func(tx *taskstate.Tx) error {
			t, err := loadRunning(tx, task.ID, model.StageMarking, promptID)
			if err != nil {
				return err
			}
			return tx.SetProgress(t, res.Progress)
		})
		if err != nil && !errors.Is(err, ErrSuperseded) {
			return false, err
		}
	}
	return false, nil
}

// complete fetches the captions of a remote asset and moves the task to
// MARKED, or straight on to TRAINING when auto training is set.
func (h *Marking) complete(ctx context.Context, task *model.Task, a *model.Asset, promptID string) error {
	log := h.deps.Log.WithFields(logrus.Fields{"task_id": task.ID, "asset_id": a.ID, "stage": model.StageMarking})
	if !a.IsLocal && task.RemoteMarkedPath != "" {
		sum, err := h.deps.FS.DownloadTree(ctx, asset.SSHEndpoint(a), task.RemoteMarkedPath, task.MarkedImagesPath)
		if err != nil {
			return fmt.Errorf("download marked images: %w", err)
		}
		log.WithField("summary", sum.String()).Info("Downloaded marking output")
	}
	if !workdir.HasFiles(task.MarkedImagesPath) {
		cause := fmt.Errorf("marking produced no files in %s", task.MarkedImagesPath)
		return h.deps.fail(ctx, task.ID, cause.Error(), cause, runningJob(model.StageMarking, promptID))
	}

	err := h.deps.Machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := loadRunning(tx, task.ID, model.StageMarking, promptID)
		if err != nil {
			return err
		}
		return Finish(tx, t, h.deps.Config.Training, "marking completed")
	})
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}

// Finish records a successful marking run: MARKED, slot released, execution
// closed, and the hand-over to training when the task asks for it.
func Finish(tx *taskstate.Tx, t *model.Task, training stageconf.TrainingParams, msg string) error {
	if err := tx.SetProgress(t, 100); err != nil {
		return err
	}
	if err := tx.UpdateStatus(t, model.TaskStatusMarked, msg); err != nil {
		return err
	}
	if err := tx.Release(t, model.StageMarking); err != nil {
		return err
	}
	progress := map[string]any{"marked_images_path": t.MarkedImagesPath}
	if err := tx.FinishExecution(t, model.ExecutionCompleted, msg, func(h *model.TaskExecutionHistory) {
		h.MarkingProgressData = mustJSON(progress)
	}); err != nil {
		return err
	}
	if !t.AutoTraining {
		return nil
	}
	err := tx.QueueTraining(t, training, "auto training queued")
	if errors.Is(err, taskstate.ErrInvalidConfig) {
		return tx.Fail(t, "auto training: "+err.Error(), &model.ErrorDetail{Message: err.Error(), Type: "config"})
	}
	return err
}

// CancelRemote interrupts the marking engine of the task's asset.
func (h *Marking) CancelRemote(ctx context.Context, task *model.Task) error {
	if task.MarkingAssetID == nil {
		return nil
	}
	a, err := h.deps.Assets.Get(ctx, *task.MarkingAssetID)
	if err != nil {
		return err
	}
	return h.deps.MarkEngine(a).Interrupt(ctx)
}

// Fail moves the task to ERROR if promptID is still its running prompt.
func (h *Marking) Fail(ctx context.Context, taskID int, promptID string, cause error) error {
	return h.deps.fail(ctx, taskID, "marking monitor gave up: "+cause.Error(), cause, runningJob(model.StageMarking, promptID))
}
