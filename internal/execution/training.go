package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/stageconf"
	"lora_pipeline/internal/taskstate"
	"lora_pipeline/internal/trainclient"
	"lora_pipeline/internal/workdir"
)

// Training 训练阶段处理器
type Training struct {
	deps *Deps
}

// NewTraining creates the training handler.
func NewTraining(deps *Deps) *Training {
	return &Training{deps: deps}
}

// Stage returns model.StageTraining.
func (h *Training) Stage() model.Stage {
	return model.StageTraining
}

// Submit lays out the training data, syncs it to a remote asset and starts
// the training job.
func (h *Training) Submit(ctx context.Context, task *model.Task, a *model.Asset) (jobID string, err error) {
	log := h.deps.Log.WithFields(logrus.Fields{"task_id": task.ID, "asset_id": a.ID, "stage": model.StageTraining})
	defer func() {
		if r := recover(); r != nil {
			err = Recovered(r)
		}
		if err != nil && !errors.Is(err, ErrSuperseded) {
			log.WithError(err).Error("Training submission failed")
			h.deps.fail(ctx, task.ID, "training submission failed: "+err.Error(), err, holdingAsset(model.StageTraining, a))
		}
	}()

	cfg := h.deps.Config
	params := stageconf.ResolveTraining(cfg.Training, a.TrainingOverrides(), task.TrainingConfig.Data(), task.UseGlobalTrainingConfig)
	params.OutputName = task.Name
	if err := params.Validate(); err != nil {
		return "", err
	}

	// 1. 整理训练数据目录
	markedDir := task.MarkedImagesPath
	if !workdir.HasFiles(markedDir) {
		return "", fmt.Errorf("no marked images in %q", markedDir)
	}
	samplePath := filepath.Join(markedDir, workdir.SamplePromptsFile)
	if err := os.Remove(samplePath); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	dataName := workdir.TrainDataDirName(params.RepeatNum)
	trainDir := filepath.Join(markedDir, dataName)
	n, err := workdir.RefreshFlat(markedDir, trainDir)
	if err != nil {
		return "", fmt.Errorf("prepare training data: %w", err)
	}
	log.WithField("files", n).Debug("Refreshed training data folder")

	// 2. 预览提示词
	if params.GeneratePreview {
		captions, err := workdir.ReadCaptions(markedDir)
		if err != nil {
			return "", fmt.Errorf("read captions: %w", err)
		}
		if err := os.WriteFile(samplePath, []byte(stageconf.SamplePrompts(params, captions)), 0o644); err != nil {
			return "", fmt.Errorf("write sample prompts: %w", err)
		}
	}

	outputDir, err := workdir.UniqueDir(cfg.Paths.OutputDir, task.ID, workdir.KindTrain)
	if err != nil {
		return "", err
	}

	// 3. 远程资产同步训练数据
	dirs := stageconf.TrainingDirs{TrainDataDir: markedDir, OutputDir: outputDir}
	if params.GeneratePreview {
		dirs.SamplePrompts = samplePath
	}
	remoteMarked, remoteOut := "", ""
	if !a.IsLocal {
		ep := asset.SSHEndpoint(a)
		remoteMarked = task.RemoteMarkedPath
		if remoteMarked == "" {
			remoteMarked = h.deps.remoteDir("marked", markedDir)
		}
		remoteTrain := path.Join(remoteMarked, dataName)
		if err := h.deps.FS.ClearDir(ctx, ep, remoteTrain); err != nil {
			return "", fmt.Errorf("prepare remote training data: %w", err)
		}
		sum, err := h.deps.FS.UploadTree(ctx, ep, trainDir, remoteTrain)
		if err != nil {
			return "", fmt.Errorf("upload training data: %w", err)
		}
		log.WithField("summary", sum.String()).Info("Uploaded training data")

		dirs.TrainDataDir = remoteMarked
		if params.GeneratePreview {
			dirs.SamplePrompts = path.Join(remoteMarked, workdir.SamplePromptsFile)
			if err := h.deps.FS.UploadFile(ctx, ep, samplePath, dirs.SamplePrompts); err != nil {
				return "", fmt.Errorf("upload sample prompts: %w", err)
			}
		}
		remoteOut = h.deps.remoteDir("output", outputDir)
		if err := h.deps.FS.ClearDir(ctx, ep, remoteOut); err != nil {
			return "", fmt.Errorf("prepare remote output: %w", err)
		}
		dirs.OutputDir = remoteOut
	}

	payload, err := stageconf.EnginePayload(params, dirs)
	if err != nil {
		return "", err
	}

	// 4. 记录执行历史
	err = h.deps.Machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := loadAssigned(tx, task.ID, model.StageTraining, a)
		if err != nil {
			return err
		}
		t.TrainingOutputPath, t.RemoteMarkedPath = outputDir, remoteMarked
		if err := tx.DB.Model(t).Updates(map[string]interface{}{
			"training_output_path": outputDir,
			"remote_marked_path":   remoteMarked,
		}).Error; err != nil {
			return err
		}
		var markingAssetID *int
		var last model.TaskExecutionHistory
		if tx.DB.Where("task_id = ? AND stage = ?", t.ID, model.StageMarking).Order("id DESC").Limit(1).Find(&last).RowsAffected > 0 {
			markingAssetID = last.MarkingAssetID
		}
		return newExecution(tx, t, &model.TaskExecutionHistory{
			Stage:              model.StageTraining,
			TrainingConfig:     mustJSON(params),
			MarkingAssetID:     markingAssetID,
			TrainingAssetID:    &a.ID,
			MarkedImagesPath:   markedDir,
			RemoteInputPath:    remoteMarked,
			RemoteOutputPath:   remoteOut,
			TrainingOutputPath: outputDir,
		})
	})
	if err != nil {
		return "", err
	}

	// 5. 提交训练任务
	engine := h.deps.TrainEngine(a)
	jobID, err = engine.Submit(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("submit training: %w", err)
	}

	err = h.deps.Machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := loadAssigned(tx, task.ID, model.StageTraining, a)
		if err != nil {
			return err
		}
		if err := tx.SetPromptID(t, &jobID); err != nil {
			return err
		}
		if err := tx.DB.Model(&model.TaskExecutionHistory{}).Where("id = ?", model.UVal(t.ExecutionHistoryID)).
			UpdateColumn("job_id", jobID).Error; err != nil {
			return err
		}
		return tx.AddLog(t, fmt.Sprintf("training submitted to %s, job %s", a.Name, jobID))
	})
	if errors.Is(err, ErrSuperseded) {
		if cerr := engine.Cancel(ctx, jobID); cerr != nil {
			log.WithError(cerr).Warn("Failed to cancel superseded training job")
		}
		return "", err
	}
	if err != nil {
		return "", err
	}
	log.WithField("job_id", jobID).Info("Training submitted")
	return jobID, nil
}

// PollOnce checks the training job and finishes the stage when it has ended.
func (h *Training) PollOnce(ctx context.Context, task *model.Task, a *model.Asset, jobID string) (bool, error) {
	status, err := h.deps.TrainEngine(a).Status(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !trainclient.IsTerminal(status) {
		return false, nil
	}
	if status != trainclient.StatusFinished {
		cause := &JobError{JobID: jobID, Status: status}
		return true, h.deps.fail(ctx, task.ID, "training failed: "+cause.Error(), cause, runningJob(model.StageTraining, jobID))
	}
	if err := h.complete(ctx, task, a, jobID); err != nil {
		return false, err
	}
	return true, nil
}

// JobError is a training job that ended without finishing.
type JobError struct {
	JobID  string
	Status string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("training job %s ended with %s", e.JobID, e.Status)
}

func (h *Training) complete(ctx context.Context, task *model.Task, a *model.Asset, jobID string) error {
	log := h.deps.Log.WithFields(logrus.Fields{"task_id": task.ID, "asset_id": a.ID, "stage": model.StageTraining})
	outputDir := task.TrainingOutputPath
	if !a.IsLocal {
		sum, err := h.deps.FS.DownloadTree(ctx, asset.SSHEndpoint(a), h.deps.remoteDir("output", outputDir), outputDir)
		if err != nil {
			return fmt.Errorf("download training output: %w", err)
		}
		log.WithField("summary", sum.String()).Info("Downloaded training output")
	}

	results, err := CollectResults(outputDir)
	if err != nil {
		return fmt.Errorf("collect training results: %w", err)
	}

	err = h.deps.Machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := loadRunning(tx, task.ID, model.StageTraining, jobID)
		if err != nil {
			return err
		}
		if err := tx.SetProgress(t, 100); err != nil {
			return err
		}
		msg := fmt.Sprintf("training completed, %d model files", len(results.Models))
		if err := tx.UpdateStatus(t, model.TaskStatusCompleted, msg); err != nil {
			return err
		}
		if err := tx.Release(t, model.StageTraining); err != nil {
			return err
		}
		return tx.FinishExecution(t, model.ExecutionCompleted, msg, func(eh *model.TaskExecutionHistory) {
			eh.TrainingResults = datatypes.NewJSONType(results)
		})
	})
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}

// CollectResults lists the model files and preview images of a training output folder.
func CollectResults(outputDir string) (*model.TrainingResults, error) {
	res := &model.TrainingResults{OutputDir: outputDir}
	if _, err := os.Stat(outputDir); os.IsNotExist(err) {
		return res, nil
	}
	var err error
	res.Models, err = workdir.Collect(outputDir, func(rel string) bool {
		return strings.EqualFold(filepath.Ext(rel), ".safetensors")
	})
	if err != nil {
		return nil, err
	}
	res.Previews, err = workdir.Collect(outputDir, func(rel string) bool {
		return strings.HasPrefix(rel, "sample/")
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelRemote terminates the task's training job.
func (h *Training) CancelRemote(ctx context.Context, task *model.Task) error {
	if task.TrainingAssetID == nil || task.PromptID == nil {
		return nil
	}
	a, err := h.deps.Assets.Get(ctx, *task.TrainingAssetID)
	if err != nil {
		return err
	}
	return h.deps.TrainEngine(a).Cancel(ctx, *task.PromptID)
}

// Fail moves the task to ERROR if jobID is still its running job.
func (h *Training) Fail(ctx context.Context, taskID int, jobID string, cause error) error {
	return h.deps.fail(ctx, taskID, "training monitor gave up: "+cause.Error(), cause, runningJob(model.StageTraining, jobID))
}
