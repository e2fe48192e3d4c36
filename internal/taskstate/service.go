package taskstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lora_pipeline/internal/model"
	"lora_pipeline/internal/stageconf"
	"lora_pipeline/internal/workdir"
)

// RemoteCanceller stops the remote job of an active task.
type RemoteCanceller interface {
	CancelRemote(ctx context.Context, task *model.Task) error
}

// Service 任务操作服务
type Service struct {
	machine   *Machine
	markedDir string
	training  stageconf.TrainingParams
	canceller RemoteCanceller
	log       *logrus.Entry
}

// NewService creates the task service. canceller may be nil, in which case
// stop skips the remote cancel.
func NewService(machine *Machine, markedDir string, training stageconf.TrainingParams, canceller RemoteCanceller, log *logrus.Entry) *Service {
	return &Service{
		machine:   machine,
		markedDir: markedDir,
		training:  training,
		canceller: canceller,
		log:       log.WithField("component", "task-service"),
	}
}

// SetCanceller sets the remote canceller after construction.
func (s *Service) SetCanceller(c RemoteCanceller) {
	s.canceller = c
}

// CreateInput 创建任务参数
type CreateInput struct {
	Name                    string
	Description             string
	AutoTraining            bool
	TriggerWords            string
	MarkConfig              stageconf.MarkOverrides
	UseGlobalMarkConfig     bool
	TrainingConfig          stageconf.TrainingOverrides
	UseGlobalTrainingConfig bool
}

// Create 创建任务
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Task, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	markCfg := in.MarkConfig
	if in.TriggerWords != "" {
		markCfg.TriggerWords = &in.TriggerWords
	}
	task := &model.Task{
		Name:                    in.Name,
		Description:             in.Description,
		Status:                  model.TaskStatusNew,
		AutoTraining:            in.AutoTraining,
		MarkConfig:              datatypes.NewJSONType(markCfg),
		UseGlobalMarkConfig:     in.UseGlobalMarkConfig,
		TrainingConfig:          datatypes.NewJSONType(in.TrainingConfig),
		UseGlobalTrainingConfig: in.UseGlobalTrainingConfig,
	}
	err := s.machine.Do(ctx, func(tx *Tx) error {
		if err := tx.DB.Create(task).Error; err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return tx.AddLog(task, "task created")
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// RegisterImage records an uploaded image of a NEW task.
func (s *Service) RegisterImage(ctx context.Context, taskID int, filename, path string, size int64) (*model.TaskImage, error) {
	img := &model.TaskImage{TaskID: taskID, Filename: filename, FilePath: path, Size: size}
	err := s.machine.Do(ctx, func(tx *Tx) error {
		task, err := tx.Load(taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskStatusNew {
			return fmt.Errorf("%w: images can only be added to NEW tasks", ErrInvalidState)
		}
		return tx.DB.Create(img).Error
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// StartMarking queues a NEW task for marking.
func (s *Service) StartMarking(ctx context.Context, taskID int) (*model.Task, error) {
	var task *model.Task
	err := s.machine.Do(ctx, func(tx *Tx) error {
		var err error
		if task, err = tx.Load(taskID); err != nil {
			return err
		}
		if task.Status != model.TaskStatusNew {
			return fmt.Errorf("%w: start marking requires NEW, task is %s", ErrInvalidState, task.Status)
		}
		var n int64
		if err := tx.DB.Model(&model.TaskImage{}).Where("task_id = ?", task.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNoImages
		}

		// 1. 分配打标输出目录
		dir, err := workdir.UniqueDir(s.markedDir, task.ID, workdir.KindMark)
		if err != nil {
			return err
		}
		task.MarkedImagesPath = dir
		if err := tx.DB.Model(task).UpdateColumn("marked_images_path", dir).Error; err != nil {
			return err
		}

		// 2. 进入排队状态
		return tx.UpdateStatus(task, model.TaskStatusSubmitted, fmt.Sprintf("marking requested, %d images", n))
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// StartTraining queues a MARKED task for training after validating its
// resolved configuration. A network module that does not fit the model type is
// corrected in the task override.
func (s *Service) StartTraining(ctx context.Context, taskID int) (*model.Task, error) {
	var task *model.Task
	err := s.machine.Do(ctx, func(tx *Tx) error {
		var err error
		if task, err = tx.Load(taskID); err != nil {
			return err
		}
		if task.Status != model.TaskStatusMarked {
			return fmt.Errorf("%w: start training requires MARKED, task is %s", ErrInvalidState, task.Status)
		}

		return tx.QueueTraining(task, s.training, "training requested")
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// QueueTraining validates the task's training configuration against global
// and moves the MARKED task to TRAINING, where the scheduler picks it up.
func (tx *Tx) QueueTraining(task *model.Task, global stageconf.TrainingParams, msg string) error {
	p := stageconf.ResolveTraining(global, nil, task.TrainingConfig.Data(), task.UseGlobalTrainingConfig)
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !p.NetworkModuleAllowed() {
		expected := p.ExpectedNetworkModule()
		o := task.TrainingConfig.Data()
		o.NetworkModule = &expected
		task.TrainingConfig = datatypes.NewJSONType(o)
		if err := tx.DB.Model(task).UpdateColumn("training_config", task.TrainingConfig).Error; err != nil {
			return err
		}
		if err := tx.AddLog(task, fmt.Sprintf("network_module %q does not fit %s, using %s", p.NetworkModule, p.ModelTrainType, expected)); err != nil {
			return err
		}
	}
	return tx.UpdateStatus(task, model.TaskStatusTraining, msg)
}

// StopResult reports both steps of a stop: the best-effort remote cancel and
// the rollback, which alone decides success.
type StopResult struct {
	Task                  *model.Task `json:"task"`
	RemoteCancelAttempted bool        `json:"remote_cancel_attempted"`
	RemoteCancelError     string      `json:"remote_cancel_error,omitempty"`
}

// Stop cancels the remote job of a MARKING or TRAINING task and rolls it back
// to NEW or MARKED respectively. Stopping training disables auto training.
func (s *Service) Stop(ctx context.Context, taskID int) (*StopResult, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsActive() {
		return nil, fmt.Errorf("%w: stop requires MARKING or TRAINING, task is %s", ErrInvalidState, task.Status)
	}

	res := &StopResult{}
	if s.canceller != nil && task.PromptID != nil {
		res.RemoteCancelAttempted = true
		if err := s.canceller.CancelRemote(ctx, task); err != nil {
			res.RemoteCancelError = err.Error()
			s.log.WithError(err).WithField("task_id", task.ID).Warn("Remote cancel failed, rolling back anyway")
		}
	}

	err = s.machine.Do(ctx, func(tx *Tx) error {
		t, err := tx.Load(taskID)
		if err != nil {
			return err
		}
		switch t.Status {
		case model.TaskStatusMarking:
			if err := tx.Rollback(t, model.TaskStatusNew, "marking stopped"); err != nil {
				return err
			}
		case model.TaskStatusTraining:
			t.AutoTraining = false
			if err := tx.DB.Model(t).UpdateColumn("auto_training", false).Error; err != nil {
				return err
			}
			if err := tx.Rollback(t, model.TaskStatusMarked, "training stopped"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: task moved to %s while stopping", ErrInvalidState, t.Status)
		}
		res.Task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Restart returns an ERROR or COMPLETED task to the furthest point it can
// resume from: MARKED when it ever reached training, NEW otherwise.
func (s *Service) Restart(ctx context.Context, taskID int) (*model.Task, error) {
	var task *model.Task
	err := s.machine.Do(ctx, func(tx *Tx) error {
		var err error
		if task, err = tx.Load(taskID); err != nil {
			return err
		}
		if !task.Status.IsTerminal() {
			return fmt.Errorf("%w: restart requires ERROR or COMPLETED, task is %s", ErrInvalidState, task.Status)
		}
		target, err := tx.restartTarget(task)
		if err != nil {
			return err
		}
		return tx.Rollback(task, target, fmt.Sprintf("restarted from %s", task.Status))
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (tx *Tx) restartTarget(task *model.Task) (model.TaskStatus, error) {
	if task.TrainingAssetID != nil {
		return model.TaskStatusMarked, nil
	}
	var n int64
	if err := tx.DB.Model(&model.TaskStatusHistory{}).
		Where("task_id = ? AND status = ?", task.ID, model.TaskStatusTraining).
		Count(&n).Error; err != nil {
		return "", err
	}
	if n > 0 {
		return model.TaskStatusMarked, nil
	}
	return model.TaskStatusNew, nil
}

// Cancel stops an active task, restarts a finished one and rolls any other
// task back to NEW.
func (s *Service) Cancel(ctx context.Context, taskID int) (*model.Task, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case task.Status.IsActive():
		res, err := s.Stop(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return res.Task, nil
	case task.Status.IsTerminal():
		return s.Restart(ctx, taskID)
	}

	err = s.machine.Do(ctx, func(tx *Tx) error {
		if task, err = tx.Load(taskID); err != nil {
			return err
		}
		return tx.Rollback(task, model.TaskStatusNew, fmt.Sprintf("cancelled from %s", task.Status))
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) load(ctx context.Context, id int) (*model.Task, error) {
	var t model.Task
	err := s.machine.db.WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get returns the task with its images and status history.
func (s *Service) Get(ctx context.Context, id int) (*model.Task, error) {
	var t model.Task
	err := s.machine.db.WithContext(ctx).
		Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB { return db.Order("start_time ASC, id ASC") }).
		Preload("StatusHistory.Logs", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListInput 任务列表查询参数
type ListInput struct {
	Status   model.TaskStatus
	Page     int
	PageSize int
}

// List returns one page of tasks, newest first, and the total count.
func (s *Service) List(ctx context.Context, in ListInput) ([]model.Task, int64, error) {
	if in.Page < 1 {
		in.Page = 1
	}
	if in.PageSize < 1 || in.PageSize > 100 {
		in.PageSize = 20
	}
	q := s.machine.db.WithContext(ctx).Model(&model.Task{})
	if in.Status != "" {
		q = q.Where("status = ?", in.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var tasks []model.Task
	if err := q.Order("id DESC").Offset((in.Page - 1) * in.PageSize).Limit(in.PageSize).Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ExecutionHistory returns the execution records of a task, newest first.
func (s *Service) ExecutionHistory(ctx context.Context, taskID int) ([]model.TaskExecutionHistory, error) {
	if _, err := s.load(ctx, taskID); err != nil {
		return nil, err
	}
	var rows []model.TaskExecutionHistory
	if err := s.machine.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
