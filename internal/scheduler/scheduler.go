// Package scheduler assigns queued tasks to assets with free capacity, hands
// them to the stage handlers and resumes interrupted work after a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/execution"
	"lora_pipeline/internal/metrics"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/monitor"
	"lora_pipeline/internal/stageconf"
	"lora_pipeline/internal/taskstate"
)

// stages in scheduling order.
var stages = []model.Stage{model.StageMarking, model.StageTraining}

// queuedStatus is the status in which a stage waits for an asset.
func queuedStatus(stage model.Stage) model.TaskStatus {
	if stage == model.StageTraining {
		return model.TaskStatusTraining
	}
	return model.TaskStatusSubmitted
}

// Config holds the scheduler collaborators.
type Config struct {
	DB           *gorm.DB
	Machine      *taskstate.Machine
	Tracker      *asset.Tracker
	Handlers     []execution.Handler
	Monitor      *monitor.Pool
	Training     stageconf.TrainingParams
	Interval     time.Duration
	ErrorBackoff time.Duration
	Metrics      *metrics.Metrics
	Logger       *logrus.Entry
}

// Scheduler 任务调度器
type Scheduler struct {
	db           *gorm.DB
	machine      *taskstate.Machine
	tracker      *asset.Tracker
	handlers     map[model.Stage]execution.Handler
	monitor      *monitor.Pool
	training     stageconf.TrainingParams
	interval     time.Duration
	errorBackoff time.Duration
	metrics      *metrics.Metrics
	logger       *logrus.Entry

	// tickMu serializes ticks
	tickMu sync.Mutex
	guard  *guard

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler.
func New(cfg *Config) *Scheduler {
	s := &Scheduler{
		db:           cfg.DB,
		machine:      cfg.Machine,
		tracker:      cfg.Tracker,
		handlers:     make(map[model.Stage]execution.Handler, len(cfg.Handlers)),
		monitor:      cfg.Monitor,
		training:     cfg.Training,
		interval:     cfg.Interval,
		errorBackoff: cfg.ErrorBackoff,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.WithField("component", "scheduler"),
		guard:        newGuard(),
	}
	if s.interval <= 0 {
		s.interval = 10 * time.Second
	}
	if s.errorBackoff <= 0 {
		s.errorBackoff = 30 * time.Second
	}
	for _, h := range cfg.Handlers {
		s.handlers[h.Stage()] = h
	}
	return s
}

// Init recovers interrupted tasks and starts the loop.
func (s *Scheduler) Init(ctx context.Context) error {
	report, err := s.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"resumed":   report.Resumed,
		"requeued":  report.Requeued,
		"completed": report.Completed,
		"released":  report.Released,
	}).Info("Recovery finished")
	s.Start()
	return nil
}

// Start runs ticks in the background until Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.WithField("interval", s.interval).Info("Starting scheduler...")

	go func(done chan struct{}) {
		defer close(done)
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				next := s.interval
				if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
					s.logger.WithError(err).Error("Scheduler tick failed")
					next = s.errorBackoff
				}
				timer.Reset(next)
			case <-ctx.Done():
				s.logger.Info("Stopping scheduler...")
				return
			}
		}
	}(s.done)
}

// Stop stops the loop and waits for the current tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// RunOnce performs one scheduling pass over both stages.
func (s *Scheduler) RunOnce(ctx context.Context) (err error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer func() { s.metrics.Tick(err) }()

	for _, stage := range stages {
		if err := s.scheduleStage(ctx, stage); err != nil {
			return fmt.Errorf("schedule %s: %w", stage, err)
		}
	}
	return nil
}

func (s *Scheduler) scheduleStage(ctx context.Context, stage model.Stage) error {
	h, ok := s.handlers[stage]
	if !ok {
		return nil
	}
	var tasks []model.Task
	if err := s.db.WithContext(ctx).
		Where("status = ? AND "+model.AssetColumn(stage)+" IS NULL", queuedStatus(stage)).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error; err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}
	if len(tasks) == 0 {
		s.metrics.SetWaiting(string(stage), 0)
		return nil
	}

	assets, err := s.tracker.ListAvailable(ctx, stage)
	if err != nil {
		return err
	}

	waiting := 0
	for i := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task := &tasks[i]
		if !s.guard.acquire(stage, task.ID) {
			continue
		}
		if !s.process(ctx, h, task, assets) {
			waiting++
		}
	}
	s.metrics.SetWaiting(string(stage), waiting)
	return nil
}

// process tries to place one task. It reports false when the task has to
// keep waiting for capacity.
func (s *Scheduler) process(ctx context.Context, h execution.Handler, task *model.Task, assets []model.Asset) (placed bool) {
	stage := h.Stage()
	log := s.logger.WithFields(logrus.Fields{"task_id": task.ID, "stage": stage})
	defer s.guard.release(stage, task.ID)
	defer func() {
		if r := recover(); r != nil {
			err := execution.Recovered(r)
			log.WithError(err).Error("Panic while scheduling task")
			s.metrics.Assignment(string(stage), "failed")
			s.fail(ctx, task.ID, err)
			placed = true
		}
	}()

	a, err := s.reserve(ctx, task, stage, assets)
	if errors.Is(err, asset.ErrAlreadyAssigned) {
		log.Debug("Task already assigned")
		return true
	}
	if err != nil {
		log.WithError(err).Warn("Failed to reserve asset")
		return true
	}
	if a == nil {
		s.noteWaiting(ctx, task, stage)
		return false
	}
	log = log.WithField("asset_id", a.ID)

	jobID, err := h.Submit(ctx, task, a)
	if errors.Is(err, execution.ErrSuperseded) {
		log.WithError(err).Info("Task changed during submission")
		return true
	}
	if err != nil {
		s.metrics.Assignment(string(stage), "failed")
		log.WithError(err).Warn("Submission failed")
		s.failSubmission(ctx, task.ID, stage, a.ID, err)
		return true
	}
	s.metrics.Assignment(string(stage), "assigned")
	if jobID != "" && s.monitor != nil {
		if !s.monitor.Watch(monitor.Job{Stage: stage, TaskID: task.ID, AssetID: a.ID, JobID: jobID}) {
			// 监控池已停止时由下次启动的恢复流程接管
			log.WithField("job_id", jobID).Warn("Monitor did not take the job")
		}
	}
	return true
}

// reserve takes a slot on the first asset that still has one. A nil asset
// means every candidate is full.
func (s *Scheduler) reserve(ctx context.Context, task *model.Task, stage model.Stage, assets []model.Asset) (*model.Asset, error) {
	limit := asset.Capacity(stage)
	for i := range assets {
		a := &assets[i]
		if a.TasksCount(stage) >= limit {
			continue
		}
		err := s.tracker.Reserve(ctx, task.ID, a.ID, stage)
		if errors.Is(err, asset.ErrCapacityExhausted) || errors.Is(err, asset.ErrAssetNotFound) {
			setCount(a, stage, limit)
			continue
		}
		if err != nil {
			return nil, err
		}
		setCount(a, stage, a.TasksCount(stage)+1)
		if stage == model.StageTraining {
			task.TrainingAssetID = &a.ID
		} else {
			task.MarkingAssetID = &a.ID
		}
		return a, nil
	}
	return nil, nil
}

func setCount(a *model.Asset, stage model.Stage, n int) {
	if stage == model.StageTraining {
		a.TrainingTasksCount = n
	} else {
		a.MarkingTasksCount = n
	}
}

func (s *Scheduler) noteWaiting(ctx context.Context, task *model.Task, stage model.Stage) {
	msg := fmt.Sprintf("waiting for an available %s asset", stage)
	err := s.machine.Do(ctx, func(tx *taskstate.Tx) error {
		_, err := tx.AddLogOnce(task, msg)
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to write waiting log")
	}
}

// failSubmission makes sure a task whose submission failed ends in ERROR
// without its slot. Handlers normally do this themselves, so a task already in
// ERROR only has its slots released and a task that moved on is left alone.
func (s *Scheduler) failSubmission(ctx context.Context, taskID int, stage model.Stage, assetID int, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := s.machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := tx.Load(taskID)
		if err != nil {
			return err
		}
		if t.Status == model.TaskStatusError {
			return tx.ReleaseAll(t)
		}
		held := t.AssetID(stage)
		if held == nil || *held != assetID {
			return nil
		}
		detail := &model.ErrorDetail{Message: cause.Error(), Type: fmt.Sprintf("%T", cause), Origin: "scheduler"}
		return tx.Fail(t, fmt.Sprintf("%s submission failed: %s", stage, cause), detail)
	})
	if err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to record submission failure")
	}
}

// fail forces the task to ERROR and releases whatever it holds.
func (s *Scheduler) fail(ctx context.Context, taskID int, cause error) {
	detail := &model.ErrorDetail{Message: cause.Error(), Type: fmt.Sprintf("%T", cause), Origin: "scheduler"}
	var pe *execution.PanicError
	if errors.As(cause, &pe) {
		detail.Type = "panic"
		detail.Traceback = pe.Stack
	}
	err := s.machine.Do(ctx, func(tx *taskstate.Tx) error {
		t, err := tx.Load(taskID)
		if err != nil {
			return err
		}
		return tx.Fail(t, "scheduling failed: "+cause.Error(), detail)
	})
	if err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to record scheduling failure")
	}
}
