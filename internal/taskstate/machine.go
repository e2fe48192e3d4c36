// Package taskstate owns the task lifecycle: status transitions with their
// audit trail, rollback, and the operations exposed to the API.
package taskstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/events"
	"lora_pipeline/internal/model"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidState      = errors.New("operation not allowed in current task state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoImages          = errors.New("task has no images")
	ErrInvalidConfig     = errors.New("invalid task configuration")
)

// recentLogWindow is how many trailing log lines AddLogOnce compares against.
const recentLogWindow = 5

// Machine runs task mutations in transactions and publishes the resulting
// status changes once they are committed.
type Machine struct {
	db  *gorm.DB
	pub events.Publisher
	log *logrus.Entry
	now func() time.Time
}

// NewMachine creates a state machine. pub may be nil.
func NewMachine(db *gorm.DB, pub events.Publisher, log *logrus.Entry) *Machine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Machine{
		db:  db,
		pub: pub,
		log: log.WithField("component", "taskstate"),
		now: time.Now,
	}
}

// DB returns the underlying database handle.
func (m *Machine) DB() *gorm.DB {
	return m.db
}

// Do runs fn in one transaction. Nothing fn did persists if it returns an error.
func (m *Machine) Do(ctx context.Context, fn func(tx *Tx) error) error {
	var t *Tx
	err := m.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		t = &Tx{DB: gtx, m: m}
		return fn(t)
	})
	if err != nil {
		return err
	}
	for _, ev := range t.events {
		if err := m.pub.Publish(ctx, ev); err != nil {
			m.log.WithError(err).WithField("task_id", ev.TaskID).Warn("Failed to publish status change")
		}
	}
	return nil
}

// Tx is a task mutation scope bound to one database transaction.
type Tx struct {
	DB     *gorm.DB
	m      *Machine
	events []events.StatusChange
}

// Load reads a task for update.
func (tx *Tx) Load(id int) (*model.Task, error) {
	var t model.Task
	err := tx.DB.Clauses(clause.Locking{Strength: "UPDATE"}).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %d: %w", id, err)
	}
	return &t, nil
}

// UpdateStatus moves the task to status: it closes the open history interval,
// opens a new one with a log line, and maintains the timestamps and job handle.
// An empty msg logs the transition itself.
func (tx *Tx) UpdateStatus(task *model.Task, to model.TaskStatus, msg string) error {
	from := task.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := tx.m.now()

	if err := tx.DB.Model(&model.TaskStatusHistory{}).
		Where("task_id = ? AND end_time IS NULL", task.ID).
		UpdateColumn("end_time", now).Error; err != nil {
		return fmt.Errorf("close status interval: %w", err)
	}

	h := model.TaskStatusHistory{TaskID: task.ID, Status: to, StartTime: now}
	if err := tx.DB.Create(&h).Error; err != nil {
		return fmt.Errorf("open status interval: %w", err)
	}
	if msg == "" {
		msg = fmt.Sprintf("status changed from %s to %s", from, to)
	}
	if err := tx.DB.Create(&model.TaskStatusLog{HistoryID: h.ID, Message: msg, CreatedAt: now}).Error; err != nil {
		return fmt.Errorf("write status log: %w", err)
	}

	updates := map[string]interface{}{"status": to}
	task.Status = to
	if to.IsActive() && task.StartedAt == nil {
		updates["started_at"] = now
		task.StartedAt = &now
	}
	switch to {
	case model.TaskStatusMarked, model.TaskStatusCompleted, model.TaskStatusError:
		updates["completed_at"] = now
		task.CompletedAt = &now
		// the remote job, if any, is finished with
		updates["prompt_id"] = nil
		task.PromptID = nil
	}
	if err := tx.DB.Model(&model.Task{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	tx.events = append(tx.events, events.StatusChange{
		TaskID:  task.ID,
		From:    string(from),
		To:      string(to),
		Message: msg,
		At:      now,
	})
	tx.m.log.WithFields(logrus.Fields{"task_id": task.ID, "from": from, "to": to}).Info(msg)
	return nil
}

// openInterval returns the open history row of the task, creating one for
// the current status when there is none.
func (tx *Tx) openInterval(task *model.Task) (*model.TaskStatusHistory, error) {
	var h model.TaskStatusHistory
	err := tx.DB.Where("task_id = ? AND end_time IS NULL", task.ID).Order("id DESC").First(&h).Error
	if err == nil {
		return &h, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	h = model.TaskStatusHistory{TaskID: task.ID, Status: task.Status, StartTime: tx.m.now()}
	if err := tx.DB.Create(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

// AddLog appends a log line to the current status interval.
func (tx *Tx) AddLog(task *model.Task, msg string) error {
	h, err := tx.openInterval(task)
	if err != nil {
		return fmt.Errorf("find status interval: %w", err)
	}
	if err := tx.DB.Create(&model.TaskStatusLog{HistoryID: h.ID, Message: msg, CreatedAt: tx.m.now()}).Error; err != nil {
		return fmt.Errorf("write status log: %w", err)
	}
	return nil
}

// AddLogOnce appends msg unless it is among the latest lines of the current
// interval. It reports whether a line was written.
func (tx *Tx) AddLogOnce(task *model.Task, msg string) (bool, error) {
	h, err := tx.openInterval(task)
	if err != nil {
		return false, fmt.Errorf("find status interval: %w", err)
	}
	var recent []string
	if err := tx.DB.Model(&model.TaskStatusLog{}).
		Where("history_id = ?", h.ID).
		Order("id DESC").
		Limit(recentLogWindow).
		Pluck("message", &recent).Error; err != nil {
		return false, err
	}
	for _, m := range recent {
		if m == msg {
			return false, nil
		}
	}
	if err := tx.DB.Create(&model.TaskStatusLog{HistoryID: h.ID, Message: msg, CreatedAt: tx.m.now()}).Error; err != nil {
		return false, fmt.Errorf("write status log: %w", err)
	}
	return true, nil
}

// SetProgress stores the progress percentage.
func (tx *Tx) SetProgress(task *model.Task, progress int) error {
	task.Progress = progress
	return tx.DB.Model(&model.Task{}).Where("id = ?", task.ID).UpdateColumn("progress", progress).Error
}

// SetPromptID stores the remote job handle.
func (tx *Tx) SetPromptID(task *model.Task, id *string) error {
	task.PromptID = id
	return tx.DB.Model(&model.Task{}).Where("id = ?", task.ID).UpdateColumn("prompt_id", id).Error
}

// Release gives back the asset slot the task holds for stage.
func (tx *Tx) Release(task *model.Task, stage model.Stage) error {
	released, err := asset.Release(tx.DB, task, stage)
	if err != nil {
		return err
	}
	if released {
		tx.m.log.WithFields(logrus.Fields{"task_id": task.ID, "stage": stage}).Debug("Released asset slot")
	}
	return nil
}

// ReleaseAll gives back every asset slot the task holds.
func (tx *Tx) ReleaseAll(task *model.Task) error {
	if err := tx.Release(task, model.StageMarking); err != nil {
		return err
	}
	return tx.Release(task, model.StageTraining)
}

// Fail moves the task to ERROR, logs the structured detail, releases every
// held asset slot and closes the running execution record. A task already in
// ERROR only gets the log lines.
func (tx *Tx) Fail(task *model.Task, msg string, detail *model.ErrorDetail) error {
	if task.Status != model.TaskStatusError {
		if err := tx.UpdateStatus(task, model.TaskStatusError, msg); err != nil {
			return err
		}
	} else if err := tx.AddLog(task, msg); err != nil {
		return err
	}
	if detail != nil {
		b, _ := json.MarshalIndent(detail, "", "  ")
		if err := tx.AddLog(task, string(b)); err != nil {
			return err
		}
	}
	if err := tx.ReleaseAll(task); err != nil {
		return err
	}
	return tx.FinishExecution(task, model.ExecutionError, msg, func(h *model.TaskExecutionHistory) {
		if detail != nil {
			h.ErrorDetail = datatypes.NewJSONType(detail)
		}
	})
}

// FinishExecution closes the task's current execution record if it is still
// running. mutate may fill in result columns before it is saved.
func (tx *Tx) FinishExecution(task *model.Task, status model.ExecutionStatus, note string, mutate func(h *model.TaskExecutionHistory)) error {
	if task.ExecutionHistoryID == nil {
		return nil
	}
	var h model.TaskExecutionHistory
	err := tx.DB.First(&h, *task.ExecutionHistoryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution history: %w", err)
	}
	if h.Status != model.ExecutionRunning {
		return nil
	}

	now := tx.m.now()
	h.Status = status
	h.EndTime = &now
	if note != "" {
		h.Description += fmt.Sprintf("\n%s: %s", now.Format("2006-01-02 15:04:05"), note)
	}
	if mutate != nil {
		mutate(&h)
	}
	if err := tx.DB.Save(&h).Error; err != nil {
		return fmt.Errorf("save execution history: %w", err)
	}
	return nil
}
