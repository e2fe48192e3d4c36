// Package asset tracks compute asset capacity and reachability.
package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"lora_pipeline/internal/model"
)

// 每个资产的并发上限
const (
	MarkingCapacity  = 10
	TrainingCapacity = 1
)

var (
	ErrCapacityExhausted = errors.New("asset capacity exhausted")
	ErrAlreadyAssigned   = errors.New("task already assigned for stage")
	ErrAssetNotFound     = errors.New("asset not found")
)

// Capacity returns the concurrent job limit of one asset for stage.
func Capacity(stage model.Stage) int {
	if stage == model.StageTraining {
		return TrainingCapacity
	}
	return MarkingCapacity
}

// queuedStatus is the task status in which a stage waits for an asset.
func queuedStatus(stage model.Stage) model.TaskStatus {
	if stage == model.StageTraining {
		return model.TaskStatusTraining
	}
	return model.TaskStatusSubmitted
}

// Tracker 资产资源跟踪
type Tracker struct {
	db       *gorm.DB
	verifier *Verifier
	log      *logrus.Entry
}

// NewTracker creates a tracker. verifier may be nil to skip reachability checks.
func NewTracker(db *gorm.DB, verifier *Verifier, log *logrus.Entry) *Tracker {
	return &Tracker{
		db:       db,
		verifier: verifier,
		log:      log.WithField("component", "asset-tracker"),
	}
}

// ListAvailable returns enabled assets whose stage capability is enabled and
// verified and which still have capacity, in id order.
func (t *Tracker) ListAvailable(ctx context.Context, stage model.Stage) ([]model.Asset, error) {
	var assets []model.Asset
	if err := t.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id ASC").
		Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	candidates := assets[:0]
	for _, a := range assets {
		if a.CapabilityFor(stage).Enabled {
			candidates = append(candidates, a)
		}
	}

	if t.verifier != nil {
		t.verifier.VerifyAll(ctx, candidates, stage)
	}

	limit := Capacity(stage)
	var available []model.Asset
	for _, a := range candidates {
		if a.CapabilityFor(stage).Verified && a.TasksCount(stage) < limit {
			available = append(available, a)
		}
	}
	return available, nil
}

// Reserve takes one slot of assetID for the task. The counter increment and
// the task's asset reference commit together or not at all.
func (t *Tracker) Reserve(ctx context.Context, taskID, assetID int, stage model.Stage) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return ReserveTx(tx, taskID, assetID, stage)
	})
}

// ReserveTx is Reserve inside an existing transaction.
func ReserveTx(tx *gorm.DB, taskID, assetID int, stage model.Stage) error {
	countCol := model.CountColumn(stage)
	res := tx.Model(&model.Asset{}).
		Where("id = ? AND enabled = ? AND "+countCol+" < ?", assetID, true, Capacity(stage)).
		UpdateColumn(countCol, gorm.Expr(countCol+" + 1"))
	if res.Error != nil {
		return fmt.Errorf("increment %s: %w", countCol, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := tx.Model(&model.Asset{}).Where("id = ?", assetID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrAssetNotFound
		}
		return ErrCapacityExhausted
	}

	assetCol := model.AssetColumn(stage)
	res = tx.Model(&model.Task{}).
		Where("id = ? AND status = ? AND "+assetCol+" IS NULL", taskID, queuedStatus(stage)).
		UpdateColumn(assetCol, assetID)
	if res.Error != nil {
		return fmt.Errorf("assign %s: %w", assetCol, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyAssigned
	}
	return nil
}

// Release gives back the slot the task holds for stage. It is a no-op when the
// task holds none, so a second release never decrements twice.
func Release(tx *gorm.DB, task *model.Task, stage model.Stage) (bool, error) {
	held := task.AssetID(stage)
	if held == nil {
		return false, nil
	}
	assetID := *held

	assetCol := model.AssetColumn(stage)
	res := tx.Model(&model.Task{}).
		Where("id = ? AND "+assetCol+" = ?", task.ID, assetID).
		UpdateColumn(assetCol, nil)
	if res.Error != nil {
		return false, fmt.Errorf("clear %s: %w", assetCol, res.Error)
	}
	clearAssetID(task, stage)
	if res.RowsAffected == 0 {
		return false, nil
	}

	countCol := model.CountColumn(stage)
	if err := tx.Model(&model.Asset{}).
		Where("id = ?", assetID).
		UpdateColumn(countCol, gorm.Expr("CASE WHEN "+countCol+" > 0 THEN "+countCol+" - 1 ELSE 0 END")).Error; err != nil {
		return false, fmt.Errorf("decrement %s: %w", countCol, err)
	}
	return true, nil
}

func clearAssetID(task *model.Task, stage model.Stage) {
	if stage == model.StageTraining {
		task.TrainingAssetID = nil
	} else {
		task.MarkingAssetID = nil
	}
}

// Get loads one asset.
func (t *Tracker) Get(ctx context.Context, id int) (*model.Asset, error) {
	var a model.Asset
	if err := t.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return &a, nil
}
