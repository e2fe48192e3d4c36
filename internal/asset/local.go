package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lora_pipeline/internal/model"
)

// 本地引擎默认端口
const (
	LocalMarkPort     = 8188
	LocalTrainingPort = 28000
)

// EnsureLocal returns the asset named name, creating a local asset with both
// stages enabled on their default ports when none exists. An existing asset
// is returned untouched so operator edits survive restarts.
func (t *Tracker) EnsureLocal(ctx context.Context, name string) (*model.Asset, error) {
	var a model.Asset
	err := t.db.WithContext(ctx).Where("name = ?", name).First(&a).Error
	if err == nil {
		t.log.WithFields(logrus.Fields{"asset_id": a.ID, "name": name}).Info("Local asset already registered")
		return &a, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find local asset: %w", err)
	}

	a = model.Asset{
		Name:           name,
		Host:           "127.0.0.1",
		SSHPort:        22,
		SSHAuthType:    model.AuthTypeKey,
		Status:         model.AssetStatusConnected,
		IsLocal:        true,
		PortAccessMode: model.PortAccessDirect,
		Enabled:        true,
		AIEngine: datatypes.NewJSONType(model.MarkCapability{
			Capability: model.Capability{Enabled: true, Port: LocalMarkPort, UseGlobalConfig: true},
		}),
		LoraTraining: datatypes.NewJSONType(model.TrainingCapability{
			Capability: model.Capability{Enabled: true, Port: LocalTrainingPort, UseGlobalConfig: true},
		}),
	}
	if err := t.db.WithContext(ctx).Create(&a).Error; err != nil {
		return nil, fmt.Errorf("create local asset: %w", err)
	}
	t.log.WithFields(logrus.Fields{"asset_id": a.ID, "name": name}).Info("Local asset registered")
	return &a, nil
}
