package asset

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lora_pipeline/internal/config"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/sshpool"
)

// Pinger checks SSH reachability.
type Pinger interface {
	Ping(ctx context.Context, ep sshpool.Endpoint) error
}

// VerifierConfig holds the configuration for the capability verifier
type VerifierConfig struct {
	DB          *gorm.DB
	Pinger      Pinger
	Client      *http.Client
	Engine      config.EngineConfig
	Logger      *logrus.Entry
	Concurrency int
}

// Verifier probes asset connectivity and stage engines and persists the result.
type Verifier struct {
	db          *gorm.DB
	pinger      Pinger
	client      *http.Client
	engine      config.EngineConfig
	logger      *logrus.Entry
	concurrency int
}

// NewVerifier creates a capability verifier
func NewVerifier(cfg *VerifierConfig) *Verifier {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Verifier{
		db:          cfg.DB,
		pinger:      cfg.Pinger,
		client:      client,
		engine:      cfg.Engine,
		logger:      cfg.Logger.WithField("component", "asset-verifier"),
		concurrency: concurrency,
	}
}

// probePath returns the engine endpoint answering when the stage service is up.
func probePath(stage model.Stage) string {
	if stage == model.StageTraining {
		return "/api/tasks"
	}
	return "/api/system_stats"
}

// VerifyAll verifies every asset for stage, updating the slice in place.
func (v *Verifier) VerifyAll(ctx context.Context, assets []model.Asset, stage model.Stage) {
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, v.concurrency)

	for i := range assets {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(a *model.Asset) {
			defer wg.Done()
			defer func() { <-semaphore }()
			v.Verify(ctx, a, stage)
		}(&assets[i])
	}

	wg.Wait()
}

// Verify checks SSH for remote assets and then the stage engine, persisting
// the capability verified flag and asset status. It reports the new flag.
func (v *Verifier) Verify(ctx context.Context, a *model.Asset, stage model.Stage) bool {
	log := v.logger.WithFields(logrus.Fields{"asset_id": a.ID, "stage": stage})

	status := model.AssetStatusConnected
	verified := true
	if !a.IsLocal && v.pinger != nil {
		if err := v.pinger.Ping(ctx, SSHEndpoint(a)); err != nil {
			log.WithError(err).Warn("SSH check failed")
			status = model.AssetStatusConnectionError
			verified = false
		}
	}
	if verified {
		if err := v.probe(ctx, a, stage); err != nil {
			log.WithError(err).Warn("Engine probe failed")
			verified = false
		}
	}

	v.persist(a, stage, status, verified)
	return verified
}

func (v *Verifier) probe(ctx context.Context, a *model.Asset, stage model.Stage) error {
	capability := a.CapabilityFor(stage)
	if capability.Port == 0 {
		return fmt.Errorf("%s port not configured", stage)
	}
	url := ServiceURL(a, capability.Port, v.engine) + probePath(stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, val := range Headers(a, stage, v.engine) {
		req.Header.Set(k, val)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (v *Verifier) persist(a *model.Asset, stage model.Stage, status model.AssetStatus, verified bool) {
	updates := map[string]interface{}{}
	if a.Status != status {
		updates["status"] = status
		a.Status = status
	}

	if stage == model.StageTraining {
		c := a.LoraTraining.Data()
		if c.Verified != verified {
			c.Verified = verified
			a.LoraTraining = datatypes.NewJSONType(c)
			updates["lora_training"] = a.LoraTraining
		}
	} else {
		c := a.AIEngine.Data()
		if c.Verified != verified {
			c.Verified = verified
			a.AIEngine = datatypes.NewJSONType(c)
			updates["ai_engine"] = a.AIEngine
		}
	}

	if len(updates) == 0 || v.db == nil {
		return
	}
	if err := v.db.Model(&model.Asset{}).Where("id = ?", a.ID).UpdateColumns(updates).Error; err != nil {
		v.logger.Errorf("Failed to update asset %d verification: %v", a.ID, err)
	}
}
