package stageconf

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Supported model_train_type values.
const (
	ModelFluxLoRA = "flux-lora"
	ModelSDLoRA   = "sd-lora"
	ModelSDXLLoRA = "sdxl-lora"
)

const (
	NetworkModuleFlux = "networks.lora_flux"
	NetworkModuleLoRA = "networks.lora"
)

var (
	ErrUnknownModelType = errors.New("unknown model_train_type")
	ErrModelPathMissing = errors.New("pretrained model path is not configured")
)

// TrainingParams is a fully resolved training configuration.
//
// Fields tagged as business parameters steer this service (data layout,
// preview prompts, model selection) and never reach the training engine as-is.
// Extra carries engine parameters that have no typed field and is passed
// through verbatim.
type TrainingParams struct {
	ModelTrainType string `json:"model_train_type"`
	OutputName     string `json:"output_name"`

	// business parameters
	FluxModelPath   string `json:"flux_model_path"`
	SDModelPath     string `json:"sd_model_path"`
	SDXLModelPath   string `json:"sdxl_model_path"`
	SDVAE           string `json:"sd_vae"`
	SDXLVAE         string `json:"sdxl_vae"`
	RepeatNum       int    `json:"repeat_num"`
	GeneratePreview bool   `json:"generate_preview"`
	UseImageTags    bool   `json:"use_image_tags"`
	MaxImageTags    int    `json:"max_image_tags"`

	AE    string `json:"ae"`
	ClipL string `json:"clip_l"`
	T5XXL string `json:"t5xxl"`

	Resolution       string  `json:"resolution"`
	NetworkModule    string  `json:"network_module"`
	NetworkDim       int     `json:"network_dim"`
	NetworkAlpha     float64 `json:"network_alpha"`
	LearningRate     float64 `json:"learning_rate"`
	UnetLR           float64 `json:"unet_lr"`
	TextEncoderLR    float64 `json:"text_encoder_lr"`
	LRScheduler      string  `json:"lr_scheduler"`
	OptimizerType    string  `json:"optimizer_type"`
	MaxTrainEpochs   int     `json:"max_train_epochs"`
	TrainBatchSize   int     `json:"train_batch_size"`
	SaveEveryNEpochs int     `json:"save_every_n_epochs"`
	MixedPrecision   string  `json:"mixed_precision"`
	Seed             int     `json:"seed"`

	PositivePrompts    string `json:"positive_prompts"`
	NegativePrompts    string `json:"negative_prompts"`
	SampleWidth        int    `json:"sample_width"`
	SampleHeight       int    `json:"sample_height"`
	SampleCFG          int    `json:"sample_cfg"`
	SampleSteps        int    `json:"sample_steps"`
	SampleSeed         int    `json:"sample_seed"`
	SampleSampler      string `json:"sample_sampler"`
	SampleEveryNEpochs int    `json:"sample_every_n_epochs"`

	Extra map[string]any `json:"extra,omitempty"`
}

// TrainingOverrides carries optional per-asset or per-task training settings.
type TrainingOverrides struct {
	ModelTrainType  *string `json:"model_train_type,omitempty"`
	OutputName      *string `json:"output_name,omitempty"`
	FluxModelPath   *string `json:"flux_model_path,omitempty"`
	SDModelPath     *string `json:"sd_model_path,omitempty"`
	SDXLModelPath   *string `json:"sdxl_model_path,omitempty"`
	SDVAE           *string `json:"sd_vae,omitempty"`
	SDXLVAE         *string `json:"sdxl_vae,omitempty"`
	RepeatNum       *int    `json:"repeat_num,omitempty"`
	GeneratePreview *bool   `json:"generate_preview,omitempty"`
	UseImageTags    *bool   `json:"use_image_tags,omitempty"`
	MaxImageTags    *int    `json:"max_image_tags,omitempty"`

	Resolution       *string  `json:"resolution,omitempty"`
	NetworkModule    *string  `json:"network_module,omitempty"`
	NetworkDim       *int     `json:"network_dim,omitempty"`
	NetworkAlpha     *float64 `json:"network_alpha,omitempty"`
	LearningRate     *float64 `json:"learning_rate,omitempty"`
	UnetLR           *float64 `json:"unet_lr,omitempty"`
	TextEncoderLR    *float64 `json:"text_encoder_lr,omitempty"`
	LRScheduler      *string  `json:"lr_scheduler,omitempty"`
	OptimizerType    *string  `json:"optimizer_type,omitempty"`
	MaxTrainEpochs   *int     `json:"max_train_epochs,omitempty"`
	TrainBatchSize   *int     `json:"train_batch_size,omitempty"`
	SaveEveryNEpochs *int     `json:"save_every_n_epochs,omitempty"`
	MixedPrecision   *string  `json:"mixed_precision,omitempty"`
	Seed             *int     `json:"seed,omitempty"`

	PositivePrompts *string `json:"positive_prompts,omitempty"`
	NegativePrompts *string `json:"negative_prompts,omitempty"`
	SampleWidth     *int    `json:"sample_width,omitempty"`
	SampleHeight    *int    `json:"sample_height,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// DefaultTrainingParams returns the built-in training defaults. Model paths
// are left empty and must come from configuration.
func DefaultTrainingParams() TrainingParams {
	return TrainingParams{
		ModelTrainType:     ModelFluxLoRA,
		OutputName:         "lora",
		RepeatNum:          10,
		GeneratePreview:    true,
		UseImageTags:       true,
		MaxImageTags:       1,
		Resolution:         "768,768",
		NetworkModule:      NetworkModuleFlux,
		NetworkDim:         16,
		NetworkAlpha:       8,
		LearningRate:       0.0001,
		UnetLR:             0.0001,
		TextEncoderLR:      0.00001,
		LRScheduler:        "cosine_with_restarts",
		OptimizerType:      "AdamW8bit",
		MaxTrainEpochs:     10,
		TrainBatchSize:     1,
		SaveEveryNEpochs:   2,
		MixedPrecision:     "bf16",
		Seed:               1337,
		PositivePrompts:    "masterpiece, best quality, 1girl, solo",
		NegativePrompts:    "lowres, bad anatomy, bad hands, text, error, missing fingers, cropped, worst quality, low quality, jpeg artifacts, signature, watermark, blurry",
		SampleWidth:        768,
		SampleHeight:       1024,
		SampleCFG:          7,
		SampleSteps:        24,
		SampleSeed:         1337,
		SampleSampler:      "euler",
		SampleEveryNEpochs: 2,
	}
}

// Apply returns p with every non-nil override copied over it. Extra keys are
// merged, override keys winning.
func (p TrainingParams) Apply(o TrainingOverrides) TrainingParams {
	set(&p.ModelTrainType, o.ModelTrainType)
	set(&p.OutputName, o.OutputName)
	set(&p.FluxModelPath, o.FluxModelPath)
	set(&p.SDModelPath, o.SDModelPath)
	set(&p.SDXLModelPath, o.SDXLModelPath)
	set(&p.SDVAE, o.SDVAE)
	set(&p.SDXLVAE, o.SDXLVAE)
	set(&p.RepeatNum, o.RepeatNum)
	set(&p.GeneratePreview, o.GeneratePreview)
	set(&p.UseImageTags, o.UseImageTags)
	set(&p.MaxImageTags, o.MaxImageTags)
	set(&p.Resolution, o.Resolution)
	set(&p.NetworkModule, o.NetworkModule)
	set(&p.NetworkDim, o.NetworkDim)
	set(&p.NetworkAlpha, o.NetworkAlpha)
	set(&p.LearningRate, o.LearningRate)
	set(&p.UnetLR, o.UnetLR)
	set(&p.TextEncoderLR, o.TextEncoderLR)
	set(&p.LRScheduler, o.LRScheduler)
	set(&p.OptimizerType, o.OptimizerType)
	set(&p.MaxTrainEpochs, o.MaxTrainEpochs)
	set(&p.TrainBatchSize, o.TrainBatchSize)
	set(&p.SaveEveryNEpochs, o.SaveEveryNEpochs)
	set(&p.MixedPrecision, o.MixedPrecision)
	set(&p.Seed, o.Seed)
	set(&p.PositivePrompts, o.PositivePrompts)
	set(&p.NegativePrompts, o.NegativePrompts)
	set(&p.SampleWidth, o.SampleWidth)
	set(&p.SampleHeight, o.SampleHeight)

	if len(o.Extra) > 0 {
		merged := make(map[string]any, len(p.Extra)+len(o.Extra))
		maps.Copy(merged, p.Extra)
		maps.Copy(merged, o.Extra)
		p.Extra = merged
	}
	return p
}

// ResolveTraining merges training settings with precedence global < asset < task.
// asset is nil when the asset follows the global configuration; task overrides
// are skipped entirely when the task follows it.
func ResolveTraining(global TrainingParams, asset *TrainingOverrides, task TrainingOverrides, taskUsesGlobal bool) TrainingParams {
	p := global
	if asset != nil {
		p = p.Apply(*asset)
	}
	if !taskUsesGlobal {
		p = p.Apply(task)
	}
	if p.RepeatNum <= 0 {
		p.RepeatNum = 1
	}
	return p
}

// PretrainedModel returns the model path and VAE matching the configured model type.
func (p TrainingParams) PretrainedModel() (model, vae string, err error) {
	switch p.ModelTrainType {
	case ModelFluxLoRA:
		model = p.FluxModelPath
	case ModelSDLoRA:
		model, vae = p.SDModelPath, p.SDVAE
	case ModelSDXLLoRA:
		model, vae = p.SDXLModelPath, p.SDXLVAE
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownModelType, p.ModelTrainType)
	}
	if model == "" {
		return "", "", fmt.Errorf("%w for %s", ErrModelPathMissing, p.ModelTrainType)
	}
	return model, vae, nil
}

// ExpectedNetworkModule returns the network module the engine requires for the model type.
func (p TrainingParams) ExpectedNetworkModule() string {
	if p.ModelTrainType == ModelFluxLoRA {
		return NetworkModuleFlux
	}
	return NetworkModuleLoRA
}

var networkModules = map[bool][]string{
	true:  {NetworkModuleFlux, "networks.oft_flux", "lycoris.kohya"},
	false: {NetworkModuleLoRA, "networks.dylora", "networks.oft", "lycoris.kohya"},
}

// NetworkModuleAllowed reports whether the configured network module can be
// used with the model type.
func (p TrainingParams) NetworkModuleAllowed() bool {
	return slices.Contains(networkModules[p.ModelTrainType == ModelFluxLoRA], p.NetworkModule)
}

// Validate checks that the configuration can be submitted.
func (p TrainingParams) Validate() error {
	if _, _, err := p.PretrainedModel(); err != nil {
		return err
	}
	return nil
}

// TrainingDirs are the engine-side locations for one training run.
type TrainingDirs struct {
	TrainDataDir  string
	OutputDir     string
	SamplePrompts string
}

// EnginePayload converts a resolved configuration into the request body the
// training engine expects. Business parameters are dropped and the pretrained
// model path and VAE are chosen from the model type.
func EnginePayload(p TrainingParams, dirs TrainingDirs) (map[string]any, error) {
	model, vae, err := p.PretrainedModel()
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(p.Extra)+32)
	maps.Copy(payload, p.Extra)

	payload["model_train_type"] = p.ModelTrainType
	payload["pretrained_model_name_or_path"] = model
	if vae != "" {
		payload["vae"] = vae
	}
	if p.ModelTrainType == ModelFluxLoRA {
		for k, v := range map[string]string{"ae": p.AE, "clip_l": p.ClipL, "t5xxl": p.T5XXL} {
			if v != "" {
				payload[k] = v
			}
		}
	}
	payload["train_data_dir"] = dirs.TrainDataDir
	payload["output_dir"] = dirs.OutputDir
	payload["output_name"] = p.OutputName
	payload["resolution"] = p.Resolution
	payload["network_module"] = p.NetworkModule
	payload["network_dim"] = p.NetworkDim
	payload["network_alpha"] = p.NetworkAlpha
	payload["learning_rate"] = p.LearningRate
	payload["unet_lr"] = p.UnetLR
	payload["text_encoder_lr"] = p.TextEncoderLR
	payload["lr_scheduler"] = p.LRScheduler
	payload["optimizer_type"] = p.OptimizerType
	payload["max_train_epochs"] = p.MaxTrainEpochs
	payload["train_batch_size"] = p.TrainBatchSize
	payload["save_every_n_epochs"] = p.SaveEveryNEpochs
	payload["mixed_precision"] = p.MixedPrecision
	payload["seed"] = p.Seed
	payload["save_model_as"] = "safetensors"

	if p.GeneratePreview && dirs.SamplePrompts != "" {
		payload["enable_preview"] = true
		payload["sample_prompts"] = dirs.SamplePrompts
		payload["sample_sampler"] = p.SampleSampler
		payload["sample_every_n_epochs"] = p.SampleEveryNEpochs
	}
	return payload, nil
}
