package config

import (
	"fmt"
	"os"
	"strconv"

	"lora_pipeline/internal/stageconf"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL     MySQLConfig
	Redis     RedisConfig
	Log       LogConfig
	Migrate   bool
	HTTPAddr  string
	Scheduler SchedulerConfig
	Monitor   MonitorConfig
	SSH       SSHConfig
	Paths     PathsConfig
	Engine    EngineConfig
	Local     LocalAssetConfig

	// Global stage defaults, the lowest layer of the config merge
	Mark     stageconf.MarkParams
	Training stageconf.TrainingParams
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// SchedulerConfig holds scheduler loop configuration
type SchedulerConfig struct {
	Enabled         bool
	IntervalSec     int
	ErrorBackoffSec int
}

// LocalAssetConfig controls the asset registered for this host at startup
type LocalAssetConfig struct {
	Enabled bool
	Name    string
}

// MonitorConfig holds monitor loop configuration
type MonitorConfig struct {
	Workers              int
	MarkPollIntervalSec  int
	TrainPollIntervalSec int
	MarkMaxErrors        int
	TrainMaxErrors       int
	ErrorDelaySec        int
}

// SSHConfig holds connection pool configuration
type SSHConfig struct {
	DialTimeoutSec      int
	CommandTimeoutSec   int
	KeepaliveSec        int
	IdleTimeoutSec      int
	SweepIntervalSec    int
	TransferConcurrency int
}

// PathsConfig holds local and remote directory roots
type PathsConfig struct {
	UploadDir  string
	MarkedDir  string
	OutputDir  string
	RemoteRoot string
}

// EngineConfig holds remote engine access configuration
type EngineConfig struct {
	HTTPTimeoutSec        int
	APIKey                string
	SSHDomainSuffix       string
	ContainerDomainFormat string
	DomainProtocol        string
}

// source resolves a setting by env key, falling back to an INI key.
type source struct {
	file *ini.File
}

func (s source) value(envKey, section, key, def string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	if s.file != nil {
		if value := s.file.Section(section).Key(key).String(); value != "" {
			return value
		}
	}
	return def
}

func (s source) intValue(envKey, section, key string, def int) int {
	if value := os.Getenv(envKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	if s.file != nil && s.file.Section(section).HasKey(key) {
		if value, err := s.file.Section(section).Key(key).Int(); err == nil {
			return value
		}
	}
	return def
}

func (s source) floatValue(envKey, section, key string, def float64) float64 {
	if value := os.Getenv(envKey); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	if s.file != nil && s.file.Section(section).HasKey(key) {
		if value, err := s.file.Section(section).Key(key).Float64(); err == nil {
			return value
		}
	}
	return def
}

func (s source) boolValue(envKey, section, key string, def bool) bool {
	if value := os.Getenv(envKey); value != "" {
		return value == "1" || value == "true"
	}
	if s.file != nil && s.file.Section(section).HasKey(key) {
		if value, err := s.file.Section(section).Key(key).Bool(); err == nil {
			return value
		}
	}
	return def
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()
	return build(source{})
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	_ = godotenv.Load()

	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}
	return build(source{file: cfgFile})
}

func build(s source) (*Config, error) {
	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: s.value("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Enabled:  s.boolValue("REDIS_ENABLED", "redis", "enabled", false),
			Addr:     s.value("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: s.value("REDIS_PASS", "redis", "pass", ""),
			DB:       s.intValue("REDIS_DB", "redis", "db", 0),
			Channel:  s.value("REDIS_EVENT_CHANNEL", "redis", "event_channel", "lora:task:events"),
		},
		Log: LogConfig{
			Level:  s.value("LOG_LEVEL", "log", "level", "info"),
			Format: s.value("LOG_FORMAT", "log", "format", "text"),
		},
		Migrate:  s.boolValue("MIGRATE", "app", "migrate", false),
		HTTPAddr: s.value("HTTP_ADDR", "http", "addr", ":8080"),
		Scheduler: SchedulerConfig{
			Enabled:         s.boolValue("SCHEDULER_ENABLED", "scheduler", "enabled", true),
			IntervalSec:     s.intValue("SCHEDULER_INTERVAL_SEC", "scheduler", "interval_sec", 10),
			ErrorBackoffSec: s.intValue("SCHEDULER_ERROR_BACKOFF_SEC", "scheduler", "error_backoff_sec", 30),
		},
		Monitor: MonitorConfig{
			Workers:              s.intValue("MONITOR_WORKERS", "monitor", "workers", 5),
			MarkPollIntervalSec:  s.intValue("MARK_POLL_INTERVAL_SEC", "monitor", "mark_poll_interval_sec", 5),
			TrainPollIntervalSec: s.intValue("TRAIN_POLL_INTERVAL_SEC", "monitor", "train_poll_interval_sec", 30),
			MarkMaxErrors:        s.intValue("MARK_MAX_ERRORS", "monitor", "mark_max_errors", 3),
			TrainMaxErrors:       s.intValue("TRAIN_MAX_ERRORS", "monitor", "train_max_errors", 10),
			ErrorDelaySec:        s.intValue("MONITOR_ERROR_DELAY_SEC", "monitor", "error_delay_sec", 5),
		},
		SSH: SSHConfig{
			DialTimeoutSec:      s.intValue("SSH_DIAL_TIMEOUT_SEC", "ssh", "dial_timeout_sec", 10),
			CommandTimeoutSec:   s.intValue("SSH_COMMAND_TIMEOUT_SEC", "ssh", "command_timeout_sec", 60),
			KeepaliveSec:        s.intValue("SSH_KEEPALIVE_SEC", "ssh", "keepalive_sec", 30),
			IdleTimeoutSec:      s.intValue("SSH_IDLE_TIMEOUT_SEC", "ssh", "idle_timeout_sec", 600),
			SweepIntervalSec:    s.intValue("SSH_SWEEP_INTERVAL_SEC", "ssh", "sweep_interval_sec", 300),
			TransferConcurrency: s.intValue("SSH_TRANSFER_CONCURRENCY", "ssh", "transfer_concurrency", 4),
		},
		Paths: PathsConfig{
			UploadDir:  s.value("UPLOAD_DIR", "paths", "upload_dir", "data/uploads"),
			MarkedDir:  s.value("MARKED_DIR", "paths", "marked_dir", "data/marked"),
			OutputDir:  s.value("OUTPUT_DIR", "paths", "output_dir", "data/output"),
			RemoteRoot: s.value("REMOTE_ROOT", "paths", "remote_root", "/workspace/rlt_lora"),
		},
		Engine: EngineConfig{
			HTTPTimeoutSec:        s.intValue("ENGINE_HTTP_TIMEOUT_SEC", "engine", "http_timeout_sec", 30),
			APIKey:                s.value("ENGINE_API_KEY", "engine", "api_key", ""),
			SSHDomainSuffix:       s.value("SSH_DOMAIN_SUFFIX", "engine", "ssh_domain_suffix", ".ssh.x-gpu.com"),
			ContainerDomainFormat: s.value("CONTAINER_DOMAIN_FORMAT", "engine", "container_domain_format", "%s-%d.container.x-gpu.com"),
			DomainProtocol:        s.value("DOMAIN_PROTOCOL", "engine", "domain_protocol", "https"),
		},
		Local: LocalAssetConfig{
			Enabled: s.boolValue("LOCAL_ASSET_ENABLED", "local_asset", "enabled", true),
			Name:    s.value("LOCAL_ASSET_NAME", "local_asset", "name", "本地系统"),
		},
		Mark:     loadMark(s),
		Training: loadTraining(s),
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.Monitor.Workers <= 0 {
		return nil, fmt.Errorf("MONITOR_WORKERS must be positive, got %d", cfg.Monitor.Workers)
	}

	return cfg, nil
}

func loadMark(s source) stageconf.MarkParams {
	d := stageconf.DefaultMarkParams()
	return stageconf.MarkParams{
		AutoCrop:      s.boolValue("MARK_AUTO_CROP", "mark", "auto_crop", d.AutoCrop),
		Resolution:    s.intValue("MARK_RESOLUTION", "mark", "resolution", d.Resolution),
		CropRatio:     s.value("MARK_CROP_RATIO", "mark", "crop_ratio", d.CropRatio),
		MinConfidence: s.floatValue("MARK_MIN_CONFIDENCE", "mark", "min_confidence", d.MinConfidence),
		MaxTags:       s.intValue("MARK_MAX_TAGS", "mark", "max_tags", d.MaxTags),
		TriggerWords:  s.value("MARK_TRIGGER_WORDS", "mark", "trigger_words", d.TriggerWords),
		Algorithm:     s.value("MARK_ALGORITHM", "mark", "mark_algorithm", d.Algorithm),
	}
}

func loadTraining(s source) stageconf.TrainingParams {
	p := stageconf.DefaultTrainingParams()
	p.ModelTrainType = s.value("TRAIN_MODEL_TYPE", "training", "model_train_type", p.ModelTrainType)
	p.OutputName = s.value("TRAIN_OUTPUT_NAME", "training", "output_name", p.OutputName)
	p.FluxModelPath = s.value("TRAIN_FLUX_MODEL_PATH", "training", "flux_model_path", "")
	p.SDModelPath = s.value("TRAIN_SD_MODEL_PATH", "training", "sd_model_path", "")
	p.SDXLModelPath = s.value("TRAIN_SDXL_MODEL_PATH", "training", "sdxl_model_path", "")
	p.SDVAE = s.value("TRAIN_SD_VAE", "training", "sd_vae", "")
	p.SDXLVAE = s.value("TRAIN_SDXL_VAE", "training", "sdxl_vae", "")
	p.AE = s.value("TRAIN_AE", "training", "ae", "")
	p.ClipL = s.value("TRAIN_CLIP_L", "training", "clip_l", "")
	p.T5XXL = s.value("TRAIN_T5XXL", "training", "t5xxl", "")
	p.RepeatNum = s.intValue("TRAIN_REPEAT_NUM", "training", "repeat_num", p.RepeatNum)
	p.Resolution = s.value("TRAIN_RESOLUTION", "training", "resolution", p.Resolution)
	p.NetworkDim = s.intValue("TRAIN_NETWORK_DIM", "training", "network_dim", p.NetworkDim)
	p.NetworkAlpha = s.floatValue("TRAIN_NETWORK_ALPHA", "training", "network_alpha", p.NetworkAlpha)
	p.LearningRate = s.floatValue("TRAIN_LEARNING_RATE", "training", "learning_rate", p.LearningRate)
	p.MaxTrainEpochs = s.intValue("TRAIN_MAX_EPOCHS", "training", "max_train_epochs", p.MaxTrainEpochs)
	p.TrainBatchSize = s.intValue("TRAIN_BATCH_SIZE", "training", "train_batch_size", p.TrainBatchSize)
	p.SaveEveryNEpochs = s.intValue("TRAIN_SAVE_EVERY_N_EPOCHS", "training", "save_every_n_epochs", p.SaveEveryNEpochs)
	p.GeneratePreview = s.boolValue("TRAIN_GENERATE_PREVIEW", "training", "generate_preview", p.GeneratePreview)
	p.UseImageTags = s.boolValue("TRAIN_USE_IMAGE_TAGS", "training", "use_image_tags", p.UseImageTags)
	p.MaxImageTags = s.intValue("TRAIN_MAX_IMAGE_TAGS", "training", "max_image_tags", p.MaxImageTags)
	p.PositivePrompts = s.value("TRAIN_POSITIVE_PROMPTS", "training", "positive_prompts", p.PositivePrompts)
	p.NetworkModule = p.ExpectedNetworkModule()
	return p
}
