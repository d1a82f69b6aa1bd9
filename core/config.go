package core

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvConfigFile    = "TXT2IMG_CONFIG"
	EnvModel         = "TXT2IMG_MODEL"
	EnvRevision      = "TXT2IMG_REVISION"
	EnvHubCache      = "TXT2IMG_HUB_CACHE"
	EnvHubEndpoint   = "HF_ENDPOINT"
	EnvHFToken       = "HF_TOKEN"
	EnvHFTokenLegacy = "HUGGING_FACE_HUB_TOKEN"
	EnvOffloadFolder = "TXT2IMG_OFFLOAD_FOLDER"
	EnvEngine        = "TXT2IMG_ENGINE"
	EnvRemoteURL     = "TXT2IMG_REMOTE_URL"
	EnvRemoteAPIKey  = "TXT2IMG_REMOTE_API_KEY"
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
	EnvRemoteModel   = "TXT2IMG_REMOTE_MODEL"
	EnvCheckpoint    = "TXT2IMG_CHECKPOINT"
	EnvThreads       = "TXT2IMG_THREADS"
	EnvTimeout       = "TXT2IMG_TIMEOUT_SECONDS"
	EnvLogFile       = "TXT2IMG_LOG_FILE"
	EnvHistory       = "TXT2IMG_HISTORY"
	EnvHistoryDB     = "TXT2IMG_HISTORY_DB"
	EnvDevMode       = "DEV_MODE"
)

// Engine names accepted by TXT2IMG_ENGINE.
const (
	EngineNative = "native"
	EngineRemote = "remote"
)

// Defaults.
const (
	DefaultModelID       = "runwayml/stable-diffusion-v1-5"
	DefaultRevision      = "main"
	DefaultHubEndpoint   = "https://huggingface.co"
	DefaultOffloadFolder = "offload"
	DefaultRemoteModel   = "stable-diffusion"
	DefaultTimeout       = 10 * time.Minute
	DefaultLogFileName   = "txt2img.log"
	DefaultHistoryDBName = "history.db"
)

// Config holds all configuration values.
type Config struct {
	// Model repository
	ModelID     string
	Revision    string
	HubCacheDir string // empty means the hub default (HF_HUB_CACHE, HF_HOME/hub, ~/.cache/huggingface/hub)
	HubEndpoint string
	HFToken     string

	// Loading
	OffloadFolder string

	// Inference engine
	Engine         string // "native" or "remote"
	CheckpointPath string // single-file checkpoint for the native engine, optional
	Threads        int    // 0 selects the engine default
	RemoteURL      string
	RemoteAPIKey   string
	RemoteModel    string
	Timeout        time.Duration

	// Ambient
	DevMode        bool
	LogFile        string
	HistoryEnabled bool
	HistoryDBPath  string
}

// fileConfig mirrors Config for the optional YAML overlay. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	Model         string `yaml:"model"`
	Revision      string `yaml:"revision"`
	HubCache      string `yaml:"hub_cache"`
	HubEndpoint   string `yaml:"hub_endpoint"`
	OffloadFolder string `yaml:"offload_folder"`
	Engine        string `yaml:"engine"`
	Checkpoint    string `yaml:"checkpoint"`
	Threads       *int   `yaml:"threads"`
	Remote        struct {
		URL   string `yaml:"url"`
		Model string `yaml:"model"`
	} `yaml:"remote"`
	TimeoutSeconds *int   `yaml:"timeout_seconds"`
	LogFile        string `yaml:"log_file"`
	History        *bool  `yaml:"history"`
	HistoryDB      string `yaml:"history_db"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ModelID:        DefaultModelID,
		Revision:       DefaultRevision,
		HubEndpoint:    DefaultHubEndpoint,
		OffloadFolder:  DefaultOffloadFolder,
		Engine:         EngineNative,
		RemoteModel:    DefaultRemoteModel,
		Timeout:        DefaultTimeout,
		LogFile:        GetDataFilePath(DefaultLogFileName),
		HistoryEnabled: true,
		HistoryDBPath:  GetDataFilePath(DefaultHistoryDBName),
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file named
// by TXT2IMG_CONFIG (if any), then environment variables. Later sources win.
// Secrets are read from the environment only.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile overlays settings from a YAML file.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrConfigFileInvalid(path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return ErrConfigFileInvalid(path, err)
	}

	setString(&c.ModelID, fc.Model)
	setString(&c.Revision, fc.Revision)
	setString(&c.HubCacheDir, fc.HubCache)
	setString(&c.HubEndpoint, fc.HubEndpoint)
	setString(&c.OffloadFolder, fc.OffloadFolder)
	setString(&c.Engine, fc.Engine)
	setString(&c.CheckpointPath, fc.Checkpoint)
	setString(&c.RemoteURL, fc.Remote.URL)
	setString(&c.RemoteModel, fc.Remote.Model)
	setString(&c.LogFile, fc.LogFile)
	setString(&c.HistoryDBPath, fc.HistoryDB)
	if fc.Threads != nil {
		c.Threads = *fc.Threads
	}
	if fc.TimeoutSeconds != nil {
		c.Timeout = time.Duration(*fc.TimeoutSeconds) * time.Second
	}
	if fc.History != nil {
		c.HistoryEnabled = *fc.History
	}
	return nil
}

// ApplyEnv overlays settings from environment variables.
func (c *Config) ApplyEnv() {
	c.ModelID = GetEnvOrDefault(EnvModel, c.ModelID)
	c.Revision = GetEnvOrDefault(EnvRevision, c.Revision)
	c.HubCacheDir = GetEnvOrDefault(EnvHubCache, c.HubCacheDir)
	c.HubEndpoint = GetEnvOrDefault(EnvHubEndpoint, c.HubEndpoint)
	c.HFToken = FirstEnv(EnvHFToken, EnvHFTokenLegacy)
	c.OffloadFolder = GetEnvOrDefault(EnvOffloadFolder, c.OffloadFolder)
	c.Engine = strings.ToLower(GetEnvOrDefault(EnvEngine, c.Engine))
	c.CheckpointPath = GetEnvOrDefault(EnvCheckpoint, c.CheckpointPath)
	c.Threads = ParseIntEnv(EnvThreads, c.Threads)
	c.RemoteURL = GetEnvOrDefault(EnvRemoteURL, c.RemoteURL)
	c.RemoteAPIKey = FirstEnv(EnvRemoteAPIKey, EnvOpenAIAPIKey)
	c.RemoteModel = GetEnvOrDefault(EnvRemoteModel, c.RemoteModel)
	c.Timeout = ParseDurationEnv(EnvTimeout, int(c.Timeout/time.Second))
	c.DevMode = ParseBoolEnv(EnvDevMode, c.DevMode)
	c.LogFile = GetEnvOrDefault(EnvLogFile, c.LogFile)
	c.HistoryEnabled = ParseBoolEnv(EnvHistory, c.HistoryEnabled)
	c.HistoryDBPath = GetEnvOrDefault(EnvHistoryDB, c.HistoryDBPath)
}

// Validate checks the configuration for values that would fail later.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelID) == "" {
		return ErrMissingConfig(EnvModel)
	}
	if strings.Count(c.ModelID, "/") > 1 {
		return ErrInvalidValue(EnvModel, c.ModelID, "expected <org>/<name>")
	}
	if err := validateHTTPURL(EnvHubEndpoint, c.HubEndpoint); err != nil {
		return err
	}
	switch c.Engine {
	case EngineNative:
	case EngineRemote:
		if c.RemoteURL == "" {
			return ErrMissingConfig(EnvRemoteURL)
		}
		if err := validateHTTPURL(EnvRemoteURL, c.RemoteURL); err != nil {
			return err
		}
	default:
		return ErrInvalidEngine(c.Engine)
	}
	if c.Threads < 0 {
		return ErrInvalidValue(EnvThreads, c.Threads, "must be zero or positive")
	}
	if c.Timeout <= 0 {
		return ErrInvalidValue(EnvTimeout, int(c.Timeout/time.Second), "must be positive")
	}
	if c.OffloadFolder == "" {
		return ErrMissingConfig(EnvOffloadFolder)
	}
	return nil
}

// Summary returns a one-line description without secrets.
func (c *Config) Summary() string {
	return fmt.Sprintf("model=%s@%s engine=%s offload=%s history=%t",
		c.ModelID, c.Revision, c.Engine, c.OffloadFolder, c.HistoryEnabled)
}

func validateHTTPURL(varName, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL(varName, raw, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL(varName, raw, "scheme must be http or https")
	}
	if u.Host == "" {
		return ErrInvalidURL(varName, raw, "missing host")
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
