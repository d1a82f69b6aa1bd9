package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearConfigEnv unsets every variable LoadConfig reads so host settings
// do not leak into tests.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigFile, EnvModel, EnvRevision, EnvHubCache, EnvHubEndpoint,
		EnvHFToken, EnvHFTokenLegacy, EnvOffloadFolder, EnvEngine, EnvRemoteURL,
		EnvRemoteAPIKey, EnvOpenAIAPIKey, EnvRemoteModel, EnvCheckpoint,
		EnvThreads, EnvTimeout, EnvLogFile, EnvHistory, EnvHistoryDB, EnvDevMode,
	} {
		t.Setenv(key, "")
	}
	t.Setenv(EnvDataDir, t.TempDir())
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ModelID != "runwayml/stable-diffusion-v1-5" {
		t.Errorf("ModelID = %q", cfg.ModelID)
	}
	if cfg.OffloadFolder != "offload" {
		t.Errorf("OffloadFolder = %q, want offload", cfg.OffloadFolder)
	}
	if cfg.Engine != EngineNative {
		t.Errorf("Engine = %q, want native", cfg.Engine)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if !cfg.HistoryEnabled {
		t.Error("history should be enabled by default")
	}
	if filepath.Base(cfg.HistoryDBPath) != DefaultHistoryDBName {
		t.Errorf("HistoryDBPath = %q", cfg.HistoryDBPath)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "txt2img.yaml")
	yamlData := `
model: org/other-model
offload_folder: /tmp/offload
engine: remote
threads: 4
timeout_seconds: 30
history: false
remote:
  url: http://localhost:8080/v1
  model: sd-1.5
`
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvThreads, "8")
	t.Setenv(EnvOpenAIAPIKey, "sk-fallback")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ModelID != "org/other-model" {
		t.Errorf("ModelID = %q", cfg.ModelID)
	}
	if cfg.Threads != 8 {
		t.Errorf("Threads = %d, env should win over file", cfg.Threads)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.HistoryEnabled {
		t.Error("history should be disabled by file")
	}
	if cfg.RemoteModel != "sd-1.5" || cfg.RemoteURL != "http://localhost:8080/v1" {
		t.Errorf("remote = %q %q", cfg.RemoteURL, cfg.RemoteModel)
	}
	if cfg.RemoteAPIKey != "sk-fallback" {
		t.Errorf("RemoteAPIKey = %q", cfg.RemoteAPIKey)
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("threads: [oops"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)

	_, err := LoadConfig()
	if GetErrorCode(err) != ErrCodeConfigFileInvalid {
		t.Fatalf("err = %v, want %s", err, ErrCodeConfigFileInvalid)
	}
	if ExitCodeFor(err) != ExitCodeConfig {
		t.Errorf("ExitCodeFor = %d, want %d", ExitCodeFor(err), ExitCodeConfig)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty model", func(c *Config) { c.ModelID = " " }, ErrCodeMissingConfig},
		{"nested model", func(c *Config) { c.ModelID = "a/b/c" }, ErrCodeInvalidValue},
		{"bad endpoint", func(c *Config) { c.HubEndpoint = "ftp://hub" }, ErrCodeInvalidURL},
		{"unknown engine", func(c *Config) { c.Engine = "cuda" }, ErrCodeInvalidEngine},
		{"remote without url", func(c *Config) { c.Engine = EngineRemote }, ErrCodeMissingConfig},
		{"remote bad url", func(c *Config) { c.Engine = EngineRemote; c.RemoteURL = "localhost" }, ErrCodeInvalidURL},
		{"negative threads", func(c *Config) { c.Threads = -1 }, ErrCodeInvalidValue},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, ErrCodeInvalidValue},
		{"no offload folder", func(c *Config) { c.OffloadFolder = "" }, ErrCodeMissingConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if got := GetErrorCode(err); got != tt.code {
				t.Errorf("Validate() code = %q (%v), want %q", got, err, tt.code)
			}
		})
	}
}

func TestConfigSummaryOmitsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HFToken = "hf_secret"
	cfg.RemoteAPIKey = "sk-secret"
	s := cfg.Summary()
	for _, secret := range []string{"hf_secret", "sk-secret"} {
		if strings.Contains(s, secret) {
			t.Errorf("Summary() leaked %q: %s", secret, s)
		}
	}
}
