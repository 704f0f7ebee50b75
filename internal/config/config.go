package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables. Values come from defaults, then an optional
// config.yaml in the user memory root, then MEMORY_* environment overrides.
type Config struct {
	// ProjectDir is the project-scoped memory root (<project>/.claude/memory).
	ProjectDir string `yaml:"-"`
	// UserDir is the user-scoped memory root, shared across projects.
	UserDir string `yaml:"user_dir"`

	Encoder   EncoderConfig   `yaml:"encoder"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Detection DetectionConfig `yaml:"detection"`

	// StaleEpisodeAge is how long an active episode may sit idle before a new
	// session-start treats it as orphaned.
	StaleEpisodeAge time.Duration `yaml:"stale_episode_age"`
	// RetentionDays bounds the message log and the pending-candidate queue.
	RetentionDays int `yaml:"retention_days"`

	LogLevel string `yaml:"log_level"`
}

// EncoderConfig configures the worker process and its client.
type EncoderConfig struct {
	// ModelPath points at an ONNX sentence-embedding model. Empty selects the
	// deterministic fallback embedder.
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	// StartTimeout bounds the wait for the worker's readiness line.
	StartTimeout time.Duration `yaml:"start_timeout"`
	// RequestTimeout bounds a single encode round-trip once ready.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MonitorConfig configures the session monitor loop.
type MonitorConfig struct {
	// PollInterval is the watch-loop tick.
	PollInterval time.Duration `yaml:"poll_interval"`
	// GracePeriod is how long to wait after parent death for a close signal
	// that may still be in flight.
	GracePeriod time.Duration `yaml:"grace_period"`
	// EncoderWait bounds the closing-state wait for encoder readiness.
	EncoderWait time.Duration `yaml:"encoder_wait"`
}

// DetectionConfig configures candidate handling.
type DetectionConfig struct {
	// AutoConfirmThreshold promotes candidates at or above it straight to
	// entities, bypassing the pending queue.
	AutoConfirmThreshold float64 `yaml:"auto_confirm_threshold"`
}

// Load builds the configuration for a project path.
func Load(projectPath string) (*Config, error) {
	userDir, err := defaultUserDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user dir: %w", err)
	}

	cfg := &Config{
		ProjectDir: filepath.Join(projectPath, ".claude", "memory"),
		UserDir:    userDir,
		Encoder: EncoderConfig{
			StartTimeout:   90 * time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval: 2 * time.Second,
			GracePeriod:  3 * time.Second,
			EncoderWait:  60 * time.Second,
		},
		Detection: DetectionConfig{
			AutoConfirmThreshold: 0.85,
		},
		StaleEpisodeAge: 30 * time.Minute,
		RetentionDays:   7,
		LogLevel:        "info",
	}

	if err := cfg.loadFile(filepath.Join(cfg.UserDir, "config.yaml")); err != nil {
		return nil, err
	}
	cfg.loadEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.UserDir = envStr("MEMORY_USER_DIR", c.UserDir)
	c.Encoder.ModelPath = envStr("MEMORY_ENCODER_MODEL", c.Encoder.ModelPath)
	c.Encoder.TokenizerPath = envStr("MEMORY_ENCODER_TOKENIZER", c.Encoder.TokenizerPath)
	c.Encoder.StartTimeout = envDuration("MEMORY_ENCODER_START_TIMEOUT", c.Encoder.StartTimeout)
	c.Encoder.RequestTimeout = envDuration("MEMORY_ENCODER_REQUEST_TIMEOUT", c.Encoder.RequestTimeout)
	c.Monitor.PollInterval = envDuration("MEMORY_MONITOR_POLL", c.Monitor.PollInterval)
	c.Monitor.GracePeriod = envDuration("MEMORY_MONITOR_GRACE", c.Monitor.GracePeriod)
	c.Monitor.EncoderWait = envDuration("MEMORY_MONITOR_ENCODER_WAIT", c.Monitor.EncoderWait)
	c.Detection.AutoConfirmThreshold = envFloat("MEMORY_AUTO_CONFIRM", c.Detection.AutoConfirmThreshold)
	c.StaleEpisodeAge = envDuration("MEMORY_STALE_EPISODE_AGE", c.StaleEpisodeAge)
	c.RetentionDays = envInt("MEMORY_RETENTION_DAYS", c.RetentionDays)
	c.LogLevel = envStr("MEMORY_LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	if c.ProjectDir == "" {
		return fmt.Errorf("project dir must not be empty")
	}
	if c.UserDir == "" {
		return fmt.Errorf("user dir must not be empty")
	}
	if c.Detection.AutoConfirmThreshold < 0 || c.Detection.AutoConfirmThreshold > 1 {
		return fmt.Errorf("auto-confirm threshold must be in [0,1], got %f", c.Detection.AutoConfirmThreshold)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll interval must be positive, got %s", c.Monitor.PollInterval)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1, got %d", c.RetentionDays)
	}
	return nil
}

func defaultUserDir() (string, error) {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "claude-memory"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude-memory"), nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
