// Package config loads healer settings: built-in defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/cihealer/internal/healing"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkflowPath = ".github/workflows/ci-assistant.yml"
	DefaultDSN          = "ci_memory.sqlite"
	DefaultSuggestURL   = "https://api.cursor.com/v1"
	DefaultRedisAddr    = "localhost:6379"
	DefaultPort         = "8080"
	DefaultReportDir    = "reports"
)

type Config struct {
	WorkflowPath string         `yaml:"workflow_path"`
	LogLevel     string         `yaml:"log_level"`
	Learning     LearningConfig `yaml:"learning"`
	Suggest      SuggestConfig  `yaml:"suggest"`
	Healing      healing.Config `yaml:"healing"`
	Queue        QueueConfig    `yaml:"queue"`
	Server       ServerConfig   `yaml:"server"`
	Worker       WorkerConfig   `yaml:"worker"`
	Report       ReportConfig   `yaml:"report"`
	Notify       NotifyConfig   `yaml:"notify"`
}

type LearningConfig struct {
	DSN        string `yaml:"dsn"`
	DaysToKeep int    `yaml:"days_to_keep"`
}

type SuggestConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether the remote suggestion tier can be used.
func (s SuggestConfig) Enabled() bool {
	return s.APIKey != "" && s.BaseURL != ""
}

type QueueConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type WorkerConfig struct {
	ID           string        `yaml:"id"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ReportConfig struct {
	Dir string `yaml:"dir"`
}

type NotifyConfig struct {
	APIKey      string `yaml:"api_key"`
	FromName    string `yaml:"from_name"`
	FromAddress string `yaml:"from_address"`
	To          string `yaml:"to"`
}

func Default() *Config {
	return &Config{
		WorkflowPath: DefaultWorkflowPath,
		LogLevel:     "info",
		Learning:     LearningConfig{DSN: DefaultDSN, DaysToKeep: 30},
		Suggest:      SuggestConfig{BaseURL: DefaultSuggestURL, Timeout: 30 * time.Second},
		Healing:      healing.DefaultConfig(),
		Queue:        QueueConfig{RedisAddr: DefaultRedisAddr},
		Server:       ServerConfig{Port: DefaultPort},
		Worker:       WorkerConfig{PollInterval: time.Second},
		Report:       ReportConfig{Dir: DefaultReportDir},
		Notify:       NotifyConfig{FromName: "CI Healer"},
	}
}

// Load builds the configuration. path names an optional YAML file; when it
// is empty HEALER_CONFIG is consulted.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("HEALER_CONFIG")
	}
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged settings. The healing values are used exactly as
// given, so out of range values are rejected here instead of replaced.
func (c *Config) Validate() error {
	if t := c.Healing.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("invalid healing.confidence_threshold %v: must be in [0, 1]", t)
	}
	if c.Healing.MaxRetries < 1 {
		return fmt.Errorf("invalid healing.max_retries %d: must be a positive integer", c.Healing.MaxRetries)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("WORKFLOW_PATH", &c.WorkflowPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("LEARNING_DB_DSN", &c.Learning.DSN)
	str("CURSOR_API_KEY", &c.Suggest.APIKey)
	str("SUGGEST_BASE_URL", &c.Suggest.BaseURL)
	str("GITHUB_RUN_ID", &c.Healing.WorkflowRunID)
	str("REDIS_ADDR", &c.Queue.RedisAddr)
	str("PORT", &c.Server.Port)
	str("WORKER_ID", &c.Worker.ID)
	str("REPORT_DIR", &c.Report.Dir)
	str("EMAIL_API_KEY", &c.Notify.APIKey)
	str("FROM_NAME", &c.Notify.FromName)
	str("FROM_ADDRESS", &c.Notify.FromAddress)
	str("NOTIFY_TO", &c.Notify.To)

	if v, ok := lookup("CONFIDENCE_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("invalid CONFIDENCE_THRESHOLD %q: must be a number in [0, 1]", v)
		}
		c.Healing.ConfidenceThreshold = f
	}

	if v, ok := lookup("MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid MAX_RETRIES %q: must be a positive integer", v)
		}
		c.Healing.MaxRetries = n
	}

	for key, dst := range map[string]*bool{
		"AUTO_COMMIT": &c.Healing.AutoCommit,
		"AUTO_PUSH":   &c.Healing.AutoPush,
	} {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = b
		}
	}

	return nil
}

// Level maps LogLevel onto a slog level. Unknown names mean info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
