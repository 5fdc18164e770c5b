package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Sync       SyncConfig       `yaml:"sync"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RemoteConfig describes the authoritative backend the engine syncs against.
type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url"`
	HealthEndpoint  string        `yaml:"health_endpoint"`
	AuthToken       string        `yaml:"auth_token"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

type OutboxConfig struct {
	MaxRetries   int             `yaml:"max_retries"`
	RetryDelays  []time.Duration `yaml:"retry_delays"`
	DispatchRPS  float64         `yaml:"dispatch_rps"`
	Burst        int             `yaml:"burst"`
	PollInterval time.Duration   `yaml:"poll_interval"`
}

type SyncConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Interval   time.Duration `yaml:"interval"`
}

type APIConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Port      int     `yaml:"port"`
	APIKey    string  `yaml:"api_key"`
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type TelegramConfig struct {
	BotToken       string `yaml:"bot_token"`
	OperatorChatID int64  `yaml:"operator_chat_id"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values are referenced from the YAML via ${VAR}.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if c.Outbox.MaxRetries < 1 {
		return errors.New("outbox max_retries must be at least 1")
	}
	if c.API.Enabled && c.API.APIKey == "" {
		return errors.New("api key is required when the ops API is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "salonsync"
	}
	if c.Remote.HealthEndpoint == "" {
		c.Remote.HealthEndpoint = "/api/health"
	}
	if c.Remote.ProbeInterval == 0 {
		c.Remote.ProbeInterval = 30 * time.Second
	}
	// Probes must stay short so a dead remote never stalls the drain loop.
	if c.Remote.ProbeTimeout == 0 || c.Remote.ProbeTimeout > 5*time.Second {
		c.Remote.ProbeTimeout = 5 * time.Second
	}
	if c.Remote.DispatchTimeout == 0 {
		c.Remote.DispatchTimeout = 15 * time.Second
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 3
	}
	if len(c.Outbox.RetryDelays) == 0 {
		c.Outbox.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if c.Outbox.DispatchRPS == 0 {
		c.Outbox.DispatchRPS = 10
	}
	if c.Outbox.Burst == 0 {
		c.Outbox.Burst = 5
	}
	// The poll loop is what fires scheduled retries, so it must stay short
	// relative to the backoff table.
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 2 * time.Second
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = c.Outbox.MaxRetries
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RateRPS == 0 {
		c.API.RateRPS = 20
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 10
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
