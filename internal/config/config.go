package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" json:"database" toml:"database"`
	Registry RegistryConfig `yaml:"registry" json:"registry" toml:"registry"`
	Queue    QueueConfig    `yaml:"queue" json:"queue" toml:"queue"`
	Health   HealthConfig   `yaml:"health" json:"health" toml:"health"`
	Ingest   IngestConfig   `yaml:"ingest" json:"ingest" toml:"ingest"`
	Webhooks WebhooksConfig `yaml:"webhooks" json:"webhooks" toml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging" toml:"logging"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" json:"port" toml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
	AdminPasswordHash string        `yaml:"admin_password_hash" json:"admin_password_hash" toml:"admin_password_hash"`
	JWTSecret         string        `yaml:"jwt_secret" json:"jwt_secret" toml:"jwt_secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" json:"path" toml:"path"`
}

type RegistryConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl" toml:"cache_ttl"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" toml:"probe_timeout"`
	Pool         []string      `yaml:"pool" json:"pool" toml:"pool"`
}

type QueueConfig struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" toml:"max_retries"`
	MaxFinished  int           `yaml:"max_finished" json:"max_finished" toml:"max_finished"`
	PrintTimeout time.Duration `yaml:"print_timeout" json:"print_timeout" toml:"print_timeout"`
	Copies       int           `yaml:"copies" json:"copies" toml:"copies"`
	PaperSize    string        `yaml:"paper_size" json:"paper_size" toml:"paper_size"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval" toml:"interval"`
}

type IngestConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url" toml:"base_url"`
	ActivationKey  string        `yaml:"activation_key" json:"activation_key" toml:"activation_key"`
	SessionID      string        `yaml:"session_id" json:"session_id" toml:"session_id"`
	DestinationDir string        `yaml:"destination_dir" json:"destination_dir" toml:"destination_dir"`
	GalleryDir     string        `yaml:"gallery_dir" json:"gallery_dir" toml:"gallery_dir"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`
	HealthInterval time.Duration `yaml:"health_interval" json:"health_interval" toml:"health_interval"`
	BulkThreshold  int           `yaml:"bulk_threshold" json:"bulk_threshold" toml:"bulk_threshold"`
	BulkTimeout    time.Duration `yaml:"bulk_timeout" json:"bulk_timeout" toml:"bulk_timeout"`
	AckAttempts    int           `yaml:"ack_attempts" json:"ack_attempts" toml:"ack_attempts"`
	AckDelay       time.Duration `yaml:"ack_delay" json:"ack_delay" toml:"ack_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" toml:"request_timeout"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url" json:"url" toml:"url"`
	Secret string   `yaml:"secret" json:"secret" toml:"secret"`
	Events []string `yaml:"events" json:"events" toml:"events"`
}

type WebhooksConfig struct {
	Endpoints  []WebhookEndpoint `yaml:"endpoints" json:"endpoints" toml:"endpoints"`
	RetryCount int               `yaml:"retry_count" json:"retry_count" toml:"retry_count"`
	RetryDelay time.Duration     `yaml:"retry_delay" json:"retry_delay" toml:"retry_delay"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout" toml:"timeout"`
	QueueSize  int               `yaml:"queue_size" json:"queue_size" toml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Format string `yaml:"format" json:"format" toml:"format"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/boothspool.db",
		},
		Registry: RegistryConfig{
			CacheTTL:     5 * time.Minute,
			ProbeTimeout: 15 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:   2,
			MaxFinished:  200,
			PrintTimeout: 60 * time.Second,
			Copies:       1,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Ingest: IngestConfig{
			DestinationDir: "./data/incoming",
			PollInterval:   5 * time.Second,
			HealthInterval: 15 * time.Second,
			BulkThreshold:  49,
			AckAttempts:    3,
			AckDelay:       time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
			QueueSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file at configPath over the defaults. The decoder is picked
// from the extension (.yaml/.yml, .json, .toml). A missing file yields defaults.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays BOOTHSPOOL_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BOOTHSPOOL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("BOOTHSPOOL_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("BOOTHSPOOL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("BOOTHSPOOL_INGEST_URL"); v != "" {
		c.Ingest.BaseURL = v
	}

	if v := os.Getenv("BOOTHSPOOL_ACTIVATION_KEY"); v != "" {
		c.Ingest.ActivationKey = v
	}

	if v := os.Getenv("BOOTHSPOOL_SESSION_ID"); v != "" {
		c.Ingest.SessionID = v
	}

	if v := os.Getenv("BOOTHSPOOL_DEST_DIR"); v != "" {
		c.Ingest.DestinationDir = v
	}

	if v := os.Getenv("BOOTHSPOOL_POOL"); v != "" {
		var pool []string
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				pool = append(pool, name)
			}
		}
		c.Registry.Pool = pool
	}

	if v := os.Getenv("BOOTHSPOOL_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
}

func LoadFromEnv() *Config {
	cfg := Defaults()
	cfg.ApplyEnv()
	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Registry.CacheTTL < 0 {
		return fmt.Errorf("registry cache ttl must be non-negative")
	}

	if c.Registry.ProbeTimeout < 0 {
		return fmt.Errorf("registry probe timeout must be non-negative")
	}

	if len(c.Registry.Pool) > 4 {
		return fmt.Errorf("registry pool holds at most 4 printers, got %d", len(c.Registry.Pool))
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Queue.MaxFinished < 1 {
		return fmt.Errorf("max finished jobs must be at least 1")
	}

	if c.Queue.PrintTimeout < 0 {
		return fmt.Errorf("print timeout must be non-negative")
	}

	if c.Queue.Copies < 0 {
		return fmt.Errorf("copies must be non-negative")
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}

	if c.Ingest.PollInterval <= 0 {
		return fmt.Errorf("ingest poll interval must be positive")
	}

	if c.Ingest.HealthInterval <= 0 {
		return fmt.Errorf("ingest health interval must be positive")
	}

	if c.Ingest.BulkThreshold < 1 {
		return fmt.Errorf("ingest bulk threshold must be at least 1")
	}

	if c.Ingest.BulkTimeout < 0 {
		return fmt.Errorf("ingest bulk timeout must be non-negative")
	}

	if c.Ingest.AckAttempts < 1 {
		return fmt.Errorf("ingest ack attempts must be at least 1")
	}

	if c.Ingest.AckDelay < 0 {
		return fmt.Errorf("ingest ack delay must be non-negative")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d has no url", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	return nil
}
