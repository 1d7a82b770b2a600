// Package config loads service configuration from an optional config file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret fills FOO from the file named by FOO_FILE when FOO itself is unset.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	_ = os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	DB      DBConfig
	Backend BackendConfig
	Jobs    JobsConfig
	Redis   RedisConfig
	Pexels  PexelsConfig
	MinIO   MinIOConfig
}

type ServerConfig struct {
	Host string
	Port string
}

type LogConfig struct {
	Level  string
	Format string
}

type DBConfig struct {
	Path string
}

type BackendConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	SiteURL   string
	Timeout   time.Duration
	MaxTokens int
}

type JobsConfig struct {
	MaxConcurrent int
	PollInterval  time.Duration
	RecentEvents  int
	Retention     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether progress notifications go through Redis instead of the in-process broker.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type PexelsConfig struct {
	APIKey  string
	BaseURL string
}

func (c PexelsConfig) Enabled() bool {
	return c.APIKey != ""
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

func (c MinIOConfig) Enabled() bool {
	return c.Endpoint != ""
}

var envBindings = map[string]string{
	"server.host":         "HOST",
	"server.port":         "PORT",
	"log.level":           "LOG_LEVEL",
	"log.format":          "LOG_FORMAT",
	"db.path":             "DB_PATH",
	"backend.base_url":    "BACKEND_BASE_URL",
	"backend.api_key":     "BACKEND_API_KEY",
	"backend.model":       "BACKEND_MODEL",
	"backend.site_url":    "BACKEND_SITE_URL",
	"backend.timeout":     "BACKEND_TIMEOUT",
	"backend.max_tokens":  "BACKEND_MAX_TOKENS",
	"jobs.max_concurrent": "JOB_MAX_CONCURRENT",
	"jobs.poll_interval":  "JOB_POLL_INTERVAL",
	"jobs.recent_events":  "JOB_RECENT_EVENTS",
	"jobs.retention":      "JOB_RETENTION",
	"redis.addr":          "REDIS_ADDR",
	"redis.password":      "REDIS_PASSWORD",
	"redis.db":            "REDIS_DB",
	"pexels.api_key":      "PEXELS_API_KEY",
	"pexels.base_url":     "PEXELS_BASE_URL",
	"minio.endpoint":      "MINIO_ENDPOINT",
	"minio.access_key":    "MINIO_ACCESS_KEY",
	"minio.secret_key":    "MINIO_SECRET_KEY",
	"minio.bucket":        "MINIO_BUCKET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("db.path", "page-generator.db")

	v.SetDefault("backend.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("backend.model", "openai/gpt-4o-mini")
	v.SetDefault("backend.site_url", "http://localhost:3000")
	v.SetDefault("backend.timeout", 60*time.Second)
	v.SetDefault("backend.max_tokens", 4000)

	v.SetDefault("jobs.max_concurrent", 4)
	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.recent_events", 10)
	v.SetDefault("jobs.retention", 30*24*time.Hour)

	v.SetDefault("redis.db", 0)
	v.SetDefault("pexels.base_url", "https://api.pexels.com/v1")
	v.SetDefault("minio.bucket", "pages")
}

// Load reads configuration. A config.yaml in the working directory or ./config is optional.
func Load() (*Config, error) {
	readSecret("BACKEND_API_KEY")
	readSecret("PEXELS_API_KEY")
	readSecret("REDIS_PASSWORD")
	readSecret("MINIO_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetString("server.port"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		DB: DBConfig{
			Path: v.GetString("db.path"),
		},
		Backend: BackendConfig{
			BaseURL:   strings.TrimRight(v.GetString("backend.base_url"), "/"),
			APIKey:    v.GetString("backend.api_key"),
			Model:     v.GetString("backend.model"),
			SiteURL:   v.GetString("backend.site_url"),
			Timeout:   v.GetDuration("backend.timeout"),
			MaxTokens: v.GetInt("backend.max_tokens"),
		},
		Jobs: JobsConfig{
			MaxConcurrent: v.GetInt("jobs.max_concurrent"),
			PollInterval:  v.GetDuration("jobs.poll_interval"),
			RecentEvents:  v.GetInt("jobs.recent_events"),
			Retention:     v.GetDuration("jobs.retention"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Pexels: PexelsConfig{
			APIKey:  v.GetString("pexels.api_key"),
			BaseURL: strings.TrimRight(v.GetString("pexels.base_url"), "/"),
		},
		MinIO: MinIOConfig{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			Bucket:    v.GetString("minio.bucket"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive, got %s", c.Backend.Timeout)
	}
	if c.Backend.MaxTokens <= 0 {
		return fmt.Errorf("BACKEND_MAX_TOKENS must be positive, got %d", c.Backend.MaxTokens)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("JOB_MAX_CONCURRENT must be positive, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("JOB_POLL_INTERVAL must be positive, got %s", c.Jobs.PollInterval)
	}
	if c.Jobs.RecentEvents <= 0 {
		return fmt.Errorf("JOB_RECENT_EVENTS must be positive, got %d", c.Jobs.RecentEvents)
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("JOB_RETENTION must be positive, got %s", c.Jobs.Retention)
	}
	if c.MinIO.Enabled() && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}
