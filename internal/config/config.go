package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Pages        PagesConfig        `yaml:"pages"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	MessageOrigins []string      `yaml:"message_origins"`
	Source         string        `yaml:"source"`
}

type ConfirmationConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	EventBuffer  int           `yaml:"event_buffer"`
}

// MaxWait is how long a session may stay unconfirmed before it expires.
func (c ConfirmationConfig) MaxWait() time.Duration {
	return c.PollInterval * time.Duration(c.MaxAttempts)
}

type PagesConfig struct {
	SuccessURL   string `yaml:"success_url"`
	DeclinedURL  string `yaml:"declined_url"`
	PendingURL   string `yaml:"pending_url"`
	CancelledURL string `yaml:"cancelled_url"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration observed on the landing pages: a 3s poll
// repeated 60 times.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Path: "checkout.db",
		},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8090/api/payments",
			Timeout: 15 * time.Second,
			Source:  "landing",
		},
		Confirmation: ConfirmationConfig{
			PollInterval: 3 * time.Second,
			MaxAttempts:  60,
			EventBuffer:  16,
		},
		Pages: PagesConfig{
			SuccessURL:   "/payment/success",
			DeclinedURL:  "/payment/declined",
			PendingURL:   "/payment/pending",
			CancelledURL: "/",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "checkout.outcomes",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads an optional .env file, then the YAML file at path (if it exists),
// then environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if c.Confirmation.PollInterval <= 0 {
		return errors.New("confirmation.poll_interval must be positive")
	}
	if c.Confirmation.MaxAttempts <= 0 {
		return errors.New("confirmation.max_attempts must be positive")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getenv("PORT", cfg.Server.Port)
	cfg.Database.Path = getenv("DB_PATH", cfg.Database.Path)
	cfg.Gateway.BaseURL = getenv("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.APIKey = getenv("GATEWAY_API_KEY", cfg.Gateway.APIKey)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)

	if v := os.Getenv("GATEWAY_MESSAGE_ORIGINS"); v != "" {
		cfg.Gateway.MessageOrigins = splitList(v)
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("POLL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Confirmation.MaxAttempts = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Confirmation.PollInterval = d
		}
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
