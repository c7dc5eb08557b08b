package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Environment is "development" or "production". Development accepts
	// unauthenticated triggers and unsigned tasks when no secret is configured.
	Environment string `yaml:"environment" envconfig:"ENVIRONMENT" default:"production"`
	Server      struct {
		Host           string     `yaml:"host" envconfig:"HOST"`
		Port           int        `yaml:"port" envconfig:"PORT" default:"8600"`
		AllowedOrigins []string   `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173"`
		LogLevel       slog.Level `yaml:"log_level" envconfig:"LOG_LEVEL"`
	} `yaml:"server" envconfig:"SERVER"`
	Database struct {
		Driver string `yaml:"driver" envconfig:"DRIVER" default:"duckdb"`
		Dsn    string `yaml:"dsn" envconfig:"DSN" default:"sitekeeper.db"`
	} `yaml:"database" envconfig:"DATABASE"`
	TaskQueue struct {
		ProducerAddress string `yaml:"producer_address" envconfig:"PRODUCER_ADDRESS" default:"mem://check_tasks"`
		ConsumerAddress string `yaml:"consumer_address" envconfig:"CONSUMER_ADDRESS" default:"mem://check_tasks"`
		SigningKey      string `yaml:"signing_key" envconfig:"SIGNING_KEY"`
	} `yaml:"task_queue" envconfig:"TASK_QUEUE"`
	Cron struct {
		Secret string `yaml:"secret" envconfig:"SECRET"`
	} `yaml:"cron" envconfig:"CRON"`
	Scheduler struct {
		// Mode is "queue" for enqueue-and-return or "inline" for in-process batches.
		Mode              string `yaml:"mode" envconfig:"MODE" default:"queue"`
		BatchSize         int    `yaml:"batch_size" envconfig:"BATCH_SIZE" default:"5"`
		WorkerConcurrency int    `yaml:"worker_concurrency" envconfig:"WORKER_CONCURRENCY" default:"10"`
	} `yaml:"scheduler" envconfig:"SCHEDULER"`
	Checks   ChecksConfig `yaml:"checks" envconfig:"CHECKS"`
	Alerting struct {
		NotifyRecovery bool          `yaml:"notify_recovery" envconfig:"NOTIFY_RECOVERY" default:"false"`
		Timeout        time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
		Webhook        struct {
			Enabled       bool              `yaml:"enabled" envconfig:"ENABLED"`
			Url           string            `yaml:"url" envconfig:"URL"`
			HmacSecret    string            `yaml:"hmac_secret" envconfig:"HMAC_SECRET"`
			CustomHeaders map[string]string `yaml:"custom_headers" envconfig:"CUSTOM_HEADERS"`
		} `yaml:"webhook" envconfig:"WEBHOOK"`
		Email struct {
			Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
			Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT"`
			Recipient string `yaml:"recipient" envconfig:"RECIPIENT"`
			ApiKey    string `yaml:"api_key" envconfig:"API_KEY"`
		} `yaml:"email" envconfig:"EMAIL"`
	} `yaml:"alerting" envconfig:"ALERTING"`
	Sentry struct {
		Dsn              string  `yaml:"dsn" envconfig:"DSN"`
		ErrorSampleRate  float64 `yaml:"error_sample_rate" envconfig:"ERROR_SAMPLE_RATE" default:"1.0"`
		TracesSampleRate float64 `yaml:"traces_sample_rate" envconfig:"TRACES_SAMPLE_RATE" default:"1.0"`
		Debug            bool    `yaml:"debug" envconfig:"DEBUG" default:"false"`
	} `yaml:"sentry" envconfig:"SENTRY"`
}

// LoadConfig reads defaults and environment variables, then overlays the YAML
// file at path when it exists.
func LoadConfig(path string) (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, fmt.Errorf("processing environment: %w", err)
	}

	if path != "" {
		configFile, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(configFile, &config); err != nil {
				return Config{}, fmt.Errorf("unmarshaling config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	if _, err := ParseDialect(c.Database.Driver); err != nil {
		return err
	}
	switch c.Scheduler.Mode {
	case "queue", "inline":
	default:
		return fmt.Errorf("unknown scheduler mode %q", c.Scheduler.Mode)
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.Url == "" {
		return errors.New("alerting.webhook.url is required when the webhook is enabled")
	}
	if c.Alerting.Email.Enabled && (c.Alerting.Email.Endpoint == "" || c.Alerting.Email.Recipient == "") {
		return errors.New("alerting.email.endpoint and alerting.email.recipient are required when email is enabled")
	}
	return nil
}
