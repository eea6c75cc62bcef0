package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP defaults (per-job payload values win)
	// ----------------------------
	SMTPPort       int `envconfig:"SMTP_PORT" default:"465"`
	SMTPTimeoutSec int `envconfig:"SMTP_TIMEOUT_SEC" default:"30"`

	// ----------------------------
	// Sending
	// ----------------------------
	// RateLimit caps sends per second process-wide; 0 disables the cap.
	RateLimit        int `envconfig:"RATE_LIMIT" default:"0"`
	GreylistPauseSec int `envconfig:"GREYLIST_PAUSE_SEC" default:"5"`
	RetryAttempts    int `envconfig:"RETRY_ATTEMPTS" default:"3"`

	// ----------------------------
	// Dedup ledger defaults
	// ----------------------------
	SentStoreFile     string `envconfig:"SENT_STORE_FILE" default:"sent_records.jsonl"`
	SentStoreTextFile string `envconfig:"SENT_STORE_TEXT_FILE" default:""`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}

func (c *Config) SMTPTimeout() time.Duration {
	return time.Duration(c.SMTPTimeoutSec) * time.Second
}

func (c *Config) GreylistPause() time.Duration {
	return time.Duration(c.GreylistPauseSec) * time.Second
}
