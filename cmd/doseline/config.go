package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the server configuration. Values load from an optional YAML file
// and may be overridden by environment variables.
type config struct {
	HTTPAddr    string        `yaml:"http_addr"`
	RedisURL    string        `yaml:"redis_url"`
	RedisPass   string        `yaml:"redis_password"`
	MongoURL    string        `yaml:"mongo_url"`
	MongoDB     string        `yaml:"mongo_database"`
	SweepPeriod time.Duration `yaml:"sweep_period"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	AuthRate    float64       `yaml:"auth_rate"`
	AuthBurst   int           `yaml:"auth_burst"`
	Timezone    string        `yaml:"timezone"`
}

func defaultConfig() config {
	return config{
		HTTPAddr:    ":8080",
		MongoDB:     "doseline",
		SweepPeriod: 30 * time.Second,
		SessionTTL:  24 * time.Hour,
		AuthRate:    1,
		AuthBurst:   5,
		Timezone:    "UTC",
	}
}

// loadConfig reads the YAML file when path is set, then applies environment
// overrides on top.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.HTTPAddr = envOr("DOSELINE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RedisPass = envOr("REDIS_PASSWORD", cfg.RedisPass)
	cfg.MongoURL = envOr("MONGO_URL", cfg.MongoURL)
	cfg.MongoDB = envOr("MONGO_DATABASE", cfg.MongoDB)
	cfg.SweepPeriod = envDurationOr("SWEEP_PERIOD", cfg.SweepPeriod)
	cfg.SessionTTL = envDurationOr("SESSION_TTL", cfg.SessionTTL)
	cfg.AuthBurst = envIntOr("AUTH_BURST", cfg.AuthBurst)
	cfg.Timezone = envOr("DOSELINE_TZ", cfg.Timezone)
	return cfg, nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
