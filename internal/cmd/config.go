package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds engine tuning knobs loaded from YAML, with env overrides for
// deployment-specific settings handled in getEnv callers.
type Config struct {
	Engine struct {
		CooldownSeconds int `yaml:"cooldown_seconds"`
		LeaseTTLMs      int `yaml:"lease_ttl_ms"`
		RoundLives      int `yaml:"round_lives"`
	} `yaml:"engine"`

	Broadcast struct {
		FlushIntervalMs int `yaml:"flush_interval_ms"`
		SizeThreshold   int `yaml:"size_threshold"`
	} `yaml:"broadcast"`

	Flush struct {
		PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
		BatchSize            int `yaml:"batch_size"`
		MinDirty             int `yaml:"min_dirty"`
		ForceIntervalSeconds int `yaml:"force_interval_seconds"`
	} `yaml:"flush"`

	Scheduler struct {
		Workers int `yaml:"workers"`
	} `yaml:"scheduler"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file means defaults throughout.
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

func (c *Config) cooldown() time.Duration {
	if c.Engine.CooldownSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Engine.CooldownSeconds) * time.Second
}

func (c *Config) leaseTTL() time.Duration {
	if c.Engine.LeaseTTLMs <= 0 {
		return 0 // coordinator default
	}
	return time.Duration(c.Engine.LeaseTTLMs) * time.Millisecond
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
