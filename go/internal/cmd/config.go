package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bot's YAML configuration. Environment variables override the
// connection settings so one file works across environments.
type Config struct {
	Bot struct {
		Name string `yaml:"name"`
		// AnswerDelay is how long the bot pretends to think before answering.
		AnswerDelay time.Duration `yaml:"answer_delay"`
		VoteDelay   time.Duration `yaml:"vote_delay"`
	} `yaml:"bot"`

	Session struct {
		ID string `yaml:"id"`
	} `yaml:"session"`

	Feed struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PresenceInterval  time.Duration `yaml:"presence_interval"`
	} `yaml:"feed"`

	Reconcile struct {
		Interval       time.Duration `yaml:"interval"`
		StaleThreshold time.Duration `yaml:"stale_threshold"`
	} `yaml:"reconcile"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
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
