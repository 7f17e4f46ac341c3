// Package config loads epicsync settings from a YAML config file, a .env
// file, and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/epicsync/internal/logger"
	"github.com/JohanCodinha/epicsync/internal/match"
)

// Config holds the resolved settings for a run.
type Config struct {
	// Jira connection.
	JiraBaseURL  string `yaml:"jira_base_url"`
	JiraEmail    string `yaml:"jira_email"`
	JiraAPIToken string `yaml:"jira_api_token"`
	// StoryPointsField is the Jira custom field id for story points.
	StoryPointsField string `yaml:"story_points_field"`

	// FuzzyThreshold is the minimum title similarity for a fuzzy match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
	// ConflictStrategy resolves both-changed stories: manual, prefer-local,
	// prefer-remote.
	ConflictStrategy string `yaml:"conflict_strategy"`
	// Workers bounds concurrent epics in a multi-document run.
	Workers int `yaml:"workers"`

	// DBPath is the SQLite file for sessions and backups.
	DBPath string `yaml:"db_path"`
	// ConflictDir stores local versions of stories that lost a conflict.
	ConflictDir string `yaml:"conflict_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// BackupMaxPerEpic caps retained backups per epic.
	BackupMaxPerEpic int `yaml:"backup_max_per_epic"`
	// BackupRetentionDays prunes backups older than this.
	BackupRetentionDays int `yaml:"backup_retention_days"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		StoryPointsField:    "customfield_10016",
		FuzzyThreshold:      match.DefaultThreshold,
		ConflictStrategy:    "manual",
		Workers:             3,
		LogLevel:            "info",
		BackupMaxPerEpic:    10,
		BackupRetentionDays: 30,
	}
}

// DefaultPath returns the default config file location,
// ~/.config/epicsync/config.yml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "epicsync", "config.yml"), nil
}

// DefaultDBPath returns the default database location,
// ~/.cache/epicsync/epicsync.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".cache", "epicsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	return filepath.Join(dir, "epicsync.db"), nil
}

// Load resolves configuration: defaults, then the YAML file at path (the
// default location when path is empty; a missing file is not an error),
// then .env, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		logger.Debug("config: loaded %s", path)
	case os.IsNotExist(err):
		// Defaults plus environment are enough.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// .env seeds the process environment without overriding existing vars.
	if err := godotenv.Load(); err == nil {
		logger.Debug("config: loaded .env")
	}

	cfg.applyEnv()

	if cfg.DBPath == "" {
		cfg.DBPath, err = DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}

	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		return nil, fmt.Errorf("fuzzy_threshold must be in (0, 1], got %g", cfg.FuzzyThreshold)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.JiraBaseURL, "JIRA_BASE_URL")
	setString(&c.JiraEmail, "JIRA_EMAIL")
	setString(&c.JiraAPIToken, "JIRA_API_TOKEN")
	setString(&c.StoryPointsField, "EPICSYNC_STORY_POINTS_FIELD")
	setString(&c.ConflictStrategy, "EPICSYNC_CONFLICT_STRATEGY")
	setString(&c.DBPath, "EPICSYNC_DB_PATH")
	setString(&c.ConflictDir, "EPICSYNC_CONFLICT_DIR")
	setString(&c.LogLevel, "EPICSYNC_LOG_LEVEL")

	if v := os.Getenv("EPICSYNC_FUZZY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.FuzzyThreshold = f
		}
	}
	if v := os.Getenv("EPICSYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers = n
		}
	}
}

// Credentials returns the Jira connection settings, failing when any is
// missing.
func (c *Config) Credentials() (baseURL, email, token string, err error) {
	if c.JiraBaseURL == "" || c.JiraEmail == "" || c.JiraAPIToken == "" {
		return "", "", "", fmt.Errorf("missing Jira credentials: set jira_base_url, jira_email, jira_api_token in the config file or JIRA_BASE_URL, JIRA_EMAIL, JIRA_API_TOKEN in the environment")
	}
	return c.JiraBaseURL, c.JiraEmail, c.JiraAPIToken, nil
}
