package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the settings surface relevant to the core import pipeline.
// Everything here is loadable from a YAML config file with environment
// variable overrides layered on top.
type Config struct {
	NotesFolder         string             `yaml:"notes_folder"`
	AutoMergeOnAddition bool               `yaml:"auto_merge_on_addition"`
	ScanTimeoutSeconds  int                `yaml:"scan_timeout_seconds"`
	BackupRetentionDays int                `yaml:"backup_retention_days"`
	CommentStyle        string             `yaml:"comment_style"` // "html" | "md" | "none"
	MaxHighlightGap     int                `yaml:"max_highlight_gap"`
	FileNaming          FileNamingConfig   `yaml:"file_naming"`
	FrontmatterFields   FrontmatterFields  `yaml:"frontmatter_fields"`
	Log                 LogConfig          `yaml:"log"`
}

// FileNamingConfig controls how the Executor derives a new note's
// filename.
type FileNamingConfig struct {
	UseCustomTemplate bool   `yaml:"use_custom_template"`
	Template          string `yaml:"template"`
}

// FrontmatterFields controls the Merge Engine's per-field policy
// overrides: fields a vault owner has opted out of touching, and custom
// fields an external renderer may add that always default to
// preserveAlways.
type FrontmatterFields struct {
	Disabled []string `yaml:"disabled_fields"`
	Custom   []string `yaml:"custom_fields"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file or
// environment override is present.
func DefaultConfig() *Config {
	return &Config{
		NotesFolder:         "",
		AutoMergeOnAddition: false,
		ScanTimeoutSeconds:  8,
		BackupRetentionDays: 30,
		CommentStyle:        "html",
		MaxHighlightGap:     0,
		FileNaming: FileNamingConfig{
			UseCustomTemplate: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function, so tests can supply isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if notesFolder := getenv("KOHL_NOTES_FOLDER"); notesFolder != "" {
		cfg.NotesFolder = notesFolder
	}
	if level := getenv("KOHL_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "kohl-import", "config.yaml")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "kohl-import", "config.yaml")
}
