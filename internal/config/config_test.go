package config

import (
	"os"
	"path/filepath"
	"testing"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.ScanTimeoutSeconds != 8 {
		t.Errorf("DefaultConfig() ScanTimeoutSeconds = %d, want 8", cfg.ScanTimeoutSeconds)
	}
	if cfg.BackupRetentionDays != 30 {
		t.Errorf("DefaultConfig() BackupRetentionDays = %d, want 30", cfg.BackupRetentionDays)
	}
	if cfg.CommentStyle != "html" {
		t.Errorf("DefaultConfig() CommentStyle = %q, want %q", cfg.CommentStyle, "html")
	}
	if cfg.AutoMergeOnAddition {
		t.Error("DefaultConfig() AutoMergeOnAddition should be false")
	}
	if cfg.NotesFolder != "" {
		t.Errorf("DefaultConfig() NotesFolder should be empty, got %q", cfg.NotesFolder)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("DefaultConfig() Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "kohl-import")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
notes_folder: /home/reader/vault/books
auto_merge_on_addition: true
scan_timeout_seconds: 15
backup_retention_days: 7
comment_style: md
log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.NotesFolder != "/home/reader/vault/books" {
		t.Errorf("LoadWithEnv() NotesFolder = %q, want %q", cfg.NotesFolder, "/home/reader/vault/books")
	}
	if !cfg.AutoMergeOnAddition {
		t.Error("LoadWithEnv() AutoMergeOnAddition should be true")
	}
	if cfg.ScanTimeoutSeconds != 15 {
		t.Errorf("LoadWithEnv() ScanTimeoutSeconds = %d, want 15", cfg.ScanTimeoutSeconds)
	}
	if cfg.BackupRetentionDays != 7 {
		t.Errorf("LoadWithEnv() BackupRetentionDays = %d, want 7", cfg.BackupRetentionDays)
	}
	if cfg.CommentStyle != "md" {
		t.Errorf("LoadWithEnv() CommentStyle = %q, want %q", cfg.CommentStyle, "md")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "kohl-import")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `notes_folder: /from/file`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":   tmpDir,
		"KOHL_NOTES_FOLDER": "/from/env",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.NotesFolder != "/from/env" {
		t.Errorf("LoadWithEnv() NotesFolder = %q, want %q (env override)", cfg.NotesFolder, "/from/env")
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.ScanTimeoutSeconds != 8 {
		t.Errorf("LoadWithEnv() without file should use default ScanTimeoutSeconds, got %d", cfg.ScanTimeoutSeconds)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() without file should use default Log.Level, got %q", cfg.Log.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "kohl-import")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := `
notes_folder: [this is invalid yaml
scan_timeout_seconds: not a number
`
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "kohl-import", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "kohl-import", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "kohl-import")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
scan_timeout_seconds: 20
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.ScanTimeoutSeconds != 20 {
		t.Errorf("LoadWithEnv() ScanTimeoutSeconds = %d, want 20", cfg.ScanTimeoutSeconds)
	}
	if cfg.BackupRetentionDays != 30 {
		t.Errorf("LoadWithEnv() BackupRetentionDays = %d, want 30 (default)", cfg.BackupRetentionDays)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q (default)", cfg.Log.Level, "info")
	}
}
