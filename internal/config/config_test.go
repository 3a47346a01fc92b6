package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Orchestrator.Debounce.Std() != time.Second {
		t.Errorf("Debounce = %v, want 1s", cfg.Orchestrator.Debounce.Std())
	}
	if cfg.Orchestrator.MinSpacing.Std() != 3*time.Second {
		t.Errorf("MinSpacing = %v, want 3s", cfg.Orchestrator.MinSpacing.Std())
	}
	if cfg.Python.StderrTail != 20 {
		t.Errorf("StderrTail = %d, want 20", cfg.Python.StderrTail)
	}
	if cfg.Web.Port != 2024 {
		t.Errorf("Web.Port = %d, want 2024", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
data_dir = "/test/exported_data"

[orchestrator]
max_parallel_runs = 2
debounce = "250ms"
credential_timeout = "1m"

[web]
port = 9000

[[schedule]]
platform = "bookmarks-001"
cron = "0 3 * * *"

[[schedule]]
platform = "notion-001"
cron = "@weekly"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DataDir != "/test/exported_data" {
		t.Errorf("DataDir = %q, want /test/exported_data", cfg.General.DataDir)
	}
	if cfg.Orchestrator.MaxParallelRuns != 2 {
		t.Errorf("MaxParallelRuns = %d, want 2", cfg.Orchestrator.MaxParallelRuns)
	}
	if cfg.Orchestrator.Debounce.Std() != 250*time.Millisecond {
		t.Errorf("Debounce = %v, want 250ms", cfg.Orchestrator.Debounce.Std())
	}
	if cfg.Orchestrator.CredentialTimeout.Std() != time.Minute {
		t.Errorf("CredentialTimeout = %v, want 1m", cfg.Orchestrator.CredentialTimeout.Std())
	}
	// untouched keys keep their defaults
	if cfg.Orchestrator.MinSpacing.Std() != 3*time.Second {
		t.Errorf("MinSpacing = %v, want 3s", cfg.Orchestrator.MinSpacing.Std())
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	if len(cfg.Schedules) != 2 {
		t.Fatalf("Schedules = %d, want 2", len(cfg.Schedules))
	}
	if cfg.Schedules[1].Platform != "notion-001" || cfg.Schedules[1].Cron != "@weekly" {
		t.Errorf("Schedules[1] = %+v", cfg.Schedules[1])
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTempConfig(t, "[orchestrator]\ndebounce = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeTempConfig(t, "[general]\ndata_dir = \"/from/file\"\n")
	t.Setenv("SURFER_DATA_DIR", "/from/env")
	t.Setenv("SURFER_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.DataDir != "/from/env" {
		t.Errorf("DataDir = %q, want /from/env", cfg.General.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := writeTempConfig(t, "")
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("SURFER_SLACK_WEBHOOK=https://hooks.example/abc\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// godotenv leaves already-set variables alone; start from empty and
	// restore afterwards
	t.Setenv("SURFER_SLACK_WEBHOOK", "")
	os.Unsetenv("SURFER_SLACK_WEBHOOK")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notifications.SlackWebhook != "https://hooks.example/abc" {
		t.Errorf("SlackWebhook = %q", cfg.Notifications.SlackWebhook)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
		{"", ""},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[web]\nport = 3000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Chdir(subdir)

	found := FindLocalConfig()
	if found != localConfig {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	path := writeTempConfig(t, "[web]\nport = 4000\n")

	cfg, err := LoadWithLocalFallback(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 4000 {
		t.Errorf("Web.Port = %d, want 4000", cfg.Web.Port)
	}
}

func TestLoadWithLocalFallback_LocalConfig(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, LocalConfigName), []byte("[web]\nport = 5000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(root)

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 5000 {
		t.Errorf("Web.Port = %d, want 5000", cfg.Web.Port)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
