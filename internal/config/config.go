package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Orchestrator  OrchestratorConfig  `toml:"orchestrator"`
	Python        PythonConfig        `toml:"python"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
	Schedules     []ScheduleConfig    `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	AssetsDir    string `toml:"assets_dir"`
	DatabasePath string `toml:"database_path"`
	// Catalog is an optional platform catalog replacing the built-in one
	Catalog string `toml:"catalog"`
}

// OrchestratorConfig holds run scheduling settings
type OrchestratorConfig struct {
	MaxParallelRuns   int      `toml:"max_parallel_runs"`
	Debounce          Duration `toml:"debounce"`
	MinSpacing        Duration `toml:"min_spacing"`
	CredentialTimeout Duration `toml:"credential_timeout"`
}

// PythonConfig holds worker interpreter settings
type PythonConfig struct {
	Interpreter string `toml:"interpreter"`
	StderrTail  int    `toml:"stderr_tail"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds local API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ScheduleConfig re-exports one platform on a cron schedule
type ScheduleConfig struct {
	Platform string `toml:"platform"`
	Cron     string `toml:"cron"`
}

// Duration is a time.Duration written as "1s", "500ms" in TOML
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DataDir:      filepath.Join(home, ".surfer", "exported_data"),
			AssetsDir:    filepath.Join(home, ".surfer", "assets"),
			DatabasePath: filepath.Join(home, ".surfer", "runs.db"),
		},
		Orchestrator: OrchestratorConfig{
			MaxParallelRuns:   0,
			Debounce:          Duration(time.Second),
			MinSpacing:        Duration(3 * time.Second),
			CredentialTimeout: Duration(30 * time.Second),
		},
		Python: PythonConfig{
			StderrTail: 20,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 2024,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Variables from a .env file next to the config (or the environment) override
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	cfg.applyEnv()

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.AssetsDir = ExpandPath(cfg.General.AssetsDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.Catalog = ExpandPath(cfg.General.Catalog)
	cfg.Python.Interpreter = ExpandPath(cfg.Python.Interpreter)

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.General.DataDir = getEnv("SURFER_DATA_DIR", c.General.DataDir)
	c.Notifications.SlackWebhook = getEnv("SURFER_SLACK_WEBHOOK", c.Notifications.SlackWebhook)
	c.Logging.Level = getEnv("SURFER_LOG_LEVEL", c.Logging.Level)
	c.Python.Interpreter = getEnv("SURFER_PYTHON", c.Python.Interpreter)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// LocalConfigName is the per-directory config file looked up by FindLocalConfig
const LocalConfigName = ".surfer.toml"

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName. Returns "" when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads path when given, otherwise the nearest local
// config, otherwise the default config path
func LoadWithLocalFallback(path string) (*Config, error) {
	if path == "" {
		path = FindLocalConfig()
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	return Load(path)
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "surfer", "config.toml")
}

// CredentialsDir is where captured credential bundles are written
func (c *Config) CredentialsDir() string {
	return filepath.Join(filepath.Dir(c.General.DataDir), "credentials")
}
