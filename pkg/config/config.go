package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	APIKeys       map[string]string
	RoutingConfig *RoutingConfig
	// RoutingPath is the file RoutingConfig came from, empty for the
	// built-in table.
	RoutingPath string
	ConfigDir   string
	Store         StoreConfig
	Scheduler     SchedulerConfig
	Server        ServerConfig
	Logging       LoggingConfig
}

// FileConfig represents the structure of ~/.mlroute/config.yaml
type FileConfig struct {
	APIKeys   APIKeysConfig   `yaml:"api_keys"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	DeepSeek  string `yaml:"deepseek"`
}

// StoreConfig selects the experiment store backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `yaml:"driver" validate:"omitempty,oneof=memory sqlite postgres"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// SchedulerConfig controls periodic experiment analysis.
type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
	CacheSize   int           `yaml:"analysis_cache_size" validate:"gte=0"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	ArchiveDir      string `yaml:"archive_dir"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Load reads configuration from config files and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	return load("")
}

// LoadWithRoutingFile loads config with a specific routing file.
func LoadWithRoutingFile(routingPath string) (*Config, error) {
	return load(routingPath)
}

func load(routingPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIKeys: map[string]string{
			"anthropic": getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
			"openai":    getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
			"google":    getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
			"deepseek":  getEnvOrDefault("DEEPSEEK_API_KEY", fileConfig.APIKeys.DeepSeek),
		},
		ConfigDir: configDir,
		Store: StoreConfig{
			Driver: getEnvOrDefault("MLROUTE_DB_DRIVER", fileConfig.Store.Driver),
			DSN:    getEnvOrDefault("MLROUTE_DB", fileConfig.Store.DSN),
		},
		Scheduler: fileConfig.Scheduler,
		Server: ServerConfig{
			Addr:            getEnvOrDefault("MLROUTE_ADDR", fileConfig.Server.Addr),
			TracingEndpoint: getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", fileConfig.Server.TracingEndpoint),
			ArchiveDir:      fileConfig.Server.ArchiveDir,
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("MLROUTE_LOG_LEVEL", fileConfig.Logging.Level),
			Format: fileConfig.Logging.Format,
		},
	}
	applyDefaults(cfg)

	if routingPath == "" {
		routingPath = filepath.Join(configDir, "routing.yaml")
		if _, err := os.Stat(routingPath); err != nil {
			routingPath = ""
		}
	}
	if routingPath != "" {
		routing, err := LoadRoutingConfig(routingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing config from %s: %w", routingPath, err)
		}
		cfg.RoutingConfig = routing
		cfg.RoutingPath = routingPath
	} else {
		cfg.RoutingConfig = DefaultRoutingConfig()
	}

	if err := validate.Struct(cfg.Store); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if err := validate.Struct(cfg.Logging); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	if err := validate.Struct(cfg.Scheduler); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	return cfg, nil
}

// ResolveAPIKey returns the credential configured for a provider. A
// provider without a credential is unavailable for routing.
func (c *Config) ResolveAPIKey(provider string) (string, bool) {
	if c == nil {
		return "", false
	}
	key := strings.TrimSpace(c.APIKeys[strings.ToLower(provider)])
	return key, key != ""
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	_, ok := c.ResolveAPIKey(name)
	return ok
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		if cfg.Store.DSN == "" {
			cfg.Store.Driver = "memory"
		} else {
			cfg.Store.Driver = "sqlite"
		}
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(cfg.ConfigDir, "experiments.db")
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = time.Minute
	}
	if cfg.Scheduler.Timeout <= 0 {
		cfg.Scheduler.Timeout = 30 * time.Second
	}
	if cfg.Scheduler.Concurrency <= 0 {
		cfg.Scheduler.Concurrency = 4
	}
	if cfg.Scheduler.CacheSize <= 0 {
		cfg.Scheduler.CacheSize = 256
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ArchiveDir == "" {
		cfg.Server.ArchiveDir = filepath.Join(cfg.ConfigDir, "reports")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	configDir := os.Getenv("MLROUTE_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".mlroute")
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
