package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigFile = "config.json"

	BackendREST  = "rest"
	BackendGenAI = "genai"
	BackendEino  = "eino"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	Provider          string `json:"provider"`
	Backend           string `json:"backend"`
	HistoryLimit      int    `json:"history_limit"`
	PreambleMode      string `json:"preamble_mode"`
	PreambleFile      string `json:"preamble_file"`
	RequestTimeout    int    `json:"request_timeout_seconds"`
	SessionIdle       int    `json:"session_idle_minutes"`
	MinWorkers        int    `json:"min_workers"`
	MaxInFlight       int    `json:"max_in_flight"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_minutes"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	TokenTTL          int    `json:"token_ttl_hours"`
	GenerateTitles    bool   `json:"generate_titles"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a redis host was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{
		Providers: map[string]ProviderConfig{
			"gemini": {
				BaseURL: "https://generativelanguage.googleapis.com/v1beta",
				Model:   "gemini-2.0-flash-exp",
			},
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/mentorchat.db"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file falls back to Default; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()

	baseDir := filepath.Dir(absPath)
	if sqlite, ok := cfg.Databases["sqlite3"]; ok && sqlite.DSN != "" && sqlite.DSN != ":memory:" && !filepath.IsAbs(sqlite.DSN) {
		sqlite.DSN = filepath.Join(baseDir, sqlite.DSN)
		cfg.Databases["sqlite3"] = sqlite
	}
	if p := cfg.BasicConfig.PreambleFile; p != "" && !filepath.IsAbs(p) {
		cfg.BasicConfig.PreambleFile = filepath.Join(baseDir, p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Provider == "" {
		b.Provider = "gemini"
	}
	if b.Backend == "" {
		b.Backend = BackendREST
	}
	if b.HistoryLimit <= 0 {
		b.HistoryLimit = 10
	}
	if b.PreambleMode == "" {
		b.PreambleMode = "system"
	}
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = 60
	}
	if b.SessionIdle <= 0 {
		b.SessionIdle = 60
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxInFlight <= 0 {
		b.MaxInFlight = 8
	}
	if b.MaxInFlight < b.MinWorkers {
		b.MaxInFlight = b.MinWorkers
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = 24 * 30
	}
	if gem, ok := c.Providers["gemini"]; ok {
		if gem.BaseURL == "" {
			gem.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		if gem.Model == "" {
			gem.Model = "gemini-2.0-flash-exp"
		}
		c.Providers["gemini"] = gem
	}
}

// applyEnv lets deployment environments override selected fields.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("MENTORCHAT_ADDR")); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("MENTORCHAT_BACKEND")); v != "" {
		c.BasicConfig.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_MODEL")); v != "" {
		gem := c.Providers["gemini"]
		gem.Model = v
		c.Providers["gemini"] = gem
	}
}

// Validate checks that the configuration can be used to start the service.
func (c *Config) Validate() error {
	switch c.BasicConfig.Backend {
	case BackendREST, BackendGenAI, BackendEino:
	default:
		return fmt.Errorf("unknown backend %q", c.BasicConfig.Backend)
	}
	switch c.BasicConfig.PreambleMode {
	case "system", "inline":
	default:
		return fmt.Errorf("preamble_mode must be system or inline, got %q", c.BasicConfig.PreambleMode)
	}
	if _, ok := c.Providers[c.BasicConfig.Provider]; !ok {
		return fmt.Errorf("provider %s not configured", c.BasicConfig.Provider)
	}
	if c.BasicConfig.Backend != BackendEino && c.BasicConfig.Provider != "gemini" {
		return fmt.Errorf("backend %s only supports the gemini provider", c.BasicConfig.Backend)
	}
	return nil
}

// Provider returns the active provider name and its settings.
func (c *Config) Provider() (string, ProviderConfig) {
	name := c.BasicConfig.Provider
	return name, c.Providers[name]
}

// LoadPreamble returns the configured preamble text, or "" when none is configured.
func (c *Config) LoadPreamble() (string, error) {
	if c.BasicConfig.PreambleFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.BasicConfig.PreambleFile)
	if err != nil {
		return "", fmt.Errorf("read preamble: %w", err)
	}
	return string(data), nil
}
