package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir              string `json:"data_dir"`
	LogLevel             string `json:"log_level"`
	Listen               string `json:"listen"`
	MaxConcurrent        int    `json:"max_concurrent"`
	DeployDir            string `json:"deploy_dir"`
	WatchDeployDir       bool   `json:"watch_deploy_dir"`
	HousekeepingInterval string `json:"housekeeping_interval"`
	JoinTimeout          string `json:"join_timeout"`
	MaxFrameSize         int    `json:"max_frame_size"`
	HTTP                 struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	DB struct {
		DSN string `json:"dsn"`
	} `json:"db"`
	Mail struct {
		APIKey   string `json:"api_key"`
		From     string `json:"from"`
		FromName string `json:"from_name"`
	} `json:"mail"`
}

// DefaultDir is the directory holding config.json and the PID file.
func DefaultDir() string {
	return filepath.Join(os.Getenv("HOME"), ".reportd")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:              DefaultDir(),
		LogLevel:             "info",
		Listen:               "127.0.0.1:7400",
		MaxConcurrent:        2,
		DeployDir:            filepath.Join(DefaultDir(), "deploy"),
		WatchDeployDir:       true,
		HousekeepingInterval: "1h",
		JoinTimeout:          "10s",
		MaxFrameSize:         16 * 1024 * 1024,
	}
	cfg.HTTP.Listen = "127.0.0.1:7401"
	cfg.Mail.FromName = "Report Server"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	// Override from env (highest precedence)
	if v := os.Getenv("REPORTD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("REPORTD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REPORTD_DEPLOY_DIR"); v != "" {
		cfg.DeployDir = v
	}
	if v := os.Getenv("REPORTD_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.Mail.APIKey = v
	}

	return cfg, nil
}

// HousekeepingEvery returns the parsed housekeeping interval, one hour when
// unset or invalid.
func (c *Config) HousekeepingEvery() time.Duration {
	return parseDuration(c.HousekeepingInterval, time.Hour)
}

// JoinWait returns the bound on joining a replaced receive loop.
func (c *Config) JoinWait() time.Duration {
	return parseDuration(c.JoinTimeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// InitialSettings returns the runtime properties seeded from the config file
// before the core server sends its own.
func (c *Config) InitialSettings() map[string]string {
	props := map[string]string{}
	if c.DB.DSN != "" {
		props[KeyDBDSN] = c.DB.DSN
	}
	if c.Mail.APIKey != "" {
		props[KeyMailAPIKey] = c.Mail.APIKey
	}
	if c.Mail.From != "" {
		props[KeyMailFrom] = c.Mail.From
	}
	if c.Mail.FromName != "" {
		props[KeyMailFromName] = c.Mail.FromName
	}
	return props
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its generic JSON shape.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as a flat dot-key map, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// GetValue reads a single dot-separated key straight from the file.
func GetValue(path, key string) (any, error) {
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue updates a single key in the file. Values that parse as JSON
// scalars (numbers, booleans) are stored typed, everything else as a string.
func SetValue(path, key, raw string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	flat[key] = parseScalar(raw)

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func parseScalar(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
