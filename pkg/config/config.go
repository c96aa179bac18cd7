/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/lock"
	"github.com/ssargent/ctxstore/pkg/security"
	"github.com/ssargent/ctxstore/pkg/store"
)

// Config represents the ctxstore admin configuration
type Config struct {
	DataDir  string   `yaml:"data_dir" validate:"required"`
	Port     int      `yaml:"port" validate:"gte=1,lte=65535"`
	Bind     string   `yaml:"bind" validate:"required"`
	Security Security `yaml:"security"`
	Store    Store    `yaml:"store"`
	Lock     Lock     `yaml:"lock"`
	Logging  Logging  `yaml:"logging"`
}

// Security contains admin API credentials and the redaction policy
type Security struct {
	AdminAPIKey   string   `yaml:"admin_api_key" validate:"required"`
	RedactionMode string   `yaml:"redaction_mode" validate:"omitempty,oneof=mask hash remove flag"`
	OnDetect      string   `yaml:"on_detect" validate:"omitempty,oneof=redact reject"`
	HashKey       string   `yaml:"hash_key" validate:"omitempty,hexadecimal"`
	PlainKeys     []string `yaml:"plain_keys,omitempty" validate:"dive,required"`
	CORSOrigins   []string `yaml:"cors_origins,omitempty" validate:"dive,required"`
}

// Store tunes readers, writers and the health check
type Store struct {
	ParseMode        string `yaml:"parse_mode" validate:"omitempty,oneof=strict lenient"`
	AllowPartialTail bool   `yaml:"allow_partial_tail"`
	GapPolicy        string `yaml:"gap_policy" validate:"omitempty,oneof=tolerate corrupt"`
	StreamThreshold  int64  `yaml:"stream_threshold" validate:"gte=0"`
	HealthWorkers    int    `yaml:"health_workers" validate:"gte=0,lte=64"`
	MaxFieldBytes    int    `yaml:"max_field_bytes" validate:"gte=0"`
	MaxLineBytes     int    `yaml:"max_line_bytes" validate:"gte=0"`
	HardLineBytes    int    `yaml:"hard_line_bytes" validate:"gte=0"`
	MaxFileBytes     int64  `yaml:"max_file_bytes" validate:"gte=0"`
	CreateRoot       bool   `yaml:"create_root"`
}

// Lock tunes lock acquisition; zero values take the lock package defaults
type Lock struct {
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gte=0"`
	StaleAfter     time.Duration `yaml:"stale_after" validate:"gte=0"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

var validate = validator.New()

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	lc := lock.DefaultConfig()
	return &Config{
		DataDir: "./context",
		Port:    8080,
		Bind:    "127.0.0.1",
		Security: Security{
			AdminAPIKey:   "auto",
			RedactionMode: string(security.ModeMask),
			OnDetect:      string(security.PolicyRedact),
		},
		Store: Store{
			ParseMode:       "lenient",
			GapPolicy:       store.GapTolerate.String(),
			StreamThreshold: store.DefaultStreamThreshold,
			HealthWorkers:   4,
		},
		Lock: Lock{
			Timeout:        lc.Timeout,
			InitialBackoff: lc.InitialBackoff,
			MaxBackoff:     lc.MaxBackoff,
			StaleAfter:     lc.StaleAfter,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates configuration from the specified path.
// Fields missing from the file keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to the specified path with secure permissions
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write with secure permissions (0600)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateSecureKey generates a cryptographically secure random key
func GenerateSecureKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// BootstrapConfig creates a new configuration with a generated admin key and
// redaction hash key and saves it
func BootstrapConfig(configPath string, dataDir string) (*Config, error) {
	config := DefaultConfig()
	if dataDir != "" {
		config.DataDir = dataDir
	}

	adminKey, err := GenerateSecureKey(32) // 256 bits
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin API key: %w", err)
	}
	config.Security.AdminAPIKey = adminKey

	hashKey, err := GenerateSecureKey(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate hash key: %w", err)
	}
	config.Security.HashKey = hashKey

	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap config: %w", err)
	}

	return config, nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./ctxstore.yaml"
	}

	// For Linux/macOS, use ~/.config/ctxstore/config.yaml
	configDir := filepath.Join(homeDir, ".config", "ctxstore")
	return filepath.Join(configDir, "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}

// LockConfig converts the lock section
func (c *Config) LockConfig() lock.Config {
	return lock.Config{
		Timeout:        c.Lock.Timeout,
		InitialBackoff: c.Lock.InitialBackoff,
		MaxBackoff:     c.Lock.MaxBackoff,
		StaleAfter:     c.Lock.StaleAfter,
	}
}

// Redactor builds the redactor described by the security section
func (c *Config) Redactor() (*security.Redactor, error) {
	mode, err := security.ParseMode(c.Security.RedactionMode)
	if err != nil {
		return nil, err
	}
	var key []byte
	if c.Security.HashKey != "" {
		if key, err = hex.DecodeString(c.Security.HashKey); err != nil {
			return nil, fmt.Errorf("invalid hash key: %w", err)
		}
	}
	return security.NewRedactor(security.RedactorConfig{
		Mode:    mode,
		Policy:  security.Policy(c.Security.OnDetect),
		HashKey: key,
	}), nil
}

// ParseMode converts the configured parse mode
func (c *Config) ParseMode() codec.Mode {
	if strings.EqualFold(c.Store.ParseMode, "strict") {
		return codec.Strict
	}
	return codec.Lenient
}

// StoreOptions converts the configuration into store options. Logger and
// metrics are left to the caller.
func (c *Config) StoreOptions() ([]store.Option, error) {
	gaps, err := store.ParseGapPolicy(c.Store.GapPolicy)
	if err != nil {
		return nil, err
	}
	redactor, err := c.Redactor()
	if err != nil {
		return nil, err
	}
	opts := []store.Option{
		store.WithParseMode(c.ParseMode()),
		store.WithPartialTail(c.Store.AllowPartialTail),
		store.WithGapPolicy(gaps),
		store.WithStreamThreshold(c.Store.StreamThreshold),
		store.WithHealthWorkers(c.Store.HealthWorkers),
		store.WithLockConfig(c.LockConfig()),
		store.WithRedactor(redactor),
		store.WithPlainKeys(c.Security.PlainKeys...),
		store.WithLimits(store.Limits{
			MaxFieldBytes: c.Store.MaxFieldBytes,
			MaxLineBytes:  c.Store.MaxLineBytes,
			HardLineBytes: c.Store.HardLineBytes,
			MaxFileBytes:  c.Store.MaxFileBytes,
		}),
	}
	if c.Store.CreateRoot {
		opts = append(opts, store.WithCreateRoot())
	}
	return opts, nil
}

// NewLogger builds a slog logger writing to w at the configured level
func (l Logging) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
