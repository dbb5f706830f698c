// Package config handles savepoint configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --in-memory, etc.)
//  2. Environment variables (SAVEPOINT_*)
//  3. Config file (savepoint.yaml)
//  4. Built-in defaults
//
// Environment Variables (all use SAVEPOINT_ prefix):
//
// Storage:
//   - SAVEPOINT_DATA_DIR="./data"
//   - SAVEPOINT_IN_MEMORY=false
//   - SAVEPOINT_SYNC_WRITES=true
//   - SAVEPOINT_LOW_MEMORY=false
//   - SAVEPOINT_ENCRYPTION_PASSPHRASE="secret"
//
// Save engine:
//   - SAVEPOINT_KEY_PREFIX="sp_"
//   - SAVEPOINT_MAX_CHUNK_SIZE=1048576
//   - SAVEPOINT_COMPRESSION=true
//   - SAVEPOINT_QUEUE_DEPTH=64
//
// Checkpoints:
//   - SAVEPOINT_CHECKPOINT_MAX_COUNT=10
//   - SAVEPOINT_CHECKPOINT_MAX_AGE=168h
//   - SAVEPOINT_CHECKPOINT_CRITICAL_KEEP=3
//   - SAVEPOINT_CHECKPOINT_MIN_INTERVAL=30s
//   - SAVEPOINT_CHECKPOINT_AUTO_INTERVAL=5m
//   - SAVEPOINT_CHECKPOINT_LOSS_THRESHOLD=30m
//
// Recovery:
//   - SAVEPOINT_RECOVERY_MAX_HISTORY=64
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all savepoint configuration.
type Config struct {
	// Storage settings
	Storage StorageConfig

	// Save engine settings
	Save SaveConfig

	// Checkpoint settings
	Checkpoint CheckpointConfig

	// Recovery settings
	Recovery RecoveryConfig
}

// StorageConfig holds the backing store settings.
type StorageConfig struct {
	// DataDir is the directory for on-disk storage
	DataDir string
	// InMemory forces the volatile in-memory store
	InMemory bool
	// SyncWrites makes every write durable before returning
	SyncWrites bool
	// LowMemory shrinks storage buffers for constrained hosts
	LowMemory bool
	// EncryptionPassphrase enables at-rest encryption when non-empty
	EncryptionPassphrase string
}

// SaveConfig holds save-engine settings.
type SaveConfig struct {
	// KeyPrefix namespaces every stored key
	KeyPrefix string
	// MaxChunkSize is the record size above which records are chunked
	MaxChunkSize int
	// Compression enables zstd payload compression
	Compression bool
	// QueueDepth bounds the write queue
	QueueDepth int
}

// CheckpointConfig holds checkpoint retention and trigger settings.
type CheckpointConfig struct {
	// MaxCount bounds retained checkpoints
	MaxCount int
	// MaxAge expires non-critical checkpoints; zero disables
	MaxAge time.Duration
	// CriticalKeep is how many critical checkpoints always survive
	CriticalKeep int
	// MinInterval throttles checkpoint creation
	MinInterval time.Duration
	// AutoInterval drives the automatic checkpoint loop; zero disables
	AutoInterval time.Duration
	// LargeLossThreshold gates rollback confirmation
	LargeLossThreshold time.Duration
}

// RecoveryConfig holds recovery orchestrator settings.
type RecoveryConfig struct {
	// MaxHistory bounds the recovery attempt ring
	MaxHistory int
}

// LoadDefaults returns the built-in default configuration.
func LoadDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:    "./data",
			SyncWrites: true,
		},
		Save: SaveConfig{
			KeyPrefix:    "sp_",
			MaxChunkSize: 1 << 20,
			Compression:  true,
			QueueDepth:   64,
		},
		Checkpoint: CheckpointConfig{
			MaxCount:           10,
			MaxAge:             7 * 24 * time.Hour,
			CriticalKeep:       3,
			MinInterval:        30 * time.Second,
			AutoInterval:       5 * time.Minute,
			LargeLossThreshold: 30 * time.Minute,
		},
		Recovery: RecoveryConfig{
			MaxHistory: 64,
		},
	}
}

// LoadFromEnv builds a Config from defaults overlaid with SAVEPOINT_*
// environment variables.
func LoadFromEnv() *Config {
	c := LoadDefaults()

	c.Storage.DataDir = getEnv("SAVEPOINT_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("SAVEPOINT_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("SAVEPOINT_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.LowMemory = getEnvBool("SAVEPOINT_LOW_MEMORY", c.Storage.LowMemory)
	c.Storage.EncryptionPassphrase = getEnv("SAVEPOINT_ENCRYPTION_PASSPHRASE", c.Storage.EncryptionPassphrase)

	c.Save.KeyPrefix = getEnv("SAVEPOINT_KEY_PREFIX", c.Save.KeyPrefix)
	c.Save.MaxChunkSize = getEnvInt("SAVEPOINT_MAX_CHUNK_SIZE", c.Save.MaxChunkSize)
	c.Save.Compression = getEnvBool("SAVEPOINT_COMPRESSION", c.Save.Compression)
	c.Save.QueueDepth = getEnvInt("SAVEPOINT_QUEUE_DEPTH", c.Save.QueueDepth)

	c.Checkpoint.MaxCount = getEnvInt("SAVEPOINT_CHECKPOINT_MAX_COUNT", c.Checkpoint.MaxCount)
	c.Checkpoint.MaxAge = getEnvDuration("SAVEPOINT_CHECKPOINT_MAX_AGE", c.Checkpoint.MaxAge)
	c.Checkpoint.CriticalKeep = getEnvInt("SAVEPOINT_CHECKPOINT_CRITICAL_KEEP", c.Checkpoint.CriticalKeep)
	c.Checkpoint.MinInterval = getEnvDuration("SAVEPOINT_CHECKPOINT_MIN_INTERVAL", c.Checkpoint.MinInterval)
	c.Checkpoint.AutoInterval = getEnvDuration("SAVEPOINT_CHECKPOINT_AUTO_INTERVAL", c.Checkpoint.AutoInterval)
	c.Checkpoint.LargeLossThreshold = getEnvDuration("SAVEPOINT_CHECKPOINT_LOSS_THRESHOLD", c.Checkpoint.LargeLossThreshold)

	c.Recovery.MaxHistory = getEnvInt("SAVEPOINT_RECOVERY_MAX_HISTORY", c.Recovery.MaxHistory)

	return c
}

// yamlConfig is the file layout. Fields mirror Config but stay optional so
// a partial file only overrides what it names.
type yamlConfig struct {
	Storage struct {
		DataDir              string `yaml:"data_dir"`
		InMemory             *bool  `yaml:"in_memory"`
		SyncWrites           *bool  `yaml:"sync_writes"`
		LowMemory            *bool  `yaml:"low_memory"`
		EncryptionPassphrase string `yaml:"encryption_passphrase"`
	} `yaml:"storage"`
	Save struct {
		KeyPrefix    string `yaml:"key_prefix"`
		MaxChunkSize int    `yaml:"max_chunk_size"`
		Compression  *bool  `yaml:"compression"`
		QueueDepth   int    `yaml:"queue_depth"`
	} `yaml:"save"`
	Checkpoint struct {
		MaxCount           int    `yaml:"max_count"`
		MaxAge             string `yaml:"max_age"`
		CriticalKeep       int    `yaml:"critical_keep"`
		MinInterval        string `yaml:"min_interval"`
		AutoInterval       string `yaml:"auto_interval"`
		LargeLossThreshold string `yaml:"loss_threshold"`
	} `yaml:"checkpoint"`
	Recovery struct {
		MaxHistory int `yaml:"max_history"`
	} `yaml:"recovery"`
}

// LoadFromFile loads configuration from a YAML file layered over the
// environment. A missing file is not an error; the env config is used.
func LoadFromFile(configPath string) (*Config, error) {
	c := LoadFromEnv()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if y.Storage.DataDir != "" {
		c.Storage.DataDir = y.Storage.DataDir
	}
	if y.Storage.InMemory != nil {
		c.Storage.InMemory = *y.Storage.InMemory
	}
	if y.Storage.SyncWrites != nil {
		c.Storage.SyncWrites = *y.Storage.SyncWrites
	}
	if y.Storage.LowMemory != nil {
		c.Storage.LowMemory = *y.Storage.LowMemory
	}
	if y.Storage.EncryptionPassphrase != "" {
		c.Storage.EncryptionPassphrase = y.Storage.EncryptionPassphrase
	}

	if y.Save.KeyPrefix != "" {
		c.Save.KeyPrefix = y.Save.KeyPrefix
	}
	if y.Save.MaxChunkSize > 0 {
		c.Save.MaxChunkSize = y.Save.MaxChunkSize
	}
	if y.Save.Compression != nil {
		c.Save.Compression = *y.Save.Compression
	}
	if y.Save.QueueDepth > 0 {
		c.Save.QueueDepth = y.Save.QueueDepth
	}

	if y.Checkpoint.MaxCount > 0 {
		c.Checkpoint.MaxCount = y.Checkpoint.MaxCount
	}
	if y.Checkpoint.CriticalKeep > 0 {
		c.Checkpoint.CriticalKeep = y.Checkpoint.CriticalKeep
	}
	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{y.Checkpoint.MaxAge, "checkpoint.max_age", &c.Checkpoint.MaxAge},
		{y.Checkpoint.MinInterval, "checkpoint.min_interval", &c.Checkpoint.MinInterval},
		{y.Checkpoint.AutoInterval, "checkpoint.auto_interval", &c.Checkpoint.AutoInterval},
		{y.Checkpoint.LargeLossThreshold, "checkpoint.loss_threshold", &c.Checkpoint.LargeLossThreshold},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if y.Recovery.MaxHistory > 0 {
		c.Recovery.MaxHistory = y.Recovery.MaxHistory
	}

	return c, nil
}

// FindConfigFile returns the first config file that exists from the
// standard locations, or "" when none does.
func FindConfigFile() string {
	candidates := []string{
		getEnv("SAVEPOINT_CONFIG", ""),
		"savepoint.yaml",
		"savepoint.yml",
		"config/savepoint.yaml",
	}
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir is required unless in_memory is set")
	}
	if c.Save.MaxChunkSize < 1024 {
		return fmt.Errorf("config: save.max_chunk_size %d is below the 1KiB minimum", c.Save.MaxChunkSize)
	}
	if c.Save.QueueDepth <= 0 {
		return fmt.Errorf("config: save.queue_depth must be positive")
	}
	if c.Checkpoint.MaxCount <= 0 {
		return fmt.Errorf("config: checkpoint.max_count must be positive")
	}
	if c.Checkpoint.CriticalKeep > c.Checkpoint.MaxCount {
		return fmt.Errorf("config: checkpoint.critical_keep %d exceeds max_count %d",
			c.Checkpoint.CriticalKeep, c.Checkpoint.MaxCount)
	}
	if p := c.Storage.EncryptionPassphrase; p != "" && len(p) < 8 {
		return fmt.Errorf("config: encryption passphrase must be at least 8 characters")
	}
	return nil
}

// String renders a redacted summary for logs.
func (c *Config) String() string {
	passphrase := "unset"
	if c.Storage.EncryptionPassphrase != "" {
		passphrase = "***"
	}
	return fmt.Sprintf("Config{DataDir: %s, InMemory: %t, Prefix: %s, Compression: %t, Checkpoints: %d, Passphrase: %s}",
		c.Storage.DataDir, c.Storage.InMemory, c.Save.KeyPrefix, c.Save.Compression, c.Checkpoint.MaxCount, passphrase)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
