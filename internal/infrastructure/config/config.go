package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Chronicle.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database Database `yaml:"database"`
	Recorder Recorder `yaml:"recorder"`
	MQTT     MQTT     `yaml:"mqtt"`
	InfluxDB InfluxDB `yaml:"influxdb"`
	Logging  Logging  `yaml:"logging"`
}

// Database contains SQLite database settings.
type Database struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// Recorder contains settings for the recording engine itself.
type Recorder struct {
	// RetentionDays is how many days of raw state rows to keep.
	// Statistics rows are never purged.
	RetentionDays int `yaml:"retention_days"`

	// PurgeInterval is how often the retention purge runs (hours).
	PurgeInterval int `yaml:"purge_interval"`

	// CommitInterval is how often pending writes are committed (seconds).
	CommitInterval int `yaml:"commit_interval"`

	// MaxBacklog is the advisory queue depth above which a sustained
	// backlog is logged as a data-loss risk. Writes are never dropped.
	MaxBacklog int `yaml:"max_backlog"`

	// Include restricts recording to the listed domains/entities when
	// non-empty. Exclude always wins over Include.
	Include EntityFilter `yaml:"include"`
	Exclude EntityFilter `yaml:"exclude"`
}

// EntityFilter lists domains and entity ids for include/exclude rules.
type EntityFilter struct {
	Domains  []string `yaml:"domains"`
	Entities []string `yaml:"entities"`
}

// MQTT contains MQTT broker connection settings for the event ingest bus.
type MQTT struct {
	Enabled   bool          `yaml:"enabled"`
	Broker    MQTTBroker    `yaml:"broker"`
	Auth      MQTTAuth      `yaml:"auth"`
	QoS       int           `yaml:"qos"`
	Reconnect MQTTReconnect `yaml:"reconnect"`
}

// MQTTBroker contains MQTT broker connection details.
type MQTTBroker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuth contains MQTT authentication credentials.
type MQTTAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnect contains MQTT reconnection settings.
type MQTTReconnect struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDB contains settings for the optional statistics mirror.
// When enabled, compiled long-term statistics are forwarded to InfluxDB
// in addition to being stored locally.
type InfluxDB struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// Logging contains logging settings.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CHRONICLE_SECTION_KEY
// For example: CHRONICLE_DATABASE_PATH, CHRONICLE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: Database{
			Path:        "./data/chronicle.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Recorder: Recorder{
			RetentionDays:  10,
			PurgeInterval:  24,
			CommitInterval: 1,
			MaxBacklog:     30000,
		},
		MQTT: MQTT{
			Broker: MQTTBroker{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnect{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		InfluxDB: InfluxDB{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CHRONICLE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("CHRONICLE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("CHRONICLE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CHRONICLE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CHRONICLE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("CHRONICLE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Recorder validation
	if c.Recorder.RetentionDays < 0 {
		errs = append(errs, "recorder.retention_days must not be negative")
	}
	if c.Recorder.PurgeInterval < 1 {
		errs = append(errs, "recorder.purge_interval must be at least 1 hour")
	}
	if c.Recorder.CommitInterval < 1 {
		errs = append(errs, "recorder.commit_interval must be at least 1 second")
	}
	if c.Recorder.MaxBacklog < 1 {
		errs = append(errs, "recorder.max_backlog must be positive")
	}
	for _, entity := range append(c.Recorder.Include.Entities, c.Recorder.Exclude.Entities...) {
		if !strings.Contains(entity, ".") {
			errs = append(errs, fmt.Sprintf("entity id %q must be of the form domain.object_id", entity))
		}
	}

	// MQTT validation
	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetCommitInterval returns the recorder commit interval as a Duration.
func (c *Config) GetCommitInterval() time.Duration {
	return time.Duration(c.Recorder.CommitInterval) * time.Second
}

// GetPurgeInterval returns the purge interval as a Duration.
func (c *Config) GetPurgeInterval() time.Duration {
	return time.Duration(c.Recorder.PurgeInterval) * time.Hour
}
