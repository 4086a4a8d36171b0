package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
database:
  path: "/tmp/chronicle.db"
  wal_mode: true
  busy_timeout: 5
recorder:
  retention_days: 14
  purge_interval: 12
  commit_interval: 1
  max_backlog: 5000
  exclude:
    domains: ["camera"]
    entities: ["sensor.noisy"]
mqtt:
  enabled: true
  broker:
    host: "localhost"
    port: 1883
    client_id: "chronicle-test"
  qos: 1
logging:
  level: debug
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/chronicle.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/chronicle.db")
	}

	if cfg.Recorder.RetentionDays != 14 {
		t.Errorf("Recorder.RetentionDays = %d, want 14", cfg.Recorder.RetentionDays)
	}

	if len(cfg.Recorder.Exclude.Domains) != 1 || cfg.Recorder.Exclude.Domains[0] != "camera" {
		t.Errorf("Recorder.Exclude.Domains = %v, want [camera]", cfg.Recorder.Exclude.Domains)
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}

	// Defaults survive a partial file.
	if cfg.InfluxDB.BatchSize != 100 {
		t.Errorf("InfluxDB.BatchSize = %d, want default 100", cfg.InfluxDB.BatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
database:
  path: ""
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty database path, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Recorder.RetentionDays = -1 },
			wantErr: true,
		},
		{
			name:    "zero purge interval",
			mutate:  func(c *Config) { c.Recorder.PurgeInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero commit interval",
			mutate:  func(c *Config) { c.Recorder.CommitInterval = 0 },
			wantErr: true,
		},
		{
			name:    "malformed filter entity",
			mutate:  func(c *Config) { c.Recorder.Exclude.Entities = []string{"noisy"} },
			wantErr: true,
		},
		{
			name: "invalid QoS when mqtt enabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "mqtt disabled skips mqtt checks",
			mutate: func(c *Config) {
				c.MQTT.Enabled = false
				c.MQTT.Broker.Host = ""
			},
			wantErr: false,
		},
		{
			name: "influxdb enabled requires url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.URL = ""
				c.InfluxDB.Bucket = "statistics"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("CHRONICLE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("CHRONICLE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("CHRONICLE_MQTT_USERNAME", "testuser")
	t.Setenv("CHRONICLE_MQTT_PASSWORD", "testpass")
	t.Setenv("CHRONICLE_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.Recorder.RetentionDays != 10 {
		t.Errorf("defaultConfig Recorder.RetentionDays = %d, want 10", cfg.Recorder.RetentionDays)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig should validate, got %v", err)
	}
}
