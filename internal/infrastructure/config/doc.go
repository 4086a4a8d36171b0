// Package config provides configuration loading for Chronicle.
//
// Configuration is read from a YAML file, merged over hardcoded defaults,
// and finally overridden by CHRONICLE_* environment variables. The loaded
// configuration is validated before use; an invalid configuration aborts
// startup with a description of every failing field.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Sections
//
//   - database: SQLite file path, WAL mode, busy timeout
//   - recorder: retention, purge/commit intervals, include/exclude filters, backlog threshold
//   - mqtt: event ingest bus connection (optional)
//   - influxdb: statistics mirror (optional)
//   - logging: level, format, output
package config
