// Package influxdb provides the optional statistics mirror for Chronicle.
//
// It wraps the official influxdb-client-go v2 library with Chronicle's
// patterns for connection management, point writing, and health
// monitoring. When enabled, hourly statistics rows are forwarded to
// InfluxDB in addition to being stored locally. SQLite remains the
// authoritative store; the mirror is fire-and-forget and its failures
// never affect recording.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteStatistic("sensor.energy_meter", "recorder", "kWh",
//	    hourStart, nil, nil, nil, state, sum)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via
// the SetOnError callback. Connection and health check errors are
// returned directly.
package influxdb
