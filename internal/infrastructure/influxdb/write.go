package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteStatistic mirrors one hourly statistics row to InfluxDB.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Nil field pointers are omitted, so measurement-style series carry only
// mean/min/max and meter-style series carry only state/sum.
//
// Parameters:
//   - statisticID: The series identifier (e.g., "sensor.energy_meter")
//   - source: The series source domain (e.g., "recorder")
//   - unit: The stored unit of measurement (empty for unitless series)
//   - start: The hour bucket start, used as the point timestamp
//   - mean, min, max, state, sum: Statistic fields, nil when absent
func (c *Client) WriteStatistic(statisticID, source, unit string, start time.Time, mean, min, max, state, sum *float64) {
	if !c.IsConnected() {
		return
	}

	fields := make(map[string]interface{})
	if mean != nil {
		fields["mean"] = *mean
	}
	if min != nil {
		fields["min"] = *min
	}
	if max != nil {
		fields["max"] = *max
	}
	if state != nil {
		fields["state"] = *state
	}
	if sum != nil {
		fields["sum"] = *sum
	}
	if len(fields) == 0 {
		return
	}

	tags := map[string]string{
		"statistic_id": statisticID,
		"source":       source,
	}
	if unit != "" {
		tags["unit"] = unit
	}

	point := write.NewPoint("statistics", tags, fields, start)
	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit WriteStatistic.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., backfilled data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
