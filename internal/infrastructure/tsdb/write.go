package tsdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTelemetry mirrors a telemetry payload to InfluxDB.
//
// Only numeric fields are mirrored: InfluxDB is the dashboarding store
// and mixed-type fields under one key break its schema. Non-numeric
// values (strings, bools, nested objects) stay in SQLite only. Payloads
// with no numeric fields are skipped entirely.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Device identifier (tag)
//   - gatewayID: Owning gateway identifier (tag)
//   - payload: Decoded telemetry payload
//   - timestamp: The reading's timestamp
//
// Example:
//
//	client.WriteTelemetry("TEMP-001", "GW-001",
//	    map[string]any{"temperature": 21.5, "humidity": 43.0}, ts)
func (c *Client) WriteTelemetry(deviceID, gatewayID string, payload map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := extractNumericFields(payload)
	if len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"telemetry",
		map[string]string{
			"device_id":  deviceID,
			"gateway_id": gatewayID,
		},
		fields,
		timestamp,
	)

	c.writeAPI.WritePoint(point)
}

// WritePresence records a device presence transition.
//
// Parameters:
//   - deviceID: Device identifier
//   - online: The new presence state
func (c *Client) WritePresence(deviceID string, online bool) {
	if !c.IsConnected() {
		return
	}

	state := 0.0
	if online {
		state = 1.0
	}

	point := write.NewPoint(
		"presence",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"online": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
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

// extractNumericFields filters a decoded JSON payload down to the
// numeric values InfluxDB can store consistently. JSON numbers decode
// as float64; integer-typed values appear when payloads are built in
// process rather than decoded.
func extractNumericFields(payload map[string]any) map[string]interface{} {
	fields := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case float64:
			fields[k] = val
		case float32:
			fields[k] = float64(val)
		case int:
			fields[k] = float64(val)
		case int64:
			fields[k] = float64(val)
		}
	}
	return fields
}
