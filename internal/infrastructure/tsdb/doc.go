// Package tsdb provides the optional InfluxDB telemetry mirror for
// AIoT Core.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes, and health monitoring.
//
// # Purpose
//
// SQLite is the system of record for telemetry. This mirror feeds
// dashboards and long-range queries:
//   - Numeric telemetry fields per device
//   - Device presence transitions
//
// The mirror is best-effort: if it is disabled or unreachable, telemetry
// ingest continues unaffected.
//
// # Usage
//
//	client, err := tsdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, tsdb.ErrDisabled) {
//	    // run without the mirror
//	}
//	defer client.Close()
//
//	client.WriteTelemetry("TEMP-001", "GW-001",
//	    map[string]any{"temperature": 21.5}, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package tsdb
