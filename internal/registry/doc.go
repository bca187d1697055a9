// Package registry manages the gateway and device inventory.
//
// It is organised in two layers:
//
//   - Repository: persistence interface with a SQLite implementation.
//     Gateways, devices, append-only telemetry, and command history.
//
//   - Registry: thread-safe service layer wrapping a Repository with an
//     in-memory cache. Every inbound MQTT message resolves a device, so
//     lookups must not hit the database on the hot path.
//
// # Presence tracking
//
// MarkSeen and MarkOffline implement the device presence state machine.
// Both return a flag reporting whether the online status actually
// changed, which lets the caller emit exactly one event per transition.
// MarkSeen enforces a monotonic last_seen: retained or re-delivered
// messages carrying stale timestamps never move the clock backwards.
//
// # Identity
//
// Gateways and devices carry two identifiers: an internal UUID primary
// key and an external MQTT-facing ID (gateway_id, device_id). External
// IDs appear verbatim in topic segments and are validated to exclude
// MQTT wildcards and separators.
package registry
