// Package bridge connects the MQTT device estate to the rest of the
// system: telemetry ingest, presence tracking, device discovery,
// command dispatch, and the per-owner live event feed.
//
// # Message flow
//
// The bridge subscribes to the device topic families
// (devices/+/data, devices/+/heartbeat, devices/+/response,
// devices/+/discovery) with a single entry point that parses the topic,
// decodes the payload, and hands the typed message to a bounded worker
// pool. Persistence happens on the pool, never on the MQTT network
// goroutines, so a slow disk cannot stall the broker connection.
//
// # Presence
//
// Any traffic from a device counts as a sighting. The registry's
// monotonic last-seen guard gives exactly-once online/offline
// transitions; a periodic sweep marks devices offline once they have
// been silent longer than the configured heartbeat timeout.
//
// # Commands
//
// Commands flow the other way: the dispatcher publishes on
// devices/{device_id}/commands with a cmd_-prefixed correlation ID and
// settles each command from the matching response or, failing that,
// from a per-command timeout. Every command ends in exactly one
// terminal status.
//
// # Events
//
// State changes fan out to per-owner subscriptions with bounded queues.
// A slow consumer loses its own oldest events; it never blocks ingest
// or other subscribers.
package bridge
