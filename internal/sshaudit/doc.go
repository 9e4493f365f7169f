// Package sshaudit keeps a durable trail of tunnel lifecycle events.
//
// Every tunnel creation, teardown, recovery and failure is written to the
// tunnel_audit_logs table and echoed to the standard logger, so an operator
// can answer "when did the tunnel to host X drop, and why" long after the
// in-memory event history has rolled over.
//
// # Event Types
//
//   - [EventTunnelCreated]: tunnel is up (includes setup duration).
//   - [EventTunnelCreateFailed]: creation failed (includes the error kind).
//   - [EventTunnelClosed]: tunnel torn down (includes lifetime).
//   - [EventTunnelReconnected]: tunnel re-created after a disconnect.
//   - [EventTunnelFailed]: recovery gave up.
//   - [EventConnectionLost]: a pooled gateway connection dropped.
//   - [EventNetworkChanged]: the host lost, regained or switched network.
//
// # Architecture
//
// [Auditor] wraps a GORM database handle. It is constructed once in main and
// passed to the tunnel manager and the control API; the helper methods in
// helpers.go are safe on a nil *Auditor, which lets tests and tools run the
// tunnel manager without a database.
//
// # Retention and Purging
//
// Entries are kept for [DefaultRetentionDays] unless configured otherwise.
// [Auditor.PurgeOlderThan] removes older entries; the daemon runs it daily
// from a cron schedule.
//
// # Querying
//
// [Auditor.Query] filters by tunnel id, gateway, event type and time range
// and returns pagination metadata.
//
// # Log Prefixes
//
// Audit log messages use the [audit] prefix for easy filtering.
package sshaudit
