// Package sshmanager pools authenticated gateway connections and forwards
// local ports through them.
//
// # Architecture
//
// [Pool] keeps [MasterConnection] values keyed by [ConnectionKey] (gateway
// host, port, and user). Every tunnel that reaches a target behind the same
// gateway as the same user shares one master connection; each tunnel is a
// [ForwardingChannel] on it:
//
//	Pool
//	 └── MasterConnection (one transport.Conn per gateway+user)
//	      ├── ForwardingChannel 127.0.0.1:20001 -> 10.0.0.5:3389
//	      └── ForwardingChannel 127.0.0.1:20002 -> 10.0.0.6:3389
//
// A forwarding channel never owns its master connection. It holds a release
// callback instead, and calls it exactly once from [ForwardingChannel.Stop],
// which keeps the connection's active-channel count from going negative.
//
// # Connection Lifecycle
//
//  1. Lookup: [Pool.GetOrCreate] returns the first healthy connection with
//     spare capacity (default 10 channels). Dead connections found on the way
//     are evicted and closed.
//
//  2. Dial: on a miss, the gateway allow list and the rate limiter are
//     consulted, then a single dial runs per key no matter how many callers
//     are waiting (golang.org/x/sync/singleflight).
//
//  3. Health: each pooled connection gets a watcher that sends a keepalive
//     every 30 seconds and reacts to the transport closing. A dead connection
//     is removed, its channels are stopped, and [Pool.OnConnectionLost]
//     callbacks fire so the tunnel layer can start recovery.
//
//  4. Idle sweep: every minute, connections with no channels that have not
//     been used for 10 minutes are closed.
//
// Capacity is soft: it is checked at lookup, so when every connection for a
// key is full a further connection to the same gateway is dialed.
//
// # Rate Limiting
//
// The [RateLimiter] keeps a misconfigured profile from locking a gateway
// account:
//   - Per-minute limit: max 10 dial attempts per gateway key per minute.
//   - Consecutive failure limit: after 5 consecutive failures, the key is
//     blocked for 5 minutes.
//
// Refusals are ConnectBlocked errors. Status is queryable via
// [Pool.RateLimitStatus] and resettable via [Pool.ResetRateLimit].
//
// # Gateway Allow List
//
// [GatewayAllowList] restricts which gateways may be dialed. The list
// accepts individual IPs and CIDR ranges; host names must resolve only to
// allowed addresses. An empty list allows every gateway.
//
// # Events
//
// Every connect, failure, eviction, and idle close is recorded as a
// [ConnectionEvent] in a per-gateway ring buffer of 100 entries.
//
// # Log Prefixes
//
// Pool and connection events log with [pool]; per-channel accept and relay
// activity logs with [forward].
package sshmanager
