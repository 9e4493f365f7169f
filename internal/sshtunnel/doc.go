// Package sshtunnel is the public face of the tunnel subsystem: it turns a
// request ("forward a local port through gateway G to host T") into a
// running tunnel and keeps it running.
//
// # Creating a Tunnel
//
// [TunnelManager.CreateTunnel] runs, under a per-id lock:
//
//  1. tear down any tunnel already using the id
//  2. merge the one-time passcode into password credentials
//  3. register the id with the [resilience.Monitor] (status connecting)
//  4. allocate a loopback port from the [portalloc.Allocator]
//  5. get a pooled gateway connection from the [sshmanager.Pool]
//  6. create a forwarding channel, verify the target once, start listening
//  7. publish the [ActiveTunnel] record and report connected
//
// Any failure releases what was acquired, reports failed, and returns the
// categorized error from [tunnelerr]. Creation never retries.
//
// # Recovery
//
// The manager is the monitor's liveness function ([TunnelManager.CheckLiveness])
// and its reconnect executor. Tunnels riding a pooled connection that dies
// are reported disconnected; the monitor then asks for reconnects, which the
// manager serves by re-creating the tunnel from the credentials it retained,
// sealed with [crypto.Sealer]. A re-created tunnel may listen on a different
// port, so clients should look the port up again with
// [TunnelManager.GetLocalPort] once the status is connected. When the
// gateway rejects the retained credentials the tunnel is reported failed at
// once. A failed tunnel's record is removed; its status stays queryable.
//
// # Batches
//
// [TunnelManager.CreateTunnels] creates several tunnels with one shared
// passcode, as when a saved profile is launched. Requests run in parallel
// and fail independently.
//
// # Log Prefixes
//
// Tunnel operations use the [tunnel] prefix.
package sshtunnel
