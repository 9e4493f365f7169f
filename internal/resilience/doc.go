// Package resilience watches tunnel health and drives bounded recovery.
//
// A [Monitor] holds one status per tunnel id:
//
//	connecting -> connected <-> disconnected -> failed
//	                  \            /
//	                   `- unstable'
//
// Entering connected resets the retry counter. A transition to disconnected
// starts the reconnect procedure: up to MaxRetries attempts, RetryDelay
// apart. Each attempt sends a [ReconnectRequested] on [Monitor.Requests] and
// waits up to ReconnectWait for the tunnel layer to report connected (done),
// disconnected (next attempt), or failed (stop; used when the gateway
// rejected the credentials). When every attempt fails the tunnel becomes
// failed, which is terminal until the id is registered again.
//
// Every registered tunnel also gets a liveness task that runs the installed
// [LivenessFunc] while the tunnel is connected.
//
// Network events come from [netwatch]. Losing the network parks every live
// tunnel in unstable and cancels reconnects, since none can succeed; a
// restore re-checks unstable tunnels, and a change of network type re-checks
// connected ones as well.
//
// State callbacks registered with [Monitor.OnStateChange] run outside the
// monitor's lock, so they may call back into it.
package resilience
