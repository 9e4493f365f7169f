package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/resilience"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshmanager"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// reconnectLoop serves the monitor's reconnect requests until shutdown.
func (tm *TunnelManager) reconnectLoop() {
	defer tm.wg.Done()
	requests := tm.monitor.Requests()
	for {
		select {
		case <-tm.ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			tm.goTracked(func() { tm.handleReconnect(req) })
		}
	}
}

// handleReconnect re-creates tunnel req.ID from its retained request and
// reports the outcome to the monitor. The new tunnel may get a different
// local port.
func (tm *TunnelManager) handleReconnect(req resilience.ReconnectRequested) {
	unlock, err := tm.locks.Lock(tm.ctx, req.ID)
	if err != nil {
		return
	}
	defer unlock()

	prev := tm.GetTunnel(req.ID)
	if prev == nil {
		// Closed while the request was queued
		return
	}
	id := logutil.SanitizeForLog(req.ID)

	creds, err := tm.unseal(prev.sealed)
	if err != nil {
		log.Printf("[tunnel] reconnect %s: cannot recover credentials: %v", id, err)
		tm.setFatal(req.ID, err)
		tm.monitor.UpdateStatus(req.ID, resilience.StatusFailed)
		return
	}

	tm.monitor.UpdateStatus(req.ID, resilience.StatusConnecting)
	// Withdraw the port before giving it back to the allocator
	down := prev.detached()
	if !tm.publish(req.ID, prev, down) {
		return
	}
	prev.stop(tm.ports)

	ctx, cancel := context.WithTimeout(tm.ctx, tm.attemptTimeout)
	at, err := tm.establish(ctx, req.ID, creds, prev.TargetHost, prev.TargetPort)
	cancel()
	if err != nil {
		if tm.ctx.Err() != nil {
			return
		}
		if errors.Is(err, tunnelerr.ErrAuthenticationFailed) {
			// Retrying the same credentials cannot help and may lock the account
			log.Printf("[tunnel] reconnect %s: gateway rejected credentials, giving up: %v", id, err)
			tm.setFatal(req.ID, err)
			tm.monitor.UpdateStatus(req.ID, resilience.StatusFailed)
			return
		}
		log.Printf("[tunnel] reconnect %s attempt %d failed: %v", id, req.Attempt, err)
		tm.monitor.UpdateStatus(req.ID, resilience.StatusDisconnected)
		return
	}

	at.CreatedAt = prev.CreatedAt
	at.ReconnectedAt = tm.nowFn()
	at.Reconnects = prev.Reconnects + 1
	if !tm.publish(req.ID, down, at) {
		at.stop(tm.ports)
		return
	}
	tm.monitor.UpdateStatus(req.ID, resilience.StatusConnected)
	tm.auditor.TunnelReconnected(req.ID, at.Gateway.String(), at.Target(), at.LocalPort, req.Attempt)
	log.Printf("[tunnel] %s reconnected on 127.0.0.1:%d (attempt %d)", id, at.LocalPort, req.Attempt)
}

// onConnectionLost marks every tunnel that ran over mc as disconnected,
// which starts their recovery.
func (tm *TunnelManager) onConnectionLost(mc *sshmanager.MasterConnection, err error) {
	var ids []string
	tm.mu.RLock()
	for id, at := range tm.tunnels {
		if at.master == mc {
			ids = append(ids, id)
		}
	}
	tm.mu.RUnlock()

	tm.auditor.ConnectionLost(mc.Key.String(), mc.ID, len(ids), err)
	for _, id := range ids {
		tm.monitor.UpdateStatus(id, resilience.StatusDisconnected)
	}
}

// onStateChange drops the record of a tunnel that failed for good. It runs
// asynchronously because the monitor may call it while the tunnel's lock is
// held.
func (tm *TunnelManager) onStateChange(id string, from, to resilience.Status) {
	if to != resilience.StatusFailed {
		return
	}
	tm.goTracked(func() { tm.dropFailed(id) })
}

func (tm *TunnelManager) dropFailed(id string) {
	unlock, err := tm.locks.Lock(tm.ctx, id)
	if err != nil {
		return
	}
	defer unlock()

	// A new CreateTunnel may have revived the id in the meantime
	if s, ok := tm.monitor.Status(id); !ok || s != resilience.StatusFailed {
		return
	}
	tm.mu.Lock()
	at := tm.tunnels[id]
	delete(tm.tunnels, id)
	failErr := tm.fatal[id]
	delete(tm.fatal, id)
	tm.mu.Unlock()
	if at == nil {
		return
	}
	at.stop(tm.ports)
	if failErr == nil {
		failErr = tunnelerr.New(tunnelerr.MaxRetriesExceeded, tunnelerr.HopGateway, "reconnect "+logutil.SanitizeForLog(id),
			fmt.Errorf("gave up after %d attempt(s)", tm.monitor.Retries(id)))
	}
	tm.auditor.TunnelFailed(id, at.Gateway.String(), at.Target(), failErr)
	log.Printf("[tunnel] %s removed: %v", logutil.SanitizeForLog(id), failErr)
}

func (tm *TunnelManager) setFatal(id string, err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.fatal[id] = err
}

// CheckLiveness verifies tunnel id end to end: the record exists, its
// channel is listening, its connection is healthy and answers a keepalive.
func (tm *TunnelManager) CheckLiveness(ctx context.Context, id string) error {
	op := "liveness " + logutil.SanitizeForLog(id)
	at := tm.GetTunnel(id)
	if at == nil {
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopLocal, op, fmt.Errorf("no such tunnel"))
	}
	if !at.Up() {
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopLocal, op, fmt.Errorf("tunnel is down"))
	}
	if !at.channel.Active() {
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopLocal, op, fmt.Errorf("channel on port %d is not listening", at.LocalPort))
	}
	if !at.master.IsHealthy() {
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, op, fmt.Errorf("connection %s is not healthy", at.master.ID))
	}
	return at.master.Ping(ctx)
}
