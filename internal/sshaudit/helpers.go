package sshaudit

import (
	"fmt"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// TunnelCreated logs a tunnel that came up, with how long setup took.
func (a *Auditor) TunnelCreated(tunnelID, gateway, target string, localPort int, took time.Duration) {
	a.Log(AuditEntry{
		TunnelID:   tunnelID,
		Gateway:    gateway,
		Target:     target,
		LocalPort:  localPort,
		EventType:  EventTunnelCreated,
		DurationMs: took.Milliseconds(),
	})
}

// TunnelCreateFailed logs a creation attempt that did not produce a tunnel.
func (a *Auditor) TunnelCreateFailed(tunnelID, gateway, target string, err error) {
	a.Log(AuditEntry{
		TunnelID:  tunnelID,
		Gateway:   gateway,
		Target:    target,
		EventType: EventTunnelCreateFailed,
		ErrorKind: kindString(err),
		Details:   errString(err),
	})
}

// TunnelClosed logs a tunnel teardown with its lifetime.
func (a *Auditor) TunnelClosed(tunnelID, gateway, target string, localPort int, reason string, lifetime time.Duration) {
	a.Log(AuditEntry{
		TunnelID:   tunnelID,
		Gateway:    gateway,
		Target:     target,
		LocalPort:  localPort,
		EventType:  EventTunnelClosed,
		Details:    reason,
		DurationMs: lifetime.Milliseconds(),
	})
}

// TunnelReconnected logs a tunnel re-created by the recovery procedure.
func (a *Auditor) TunnelReconnected(tunnelID, gateway, target string, localPort, attempt int) {
	a.Log(AuditEntry{
		TunnelID:  tunnelID,
		Gateway:   gateway,
		Target:    target,
		LocalPort: localPort,
		EventType: EventTunnelReconnected,
		Details:   fmt.Sprintf("attempt=%d", attempt),
	})
}

// TunnelFailed logs a tunnel that gave up recovering.
func (a *Auditor) TunnelFailed(tunnelID, gateway, target string, err error) {
	a.Log(AuditEntry{
		TunnelID:  tunnelID,
		Gateway:   gateway,
		Target:    target,
		EventType: EventTunnelFailed,
		ErrorKind: kindString(err),
		Details:   errString(err),
	})
}

// ConnectionLost logs a pooled gateway connection that dropped.
func (a *Auditor) ConnectionLost(gateway, connID string, tunnels int, err error) {
	a.Log(AuditEntry{
		Gateway:   gateway,
		EventType: EventConnectionLost,
		ErrorKind: kindString(err),
		Details:   fmt.Sprintf("conn=%s tunnels=%d: %s", connID, tunnels, errString(err)),
	})
}

// NetworkChanged logs a connectivity change seen by the host.
func (a *Auditor) NetworkChanged(details string) {
	a.Log(AuditEntry{
		EventType: EventNetworkChanged,
		Details:   details,
	})
}

func kindString(err error) string {
	if err == nil {
		return ""
	}
	return tunnelerr.KindOf(err).String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
