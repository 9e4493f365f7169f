package resilience

import (
	"context"
	"log"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/netwatch"
)

// HandleNetworkEvent applies a connectivity change to every monitored tunnel.
//   - Lost: tunnels that have not failed become unstable and in-flight
//     reconnects are cancelled.
//   - Restored: unstable tunnels are re-checked; a pass makes them connected,
//     a failure starts a reconnect.
//   - TypeChanged: the same re-check runs for unstable and connected tunnels.
func (m *Monitor) HandleNetworkEvent(ev netwatch.Event) {
	log.Printf("[resilience] network %s", ev)
	switch ev.Kind {
	case netwatch.Lost:
		m.networkLost()
	case netwatch.Restored:
		m.recheck(StatusUnstable)
	case netwatch.TypeChanged:
		m.recheck(StatusUnstable, StatusConnected)
	}
}

type target struct {
	id string
	e  *entry
}

func (m *Monitor) networkLost() {
	m.mu.Lock()
	m.offline = true
	var targets []target
	for id, e := range m.entries {
		if e.status == StatusFailed {
			continue
		}
		if e.cancelReconnect != nil {
			e.cancelReconnect()
			e.cancelReconnect = nil
		}
		targets = append(targets, target{id, e})
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.set(t.id, t.e, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, StatusUnstable)
	}
}

// recheck runs the liveness function for every tunnel whose status is one
// of statuses, concurrently.
func (m *Monitor) recheck(statuses ...Status) {
	m.mu.Lock()
	m.offline = false
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	fn := m.liveness
	var targets []target
	for id, e := range m.entries {
		if contains(statuses, e.status) {
			targets = append(targets, target{id, e})
		}
	}
	m.wg.Add(len(targets))
	m.mu.Unlock()

	for _, t := range targets {
		go func(t target) {
			defer m.wg.Done()
			var err error
			if fn != nil {
				ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CheckInterval)
				err = fn(ctx, t.id)
				cancel()
			}
			if m.ctx.Err() != nil {
				return
			}
			if err == nil {
				m.set(t.id, t.e, []Status{StatusUnstable}, StatusConnected)
				return
			}
			log.Printf("[resilience] re-check of %s failed: %v", logutil.SanitizeForLog(t.id), err)
			m.set(t.id, t.e, []Status{StatusUnstable, StatusConnected}, StatusDisconnected)
		}(t)
	}
}
