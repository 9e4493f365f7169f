package resilience

import (
	"context"
	"log"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
)

type outcome int

const (
	outcomeRetry outcome = iota
	outcomeConnected
	outcomeStop
)

// Must be called with m.mu held.
func (m *Monitor) startReconnectLocked(id string, e *entry) {
	if m.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancelReconnect = cancel
	m.wg.Add(1)
	go m.reconnect(ctx, id, e)
}

// reconnect runs the bounded retry procedure for one disconnect. Each attempt
// emits a ReconnectRequested and waits for the tunnel layer to report back.
func (m *Monitor) reconnect(ctx context.Context, id string, e *entry) {
	defer m.wg.Done()

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 1 && !sleepCtx(ctx, m.cfg.RetryDelay) {
			return
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		e.retries = attempt
		changed := e.changed
		m.mu.Unlock()

		log.Printf("[resilience] reconnect %s: attempt %d/%d", logutil.SanitizeForLog(id), attempt, m.cfg.MaxRetries)
		select {
		case m.requests <- ReconnectRequested{ID: id, Attempt: attempt}:
		case <-ctx.Done():
			return
		}

		switch m.await(ctx, e, changed) {
		case outcomeConnected:
			m.mu.Lock()
			if ctx.Err() == nil && e.cancelReconnect != nil {
				e.cancelReconnect()
				e.cancelReconnect = nil
			}
			m.mu.Unlock()
			log.Printf("[resilience] reconnect %s: succeeded on attempt %d", logutil.SanitizeForLog(id), attempt)
			return
		case outcomeStop:
			return
		}
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	e.cancelReconnect = nil
	m.mu.Unlock()

	log.Printf("[resilience] reconnect %s: giving up after %d attempt(s)", logutil.SanitizeForLog(id), m.cfg.MaxRetries)
	m.set(id, e, nil, StatusFailed)
}

// await waits for the outcome of one attempt. Connecting and unstable are
// intermediate; the attempt times out after ReconnectWait.
func (m *Monitor) await(ctx context.Context, e *entry, changed <-chan struct{}) outcome {
	timer := time.NewTimer(m.cfg.ReconnectWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return outcomeStop
		case <-timer.C:
			return outcomeRetry
		case <-changed:
			if ctx.Err() != nil {
				return outcomeStop
			}
			m.mu.Lock()
			status := e.status
			changed = e.changed
			m.mu.Unlock()
			switch status {
			case StatusConnected:
				return outcomeConnected
			case StatusFailed:
				return outcomeStop
			case StatusDisconnected:
				return outcomeRetry
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) livenessLoop(ctx context.Context, id string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx, id)
		}
	}
}

// checkOnce probes a connected tunnel and starts recovery when it fails.
func (m *Monitor) checkOnce(ctx context.Context, id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	fn := m.liveness
	if !ok || fn == nil || e.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckInterval)
	err := fn(cctx, id)
	cancel()
	if err == nil || ctx.Err() != nil {
		return
	}
	log.Printf("[resilience] liveness check for %s failed: %v", logutil.SanitizeForLog(id), err)
	m.set(id, e, []Status{StatusConnected}, StatusDisconnected)
}
