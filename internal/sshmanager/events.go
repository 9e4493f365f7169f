package sshmanager

import (
	"log"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
)

// EventType identifies the type of connection event.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventConnectFailed     EventType = "connect_failed"
	EventDisconnected      EventType = "disconnected"
	EventHealthCheckFailed EventType = "health_check_failed"
	EventEvicted           EventType = "evicted"
	EventIdleClosed        EventType = "idle_closed"
)

// ConnectionEvent represents a state change event for a gateway connection.
type ConnectionEvent struct {
	Gateway      string    `json:"gateway"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Type         EventType `json:"type"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}

// maxEventsPerGateway limits the number of stored events per gateway.
const maxEventsPerGateway = 100

// LogEvent records a connection event for the given gateway. Events are kept
// in a ring buffer (last 100 per gateway) and also written to the standard
// logger.
func (p *Pool) LogEvent(gateway string, eventType EventType, details string) {
	p.emitEvent(gateway, "", eventType, details)
}

func (p *Pool) emitEvent(gateway, connID string, eventType EventType, details string) {
	event := ConnectionEvent{
		Gateway:      gateway,
		ConnectionID: connID,
		Type:         eventType,
		Details:      details,
		Timestamp:    p.nowFn(),
	}

	p.eventsMu.Lock()
	events := p.events[gateway]
	events = append(events, event)
	if len(events) > maxEventsPerGateway {
		events = events[len(events)-maxEventsPerGateway:]
	}
	p.events[gateway] = events
	p.eventsMu.Unlock()

	log.Printf("[pool] event %s/%s: %s", logutil.SanitizeForLog(gateway), eventType, details)
}

// GetEvents returns all stored connection events for the given gateway.
func (p *Pool) GetEvents(gateway string) []ConnectionEvent {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	events := p.events[gateway]
	result := make([]ConnectionEvent, len(events))
	copy(result, events)
	return result
}

// GetRecentEvents returns the most recent n events for the given gateway.
func (p *Pool) GetRecentEvents(gateway string, n int) []ConnectionEvent {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	events := p.events[gateway]
	if n < 0 || len(events) <= n {
		result := make([]ConnectionEvent, len(events))
		copy(result, events)
		return result
	}
	result := make([]ConnectionEvent, n)
	copy(result, events[len(events)-n:])
	return result
}

// ClearEvents removes all stored events for the given gateway.
func (p *Pool) ClearEvents(gateway string) {
	p.eventsMu.Lock()
	defer p.eventsMu.Unlock()
	delete(p.events, gateway)
}

// GetEventCountsByType returns, per gateway, how many stored events match
// eventType. Gateways without a matching event are omitted.
func (p *Pool) GetEventCountsByType(eventType EventType) map[string]int {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	result := make(map[string]int)
	for gw, events := range p.events {
		count := 0
		for _, e := range events {
			if e.Type == eventType {
				count++
			}
		}
		if count > 0 {
			result[gw] = count
		}
	}
	return result
}
