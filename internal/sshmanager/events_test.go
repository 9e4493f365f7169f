package sshmanager

import (
	"fmt"
	"sync"
	"testing"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport/transporttest"
)

func TestLogEventStoresEvent(t *testing.T) {
	p := NewPool(transporttest.NewDialer(), Options{})
	defer p.CloseAll()

	p.LogEvent(gwKey, EventConnected, "connected in 12ms")

	events := p.GetEvents(gwKey)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Type != EventConnected || e.Gateway != gwKey || e.Details != "connected in 12ms" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestLogEventRingBuffer(t *testing.T) {
	p := NewPool(transporttest.NewDialer(), Options{})
	defer p.CloseAll()

	for i := 0; i < maxEventsPerGateway+50; i++ {
		p.LogEvent(gwKey, EventConnected, fmt.Sprintf("event %d", i))
	}

	events := p.GetEvents(gwKey)
	if len(events) != maxEventsPerGateway {
		t.Fatalf("expected %d events, got %d", maxEventsPerGateway, len(events))
	}
	if events[0].Details != "event 50" {
		t.Errorf("expected oldest kept event 'event 50', got %q", events[0].Details)
	}

	recent := p.GetRecentEvents(gwKey, 3)
	if len(recent) != 3 || recent[2].Details != fmt.Sprintf("event %d", maxEventsPerGateway+49) {
		t.Errorf("unexpected recent events %+v", recent)
	}
}

func TestEventCountsAndClear(t *testing.T) {
	p := NewPool(transporttest.NewDialer(), Options{})
	defer p.CloseAll()

	p.LogEvent("a@gw:22", EventDisconnected, "x")
	p.LogEvent("a@gw:22", EventDisconnected, "y")
	p.LogEvent("b@gw:22", EventConnected, "z")

	counts := p.GetEventCountsByType(EventDisconnected)
	if counts["a@gw:22"] != 2 || len(counts) != 1 {
		t.Errorf("unexpected counts %v", counts)
	}

	p.ClearEvents("a@gw:22")
	if len(p.GetEvents("a@gw:22")) != 0 {
		t.Error("events should be cleared")
	}
	if len(p.GetEvents("b@gw:22")) != 1 {
		t.Error("other gateway's events should survive")
	}
}

func TestLogEventConcurrent(t *testing.T) {
	p := NewPool(transporttest.NewDialer(), Options{})
	defer p.CloseAll()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p.LogEvent(gwKey, EventConnected, fmt.Sprint(i))
		}(i)
		go func() {
			defer wg.Done()
			p.GetEvents(gwKey)
		}()
	}
	wg.Wait()
	if n := len(p.GetEvents(gwKey)); n != 20 {
		t.Errorf("expected 20 events, got %d", n)
	}
}
