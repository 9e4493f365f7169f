package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/netwatch"
)

func fastConfig() Config {
	return Config{
		CheckInterval: time.Hour,
		MaxRetries:    3,
		RetryDelay:    10 * time.Millisecond,
		ReconnectWait: 2 * time.Second,
	}
}

func expectRequest(t *testing.T, m *Monitor, id string, attempt int) {
	t.Helper()
	select {
	case req := <-m.Requests():
		if req.ID != id || req.Attempt != attempt {
			t.Fatalf("expected request %s#%d, got %s#%d", id, attempt, req.ID, req.Attempt)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reconnect request for %s#%d", id, attempt)
	}
}

func expectNoRequest(t *testing.T, m *Monitor, wait time.Duration) {
	t.Helper()
	select {
	case req := <-m.Requests():
		t.Fatalf("unexpected reconnect request %+v", req)
	case <-time.After(wait):
	}
}

func waitStatus(t *testing.T, m *Monitor, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := m.Status(id); s == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := m.Status(id)
	t.Fatalf("%s: expected status %s, got %s", id, want, s)
}

func connected(m *Monitor, ids ...string) {
	for _, id := range ids {
		m.Register(id)
		m.UpdateStatus(id, StatusConnected)
	}
}

func TestRegisterAndTransitions(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()

	var mu sync.Mutex
	var seen []Transition
	m.OnStateChange(func(id string, from, to Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, Transition{From: from, To: to})
	})

	m.Register("t1")
	if s, ok := m.Status("t1"); !ok || s != StatusConnecting {
		t.Fatalf("expected connecting, got %s (%v)", s, ok)
	}
	if !m.UpdateStatus("t1", StatusConnected) {
		t.Fatal("update to connected ignored")
	}
	if m.UpdateStatus("t1", StatusConnected) {
		t.Error("repeated status should be ignored")
	}
	if m.UpdateStatus("t1", Status("bogus")) {
		t.Error("invalid status should be ignored")
	}

	tr := m.Transitions("t1")
	if len(tr) != 2 || tr[0].To != StatusConnecting || tr[1].From != StatusConnecting || tr[1].To != StatusConnected {
		t.Errorf("unexpected transitions %+v", tr)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("expected 2 callbacks, got %d", len(seen))
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()

	connected(m, "t1")
	m.Unregister("t1")
	m.Unregister("t1")
	m.Unregister("never")

	if _, ok := m.Status("t1"); ok {
		t.Error("unregistered tunnel still has a status")
	}
	if m.UpdateStatus("t1", StatusDisconnected) {
		t.Error("update for unregistered tunnel should be ignored")
	}
	if len(m.Transitions("t1")) == 0 {
		t.Error("history should outlive unregister")
	}
	expectNoRequest(t, m, 50*time.Millisecond)
}

func TestReconnectSucceeds(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()

	connected(m, "t1")
	m.UpdateStatus("t1", StatusDisconnected)
	expectRequest(t, m, "t1", 1)
	if m.Retries("t1") != 1 {
		t.Errorf("expected retries 1 during attempt, got %d", m.Retries("t1"))
	}

	m.UpdateStatus("t1", StatusConnecting)
	m.UpdateStatus("t1", StatusConnected)
	waitStatus(t, m, "t1", StatusConnected)
	if m.Retries("t1") != 0 {
		t.Errorf("retries should reset on connected, got %d", m.Retries("t1"))
	}
	expectNoRequest(t, m, 100*time.Millisecond)

	// A later disconnect starts a fresh procedure
	m.UpdateStatus("t1", StatusDisconnected)
	expectRequest(t, m, "t1", 1)
}

func TestThreeFailedAttemptsMarkFailed(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()

	failed := make(chan struct{}, 1)
	m.OnStateChange(func(id string, from, to Status) {
		if to == StatusFailed {
			failed <- struct{}{}
		}
	})

	connected(m, "t1")
	m.UpdateStatus("t1", StatusDisconnected)
	for attempt := 1; attempt <= 3; attempt++ {
		expectRequest(t, m, "t1", attempt)
		m.UpdateStatus("t1", StatusConnecting)
		m.UpdateStatus("t1", StatusDisconnected)
	}

	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel never failed")
	}
	if s, _ := m.Status("t1"); s != StatusFailed {
		t.Fatalf("expected failed, got %s", s)
	}
	expectNoRequest(t, m, 100*time.Millisecond)

	if m.UpdateStatus("t1", StatusConnected) {
		t.Error("failed is terminal")
	}

	// Re-registering starts over
	m.Register("t1")
	waitStatus(t, m, "t1", StatusConnecting)
}

func TestAttemptTimesOut(t *testing.T) {
	cfg := fastConfig()
	cfg.ReconnectWait = 30 * time.Millisecond
	m := NewMonitor(cfg)
	defer m.Close()

	connected(m, "t1")
	m.UpdateStatus("t1", StatusDisconnected)
	expectRequest(t, m, "t1", 1)
	expectRequest(t, m, "t1", 2)
	expectRequest(t, m, "t1", 3)
	waitStatus(t, m, "t1", StatusFailed)
}

func TestFailedStopsProcedure(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()

	connected(m, "t1")
	m.UpdateStatus("t1", StatusDisconnected)
	expectRequest(t, m, "t1", 1)
	m.UpdateStatus("t1", StatusFailed)
	expectNoRequest(t, m, 100*time.Millisecond)
}

func TestZeroRetriesFailsImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	m := NewMonitor(cfg)
	defer m.Close()

	connected(m, "t1")
	m.UpdateStatus("t1", StatusDisconnected)
	waitStatus(t, m, "t1", StatusFailed)
	expectNoRequest(t, m, 50*time.Millisecond)
}

func TestNetworkLostAndRestored(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()
	m.SetLivenessFunc(func(ctx context.Context, id string) error {
		if id == "b" {
			return errors.New("channel dead")
		}
		return nil
	})

	connected(m, "a", "b")
	m.HandleNetworkEvent(netwatch.Event{Kind: netwatch.Lost})
	waitStatus(t, m, "a", StatusUnstable)
	waitStatus(t, m, "b", StatusUnstable)
	if !m.Offline() {
		t.Error("monitor should be offline")
	}

	// A disconnect reported while offline stays unstable
	m.UpdateStatus("b", StatusDisconnected)
	if s, _ := m.Status("b"); s != StatusUnstable {
		t.Errorf("expected unstable while offline, got %s", s)
	}
	expectNoRequest(t, m, 50*time.Millisecond)

	m.HandleNetworkEvent(netwatch.Event{Kind: netwatch.Restored})
	waitStatus(t, m, "a", StatusConnected)
	expectRequest(t, m, "b", 1)
	if s, _ := m.Status("b"); s != StatusDisconnected {
		t.Errorf("expected b disconnected, got %s", s)
	}
}

func TestNetworkLostCancelsReconnect(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()

	connected(m, "t1")
	m.UpdateStatus("t1", StatusDisconnected)
	expectRequest(t, m, "t1", 1)

	m.HandleNetworkEvent(netwatch.Event{Kind: netwatch.Lost})
	waitStatus(t, m, "t1", StatusUnstable)
	m.UpdateStatus("t1", StatusDisconnected)
	expectNoRequest(t, m, 100*time.Millisecond)
}

func TestNetworkTypeChangeRechecksConnected(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()
	m.SetLivenessFunc(func(context.Context, string) error { return errors.New("stale route") })

	connected(m, "t1")
	m.HandleNetworkEvent(netwatch.Event{Kind: netwatch.TypeChanged, From: netwatch.TypeWiFi, To: netwatch.TypeCellular})
	expectRequest(t, m, "t1", 1)
}

func TestLivenessTaskDetectsFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.CheckInterval = 20 * time.Millisecond
	m := NewMonitor(cfg)
	defer m.Close()

	var healthy sync.Map
	m.SetLivenessFunc(func(_ context.Context, id string) error {
		if _, ok := healthy.Load(id); ok {
			return nil
		}
		return errors.New("keepalive timeout")
	})

	healthy.Store("t1", true)
	connected(m, "t1")
	expectNoRequest(t, m, 80*time.Millisecond)

	healthy.Delete("t1")
	expectRequest(t, m, "t1", 1)
}

func TestTransitionHistoryBounded(t *testing.T) {
	m := NewMonitor(fastConfig())
	defer m.Close()
	m.Register("t1")
	for i := 0; i < 40; i++ {
		m.UpdateStatus("t1", StatusConnected)
		m.UpdateStatus("t1", StatusUnstable)
	}
	if n := len(m.Transitions("t1")); n != maxTransitionsPerTunnel {
		t.Errorf("expected %d transitions, got %d", maxTransitionsPerTunnel, n)
	}
}

func TestPruneForgetsFailedAndReleasedTunnels(t *testing.T) {
	cfg := fastConfig()
	cfg.Retention = time.Minute
	m := NewMonitor(cfg)
	defer m.Close()

	m.Register("failed")
	m.UpdateStatus("failed", StatusFailed)
	m.Register("closed")
	m.Unregister("closed")
	m.Register("revived")
	m.Unregister("revived")
	m.Register("revived")
	connected(m, "live")

	now := time.Now()
	if n := m.prune(now); n != 0 {
		t.Fatalf("nothing is old enough yet, pruned %d", n)
	}
	if s, ok := m.Status("failed"); !ok || s != StatusFailed {
		t.Errorf("failed status should stay queryable within retention, got %s", s)
	}

	if n := m.prune(now.Add(2 * time.Minute)); n != 2 {
		t.Errorf("expected 2 ids forgotten, got %d", n)
	}
	if _, ok := m.Status("failed"); ok {
		t.Error("failed entry should be forgotten after retention")
	}
	for _, id := range []string{"failed", "closed"} {
		if n := len(m.Transitions(id)); n != 0 {
			t.Errorf("%s: expected history pruned, got %d transitions", id, n)
		}
	}
	for _, id := range []string{"revived", "live"} {
		if _, ok := m.Status(id); !ok || len(m.Transitions(id)) == 0 {
			t.Errorf("%s: monitored tunnels must keep status and history", id)
		}
	}
}

func TestCloseClosesRequests(t *testing.T) {
	m := NewMonitor(fastConfig())
	connected(m, "t1")
	m.Close()
	m.Close()
	if _, ok := <-m.Requests(); ok {
		t.Error("requests channel should be closed")
	}
	m.Register("t2")
	if _, ok := m.Status("t2"); ok {
		t.Error("register after close should be ignored")
	}
}
