package sshmanager

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport/transporttest"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

func testCreds(host string) transport.Credentials {
	return transport.Credentials{Host: host, Port: 22, Username: "ops", Auth: transport.Password{Secret: "pw"}}
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestKeyString(t *testing.T) {
	k := KeyFor(testCreds("gw.example.com"))
	if k.String() != "ops@gw.example.com:22" {
		t.Errorf("unexpected key %s", k)
	}
	if (ConnectionKey{Host: "::1", Port: 2222, User: "u"}).String() != "u@[::1]:2222" {
		t.Error("IPv6 key not bracketed")
	}
}

func TestGetOrCreateReusesConnection(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	mc1, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	mc2, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if mc1 != mc2 {
		t.Error("expected the same pooled connection")
	}
	if d.DialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", d.DialCount())
	}
	if p.Count() != 1 {
		t.Errorf("expected 1 pooled connection, got %d", p.Count())
	}
	if len(p.GetEvents(KeyFor(creds).String())) == 0 {
		t.Error("expected a connected event")
	}
}

func TestGetOrCreateConcurrentSingleDial(t *testing.T) {
	d := transporttest.NewDialer()
	d.Gate = make(chan struct{})
	p := NewPool(d, Options{})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	const n = 10
	results := make([]*MasterConnection, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.GetOrCreate(context.Background(), KeyFor(creds), creds)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(d.Gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different connection", i)
		}
	}
	if d.DialCount() != 1 {
		t.Errorf("expected exactly 1 dial, got %d", d.DialCount())
	}
}

func TestGetOrCreateCallerCancelled(t *testing.T) {
	d := transporttest.NewDialer()
	d.Gate = make(chan struct{})
	p := NewPool(d, Options{})
	defer p.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	creds := testCreds("gw.example.com")
	_, err := p.GetOrCreate(ctx, KeyFor(creds), creds)
	if !errors.Is(err, tunnelerr.ErrTransportConnectFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected TransportConnectFailed wrapping deadline, got %v", err)
	}
	close(d.Gate)
}

func TestGetOrCreateKeyMismatch(t *testing.T) {
	p := NewPool(transporttest.NewDialer(), Options{})
	defer p.CloseAll()
	creds := testCreds("gw.example.com")
	if _, err := p.GetOrCreate(context.Background(), ConnectionKey{Host: "other", Port: 22, User: "ops"}, creds); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestTwoTargetsShareOneConnection(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	mc, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mc.CreateForwardingChannel(freePort(t), "10.0.0.5", 3389); err != nil {
		t.Fatal(err)
	}
	again, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatal(err)
	}
	if again != mc {
		t.Fatal("second target should reuse the connection")
	}
	if _, err := again.CreateForwardingChannel(freePort(t), "10.0.0.6", 3389); err != nil {
		t.Fatal(err)
	}
	if mc.ActiveChannels() != 2 {
		t.Errorf("expected 2 active channels, got %d", mc.ActiveChannels())
	}
	if d.DialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", d.DialCount())
	}
}

func TestCapacityIsSoft(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{MaxChannelsPerConnection: 1})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	mc1, _ := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if _, err := mc1.CreateForwardingChannel(freePort(t), "10.0.0.5", 3389); err != nil {
		t.Fatal(err)
	}
	mc2, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatal(err)
	}
	if mc2 == mc1 {
		t.Fatal("full connection should not be handed out")
	}
	if p.Count() != 2 || d.DialCount() != 2 {
		t.Errorf("expected 2 connections and 2 dials, got %d and %d", p.Count(), d.DialCount())
	}
}

func TestUnhealthyConnectionReplaced(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	mc1, _ := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	d.LastConn().Kill()

	mc2, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatal(err)
	}
	if mc2 == mc1 {
		t.Fatal("dead connection was reused")
	}
	if !mc2.IsHealthy() {
		t.Error("replacement should be healthy")
	}
	waitFor(t, "single pooled connection", func() bool { return p.Count() == 1 })
}

func TestConnectionLostCallback(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{})
	defer p.CloseAll()

	lost := make(chan error, 1)
	var lostConn *MasterConnection
	p.OnConnectionLost(func(mc *MasterConnection, err error) {
		lostConn = mc
		lost <- err
	})

	creds := testCreds("gw.example.com")
	mc, _ := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	fc, err := mc.CreateForwardingChannel(freePort(t), "10.0.0.5", 3389)
	if err != nil {
		t.Fatal(err)
	}
	if err := fc.Start(); err != nil {
		t.Fatal(err)
	}
	d.LastConn().Kill()

	select {
	case err := <-lost:
		if !errors.Is(err, tunnelerr.ErrConnectionUnhealthy) {
			t.Errorf("expected ConnectionUnhealthy, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("lost callback not fired")
	}
	if lostConn != mc {
		t.Error("callback got the wrong connection")
	}
	if fc.Active() {
		t.Error("channels should be stopped when their connection is lost")
	}
	if p.Count() != 0 {
		t.Errorf("expected empty pool, got %d", p.Count())
	}
	if p.GetEventCountsByType(EventDisconnected)[mc.Key.String()] != 1 {
		t.Error("expected a disconnected event")
	}
}

func TestDeadConnectionFoundOnLookupReportsLoss(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{})
	defer p.CloseAll()

	var mu sync.Mutex
	var reported []*MasterConnection
	p.OnConnectionLost(func(mc *MasterConnection, err error) {
		mu.Lock()
		reported = append(reported, mc)
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(reported)
	}

	creds := testCreds("gw.example.com")
	mc1, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatal(err)
	}
	// Lookup races the watcher for the dead connection; either way the loss
	// is reported exactly once.
	d.LastConn().Kill()
	mc2, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err != nil {
		t.Fatal(err)
	}
	if mc2 == mc1 {
		t.Fatal("dead connection was reused")
	}

	waitFor(t, "lost callback", func() bool { return count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := count(); n != 1 {
		t.Fatalf("expected one loss report, got %d", n)
	}
	mu.Lock()
	got := reported[0]
	mu.Unlock()
	if got != mc1 {
		t.Error("callback got the wrong connection")
	}
	if p.GetEventCountsByType(EventDisconnected)[KeyFor(creds).String()] != 1 {
		t.Error("expected one disconnected event")
	}
}

func TestHealthCheckFailureEvicts(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{HealthCheckInterval: 20 * time.Millisecond})
	defer p.CloseAll()

	lost := make(chan struct{}, 1)
	p.OnConnectionLost(func(*MasterConnection, error) { lost <- struct{}{} })

	creds := testCreds("gw.example.com")
	if _, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds); err != nil {
		t.Fatal(err)
	}
	conn := d.LastConn()
	conn.SetAliveError(tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "keepalive", errors.New("no reply")))

	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("keepalive failure not detected")
	}
	if !conn.IsClosed() {
		t.Error("failed connection should be closed")
	}
	if p.GetEventCountsByType(EventHealthCheckFailed)[KeyFor(creds).String()] != 1 {
		t.Error("expected a health_check_failed event")
	}
}

func TestSweepIdle(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{IdleTimeout: time.Minute})
	defer p.CloseAll()

	lost := make(chan struct{}, 2)
	p.OnConnectionLost(func(*MasterConnection, error) { lost <- struct{}{} })

	idleCreds := testCreds("idle.example.com")
	busyCreds := testCreds("busy.example.com")
	if _, err := p.GetOrCreate(context.Background(), KeyFor(idleCreds), idleCreds); err != nil {
		t.Fatal(err)
	}
	idleConn := d.LastConn()
	busy, err := p.GetOrCreate(context.Background(), KeyFor(busyCreds), busyCreds)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := busy.CreateForwardingChannel(freePort(t), "10.0.0.5", 3389); err != nil {
		t.Fatal(err)
	}

	if n := p.sweepIdle(time.Now()); n != 0 {
		t.Fatalf("nothing should be idle yet, swept %d", n)
	}
	if n := p.sweepIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 idle connection swept, got %d", n)
	}
	if !idleConn.IsClosed() {
		t.Error("idle connection should be closed")
	}
	if p.Count() != 1 {
		t.Errorf("busy connection should remain, count %d", p.Count())
	}

	select {
	case <-lost:
		t.Error("idle close must not fire lost callbacks")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvict(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	mc, _ := p.GetOrCreate(context.Background(), KeyFor(creds), creds)
	if err := p.Evict(mc); err != nil {
		t.Fatal(err)
	}
	if err := p.Evict(mc); err != nil {
		t.Fatalf("second evict should be a no-op: %v", err)
	}
	if p.Count() != 0 || mc.IsHealthy() {
		t.Error("evicted connection should be gone and closed")
	}
}

func TestCloseAll(t *testing.T) {
	d := transporttest.NewDialer()
	p := NewPool(d, Options{})

	for _, host := range []string{"a.example", "b.example"} {
		creds := testCreds(host)
		if _, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.CloseAll(); err != nil {
		t.Fatal(err)
	}
	for _, c := range d.Conns() {
		if !c.IsClosed() {
			t.Error("connection left open after CloseAll")
		}
	}
	creds := testCreds("a.example")
	if _, err := p.GetOrCreate(context.Background(), KeyFor(creds), creds); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if err := p.CloseAll(); err != nil {
		t.Errorf("second CloseAll: %v", err)
	}
}
