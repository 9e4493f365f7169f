package sshmanager

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport/transporttest"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

func dialLocal(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		t.Fatalf("dial local port %d: %v", port, err)
	}
	return c
}

func TestForwardRelaysBytes(t *testing.T) {
	mc, conn := newTestMaster(t)
	defer mc.Close()

	port := freePort(t)
	fc, err := mc.CreateForwardingChannel(port, "10.0.0.5", 3389)
	if err != nil {
		t.Fatal(err)
	}
	if err := fc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !fc.Active() {
		t.Fatal("channel should be active after Start")
	}

	c := dialLocal(t, port)
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("expected echo 'hello', got %q", buf)
	}
	c.Close()

	if err := fc.Stop(); err != nil {
		t.Fatal(err)
	}
	stats := fc.Stats()
	if stats.Accepted != 1 || stats.Failed != 0 || stats.Live != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.BytesSent != 5 || stats.BytesRecv != 5 {
		t.Errorf("expected 5 bytes each way, got %+v", stats)
	}
	if conn.Opened() != 1 {
		t.Errorf("expected 1 channel opened on the transport, got %d", conn.Opened())
	}
}

func TestForwardVerifyReachable(t *testing.T) {
	mc, conn := newTestMaster(t)
	defer mc.Close()

	fc, err := mc.CreateForwardingChannel(freePort(t), "10.0.0.5", 3389)
	if err != nil {
		t.Fatal(err)
	}
	if err := fc.Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if conn.Opened() != 1 {
		t.Errorf("Verify should open exactly one channel, got %d", conn.Opened())
	}
	if fc.LastError() != nil {
		t.Errorf("unexpected last error %v", fc.LastError())
	}
}

func TestForwardVerifyRejected(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetTargetUnreachable("10.99.0.1", 3389)
	mc := dialMaster(t, d)
	defer mc.Close()

	port := freePort(t)
	fc, err := mc.CreateForwardingChannel(port, "10.99.0.1", 3389)
	if err != nil {
		t.Fatal(err)
	}
	err = fc.Verify(context.Background())
	if !errors.Is(err, &tunnelerr.Error{Kind: tunnelerr.ChannelRejected, Reason: tunnelerr.ReasonNoRoute}) {
		t.Fatalf("expected ChannelRejected/no_route, got %v", err)
	}
	if !errors.Is(fc.LastError(), tunnelerr.ErrChannelRejected) {
		t.Errorf("LastError not recorded: %v", fc.LastError())
	}

	// Accepted connections to an unreachable target are closed
	if err := fc.Start(); err != nil {
		t.Fatal(err)
	}
	c := dialLocal(t, port)
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF from rejected pairing, got %v", err)
	}
	waitFor(t, "failed count", func() bool { return fc.Stats().Failed == 1 })
	fc.Stop()
}

func TestForwardBindFailure(t *testing.T) {
	mc, _ := newTestMaster(t)
	defer mc.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	fc, err := mc.CreateForwardingChannel(busy, "10.0.0.5", 3389)
	if err != nil {
		t.Fatal(err)
	}
	if err := fc.Start(); !errors.Is(err, tunnelerr.ErrListenerBindFailed) {
		t.Fatalf("expected ListenerBindFailed, got %v", err)
	}
	if fc.Active() {
		t.Error("channel must not be active after bind failure")
	}
	fc.Stop()
	if mc.ActiveChannels() != 0 {
		t.Error("stopping a never-started channel should still release it")
	}
}

func TestForwardStopClosesLivePairings(t *testing.T) {
	mc, _ := newTestMaster(t)
	defer mc.Close()

	port := freePort(t)
	fc, err := mc.CreateForwardingChannel(port, "10.0.0.5", 3389)
	if err != nil {
		t.Fatal(err)
	}
	if err := fc.Start(); err != nil {
		t.Fatal(err)
	}
	c := dialLocal(t, port)
	defer c.Close()
	c.Write([]byte("x"))
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	io.ReadFull(c, make([]byte, 1))
	waitFor(t, "live pairing", func() bool { return fc.Stats().Live == 1 })

	if err := fc.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("client connection should be closed by Stop")
	}
	if fc.Stats().Live != 0 {
		t.Error("live pairings should be drained")
	}
	if err := fc.Start(); err == nil {
		t.Error("Start after Stop should fail")
	}

	// The port is free again
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	l.Close()
}
