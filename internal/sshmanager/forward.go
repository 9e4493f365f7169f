package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/relay"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// Default bound on negotiating a single forwarding channel with the gateway.
const DefaultChannelOpenTimeout = 15 * time.Second

// ForwardingChannel listens on a loopback port and relays every accepted
// connection to the target through its master connection. It does not own
// the master connection; release tells the master the channel is gone.
type ForwardingChannel struct {
	LocalPort  int
	TargetHost string
	TargetPort int

	conn        transport.Conn
	openTimeout time.Duration
	release     func(*ForwardingChannel)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	lastErr  error

	stopOnce sync.Once

	accepted atomic.Int64
	failed   atomic.Int64
	live     atomic.Int64
	bytesOut atomic.Int64
	bytesIn  atomic.Int64
}

// ChannelStats is a point-in-time snapshot of a channel's counters.
type ChannelStats struct {
	Accepted  int64 `json:"accepted"`
	Failed    int64 `json:"failed"`
	Live      int64 `json:"live"`
	BytesSent int64 `json:"bytes_sent"`
	BytesRecv int64 `json:"bytes_received"`
}

func newForwardingChannel(conn transport.Conn, localPort int, targetHost string, targetPort int,
	openTimeout time.Duration, release func(*ForwardingChannel)) *ForwardingChannel {
	if openTimeout <= 0 {
		openTimeout = DefaultChannelOpenTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ForwardingChannel{
		LocalPort:   localPort,
		TargetHost:  targetHost,
		TargetPort:  targetPort,
		conn:        conn,
		openTimeout: openTimeout,
		release:     release,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Target returns host:port of the forwarding destination.
func (fc *ForwardingChannel) Target() string {
	return net.JoinHostPort(fc.TargetHost, strconv.Itoa(fc.TargetPort))
}

// Start binds the loopback listener and begins accepting connections.
func (fc *ForwardingChannel) Start() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.stopped {
		return fmt.Errorf("forward %d: channel already stopped", fc.LocalPort)
	}
	if fc.listener != nil {
		return fmt.Errorf("forward %d: channel already started", fc.LocalPort)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(fc.LocalPort))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return tunnelerr.New(tunnelerr.ListenerBindFailed, tunnelerr.HopLocal, "listen "+addr, err)
	}
	fc.listener = l

	fc.wg.Add(1)
	go fc.acceptLoop(l)

	log.Printf("[forward] listening on %s -> %s", addr, logutil.SanitizeForLog(fc.Target()))
	return nil
}

// Verify opens and immediately closes one channel to the target so a tunnel
// can fail fast when the gateway cannot reach it.
func (fc *ForwardingChannel) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, fc.openTimeout)
	defer cancel()
	c, err := fc.conn.OpenChannel(ctx, fc.TargetHost, fc.TargetPort)
	if err != nil {
		fc.setLastError(err)
		return err
	}
	c.Close()
	return nil
}

func (fc *ForwardingChannel) acceptLoop(l net.Listener) {
	defer fc.wg.Done()
	for {
		local, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && fc.Active() {
				log.Printf("[forward] accept on %d failed: %v", fc.LocalPort, err)
			}
			return
		}
		fc.accepted.Add(1)
		fc.wg.Add(1)
		go fc.handle(local)
	}
}

func (fc *ForwardingChannel) handle(local net.Conn) {
	defer fc.wg.Done()

	ctx, cancel := context.WithTimeout(fc.ctx, fc.openTimeout)
	remote, err := fc.conn.OpenChannel(ctx, fc.TargetHost, fc.TargetPort)
	cancel()
	if err != nil {
		local.Close()
		fc.failed.Add(1)
		fc.setLastError(err)
		log.Printf("[forward] %d -> %s: %v", fc.LocalPort, logutil.SanitizeForLog(fc.Target()), err)
		return
	}

	fc.live.Add(1)
	defer fc.live.Add(-1)
	stats := relay.PipeCounted(fc.ctx, local, remote, fc)
	log.Printf("[forward] %d -> %s closed (%s)", fc.LocalPort, logutil.SanitizeForLog(fc.Target()), stats)
}

// Add implements relay.Counter.
func (fc *ForwardingChannel) Add(out, in int64) {
	if out != 0 {
		fc.bytesOut.Add(out)
	}
	if in != 0 {
		fc.bytesIn.Add(in)
	}
}

// Stop closes the listener and every live relay, waits for them to finish,
// then notifies the owning master connection. Safe to call more than once.
func (fc *ForwardingChannel) Stop() error {
	var err error
	fc.stopOnce.Do(func() {
		fc.mu.Lock()
		fc.stopped = true
		l := fc.listener
		fc.mu.Unlock()

		if l != nil {
			if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = fmt.Errorf("forward %d: close listener: %w", fc.LocalPort, cerr)
			}
		}
		fc.cancel()
		fc.wg.Wait()

		if fc.release != nil {
			fc.release(fc)
		}
	})
	return err
}

// Active reports whether the listener is bound and the channel not stopped.
func (fc *ForwardingChannel) Active() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.listener != nil && !fc.stopped
}

// LastError returns the most recent channel open failure, if any.
func (fc *ForwardingChannel) LastError() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lastErr
}

func (fc *ForwardingChannel) setLastError(err error) {
	fc.mu.Lock()
	fc.lastErr = err
	fc.mu.Unlock()
}

// Stats returns the channel's counters.
func (fc *ForwardingChannel) Stats() ChannelStats {
	return ChannelStats{
		Accepted:  fc.accepted.Load(),
		Failed:    fc.failed.Load(),
		Live:      fc.live.Load(),
		BytesSent: fc.bytesOut.Load(),
		BytesRecv: fc.bytesIn.Load(),
	}
}
