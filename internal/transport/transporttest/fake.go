// Package transporttest provides an in-memory transport for tests. Channels
// opened through a fake Conn are net.Pipe pairs whose far end echoes every
// byte back, unless the target was configured to fail.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// Dialer is a fake transport.Dialer.
type Dialer struct {
	mu         sync.Mutex
	dialErr    error
	targetErrs map[string]error
	conns      []*Conn
	dials      int
	// Gate, when set, is received from before each dial completes so tests
	// can hold dials open to provoke races.
	Gate chan struct{}
}

// NewDialer creates a Dialer whose dials succeed.
func NewDialer() *Dialer {
	return &Dialer{targetErrs: make(map[string]error)}
}

// SetDialError makes subsequent dials fail with err (nil to succeed again).
func (d *Dialer) SetDialError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// SetTargetError makes channel opens to host:port fail with err on every
// connection from this dialer. A nil err clears it.
func (d *Dialer) SetTargetError(host string, port int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if err == nil {
		delete(d.targetErrs, key)
		return
	}
	d.targetErrs[key] = err
}

// SetTargetUnreachable makes host:port fail the way an SSH gateway reports
// "no route to host".
func (d *Dialer) SetTargetUnreachable(host string, port int) {
	d.SetTargetError(host, port, transport.ChannelOpenFailed(host, port, "connect failed: no route to host"))
}

// DialCount returns how many successful dials happened.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every connection this dialer produced.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// LastConn returns the most recent connection, or nil.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway, "connect", ctx.Err())
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if err := creds.Validate(); err != nil {
		return nil, tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway, "connect", err)
	}
	c := &Conn{
		dialer: d,
		Creds:  creds,
		done:   make(chan struct{}),
	}
	d.conns = append(d.conns, c)
	d.dials++
	return c, nil
}

func (d *Dialer) targetErr(host string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targetErrs[net.JoinHostPort(host, strconv.Itoa(port))]
}

// Conn is a fake transport.Conn.
type Conn struct {
	dialer *Dialer
	Creds  transport.Credentials

	mu       sync.Mutex
	aliveErr error
	opened   int
	closed   bool
	done     chan struct{}
}

func (c *Conn) OpenChannel(ctx context.Context, host string, port int) (net.Conn, error) {
	select {
	case <-c.done:
		return nil, tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "open channel",
			fmt.Errorf("connection closed"))
	default:
	}
	if err := c.dialer.targetErr(host, port); err != nil {
		return nil, err
	}
	near, far := net.Pipe()
	go func() {
		defer far.Close()
		io.Copy(far, far)
	}()
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
	return near, nil
}

func (c *Conn) Alive(ctx context.Context) error {
	select {
	case <-c.done:
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "keepalive",
			fmt.Errorf("connection closed"))
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliveErr
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Kill simulates the gateway dropping the connection.
func (c *Conn) Kill() { c.Close() }

// IsClosed reports whether Close or Kill was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetAliveError makes keepalives fail with err while the connection stays
// open, like a half-dead TCP session.
func (c *Conn) SetAliveError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliveErr = err
}

// Opened returns how many channels were opened on this connection.
func (c *Conn) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}
