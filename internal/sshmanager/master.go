package sshmanager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// MasterConnection is one authenticated transport to a gateway, shared by
// every forwarding channel that targets hosts behind it.
type MasterConnection struct {
	ID        string
	Key       ConnectionKey
	CreatedAt time.Time

	conn        transport.Conn
	openTimeout time.Duration
	nowFn       func() time.Time

	mu       sync.Mutex
	channels map[*ForwardingChannel]struct{}
	active   int
	lastUsed time.Time
	closed   bool

	closeOnce sync.Once
}

func newMasterConnection(key ConnectionKey, conn transport.Conn, openTimeout time.Duration, nowFn func() time.Time) *MasterConnection {
	now := nowFn()
	return &MasterConnection{
		ID:          uuid.NewString(),
		Key:         key,
		CreatedAt:   now,
		conn:        conn,
		openTimeout: openTimeout,
		nowFn:       nowFn,
		channels:    make(map[*ForwardingChannel]struct{}),
		lastUsed:    now,
	}
}

// CreateForwardingChannel builds a channel from localPort to target over
// this connection and registers it. The caller still has to Start it.
func (mc *MasterConnection) CreateForwardingChannel(localPort int, targetHost string, targetPort int) (*ForwardingChannel, error) {
	if targetHost == "" || targetPort <= 0 || targetPort > 65535 {
		return nil, fmt.Errorf("create forwarding channel: invalid target %q:%d", logutil.SanitizeForLog(targetHost), targetPort)
	}
	fc := newForwardingChannel(mc.conn, localPort, targetHost, targetPort, mc.openTimeout, mc.removeChannel)

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.closed {
		return nil, tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "create forwarding channel",
			fmt.Errorf("connection %s is closed", mc.ID))
	}
	mc.channels[fc] = struct{}{}
	mc.active++
	mc.lastUsed = mc.nowFn()
	return fc, nil
}

// removeChannel is the release callback handed to every channel. The
// membership check makes the decrement happen exactly once per channel.
func (mc *MasterConnection) removeChannel(fc *ForwardingChannel) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.channels[fc]; !ok {
		return
	}
	delete(mc.channels, fc)
	mc.active--
	mc.lastUsed = mc.nowFn()
}

// ActiveChannels returns the number of registered channels.
func (mc *MasterConnection) ActiveChannels() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.active
}

// LastUsed returns when a channel was last added or removed, or the
// connection was last handed out by the pool.
func (mc *MasterConnection) LastUsed() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.lastUsed
}

func (mc *MasterConnection) touch() {
	mc.mu.Lock()
	mc.lastUsed = mc.nowFn()
	mc.mu.Unlock()
}

// IsHealthy reports whether the connection is open and the transport has not
// signalled that it went away.
func (mc *MasterConnection) IsHealthy() bool {
	mc.mu.Lock()
	closed, active := mc.closed, mc.active
	mc.mu.Unlock()
	if closed || active < 0 {
		return false
	}
	select {
	case <-mc.conn.Done():
		return false
	default:
		return true
	}
}

// Ping runs a keepalive round trip on the transport.
func (mc *MasterConnection) Ping(ctx context.Context) error {
	if !mc.IsHealthy() {
		return tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "ping",
			fmt.Errorf("connection %s is not healthy", mc.ID))
	}
	return mc.conn.Alive(ctx)
}

// Done is closed when the underlying transport terminates.
func (mc *MasterConnection) Done() <-chan struct{} {
	return mc.conn.Done()
}

// Close stops every channel still registered, then closes the transport.
// Safe to call more than once.
func (mc *MasterConnection) Close() error {
	var err error
	mc.closeOnce.Do(func() {
		mc.mu.Lock()
		mc.closed = true
		chans := make([]*ForwardingChannel, 0, len(mc.channels))
		for fc := range mc.channels {
			chans = append(chans, fc)
		}
		mc.mu.Unlock()

		// Stop outside the lock; each Stop calls back into removeChannel.
		for _, fc := range chans {
			if serr := fc.Stop(); serr != nil {
				log.Printf("[pool] stop channel %d on %s: %v", fc.LocalPort, logutil.SanitizeForLog(mc.Key.String()), serr)
			}
		}
		if cerr := mc.conn.Close(); cerr != nil {
			err = fmt.Errorf("close connection %s: %w", mc.ID, cerr)
		}
		log.Printf("[pool] closed connection %s to %s", mc.ID, logutil.SanitizeForLog(mc.Key.String()))
	})
	return err
}

// Info is a serializable view of a master connection.
type Info struct {
	ID             string    `json:"id"`
	Gateway        string    `json:"gateway"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsed       time.Time `json:"last_used"`
	ActiveChannels int       `json:"active_channels"`
	Healthy        bool      `json:"healthy"`
}

// Info returns a snapshot of the connection.
func (mc *MasterConnection) Info() Info {
	return Info{
		ID:             mc.ID,
		Gateway:        mc.Key.String(),
		CreatedAt:      mc.CreatedAt,
		LastUsed:       mc.LastUsed(),
		ActiveChannels: mc.ActiveChannels(),
		Healthy:        mc.IsHealthy(),
	}
}
