package sshtunnel

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/portalloc"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/resilience"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshmanager"
)

// ActiveTunnel is the record of one live tunnel. A record never changes once
// published: a reconnect publishes a new record for the same id, so a
// reference obtained from GetTunnel stays consistent but may go stale.
type ActiveTunnel struct {
	ID         string
	LocalPort  int
	TargetHost string
	TargetPort int
	Gateway    sshmanager.ConnectionKey
	CreatedAt  time.Time
	// ReconnectedAt is zero until the tunnel has been re-created.
	ReconnectedAt time.Time
	Reconnects    int

	// sealed holds the encoded credentials the tunnel was created with.
	sealed  []byte
	channel *sshmanager.ForwardingChannel
	master  *sshmanager.MasterConnection

	stopOnce sync.Once
}

// Target returns host:port of the forwarding destination.
func (t *ActiveTunnel) Target() string {
	return net.JoinHostPort(t.TargetHost, strconv.Itoa(t.TargetPort))
}

// Channel returns the forwarding channel serving the tunnel.
func (t *ActiveTunnel) Channel() *sshmanager.ForwardingChannel {
	return t.channel
}

// Master returns the pooled connection the tunnel runs over.
func (t *ActiveTunnel) Master() *sshmanager.MasterConnection {
	return t.master
}

// Up reports whether the record holds a listening port. A tunnel that is
// being recovered keeps a record without one.
func (t *ActiveTunnel) Up() bool {
	return t.LocalPort > 0
}

// detached returns a portless copy of t, published while the tunnel is
// down so no caller is handed a port that has been given back.
func (t *ActiveTunnel) detached() *ActiveTunnel {
	return &ActiveTunnel{
		ID:            t.ID,
		TargetHost:    t.TargetHost,
		TargetPort:    t.TargetPort,
		Gateway:       t.Gateway,
		CreatedAt:     t.CreatedAt,
		ReconnectedAt: t.ReconnectedAt,
		Reconnects:    t.Reconnects,
		sealed:        t.sealed,
	}
}

// stop tears down the channel and gives the local port back. It runs at
// most once per record, so a port is never released twice.
func (t *ActiveTunnel) stop(ports *portalloc.Allocator) error {
	var err error
	t.stopOnce.Do(func() {
		if t.channel != nil {
			err = t.channel.Stop()
		}
		if t.Up() {
			ports.Release(t.LocalPort)
		}
	})
	return err
}

// TunnelInfo is a serializable view of a tunnel.
type TunnelInfo struct {
	ID            string                  `json:"id"`
	LocalPort     int                     `json:"local_port"`
	Target        string                  `json:"target"`
	Gateway       string                  `json:"gateway"`
	ConnectionID  string                  `json:"connection_id"`
	Status        resilience.Status       `json:"status"`
	Retries       int                     `json:"retries"`
	Reconnects    int                     `json:"reconnects"`
	CreatedAt     time.Time               `json:"created_at"`
	ReconnectedAt *time.Time              `json:"reconnected_at,omitempty"`
	Stats         sshmanager.ChannelStats `json:"stats"`
	LastError     string                  `json:"last_error,omitempty"`
}

func (t *ActiveTunnel) info(status resilience.Status, retries int) TunnelInfo {
	info := TunnelInfo{
		ID:         t.ID,
		LocalPort:  t.LocalPort,
		Target:     t.Target(),
		Gateway:    t.Gateway.String(),
		Status:     status,
		Retries:    retries,
		Reconnects: t.Reconnects,
		CreatedAt:  t.CreatedAt,
	}
	if !t.ReconnectedAt.IsZero() {
		at := t.ReconnectedAt
		info.ReconnectedAt = &at
	}
	if t.master != nil {
		info.ConnectionID = t.master.ID
	}
	if t.channel != nil {
		info.Stats = t.channel.Stats()
		if err := t.channel.LastError(); err != nil {
			info.LastError = err.Error()
		}
	}
	return info
}
