package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/crypto"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/netwatch"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/portalloc"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/resilience"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshaudit"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshmanager"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// DefaultAttemptTimeout bounds one reconnect attempt.
const DefaultAttemptTimeout = 30 * time.Second

// ErrShutdown is returned by CreateTunnel after Shutdown.
var ErrShutdown = errors.New("tunnel manager is shut down")

// Option configures a TunnelManager.
type Option func(*TunnelManager)

// WithSealer sets the sealer used for retained credentials. Without one a
// fresh per-process key is generated.
func WithSealer(s *crypto.Sealer) Option {
	return func(tm *TunnelManager) { tm.sealer = s }
}

// WithAuditor records lifecycle events to a.
func WithAuditor(a *sshaudit.Auditor) Option {
	return func(tm *TunnelManager) { tm.auditor = a }
}

// WithAttemptTimeout bounds each reconnect attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(tm *TunnelManager) {
		if d > 0 {
			tm.attemptTimeout = d
		}
	}
}

// TunnelManager creates tunnels on demand and keeps them alive. It owns the
// tunnel records; connections belong to the pool, ports to the allocator and
// health state to the monitor.
type TunnelManager struct {
	pool    *sshmanager.Pool
	ports   *portalloc.Allocator
	monitor *resilience.Monitor
	sealer  *crypto.Sealer
	auditor *sshaudit.Auditor
	nowFn   func() time.Time

	attemptTimeout time.Duration
	locks          *keyLock

	mu      sync.RWMutex
	tunnels map[string]*ActiveTunnel
	// fatal holds the error that ended recovery early, until the record is
	// dropped.
	fatal  map[string]error
	closed bool

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewTunnelManager wires a TunnelManager to its collaborators: it installs
// the monitor's liveness function, subscribes to monitor state changes and
// pool connection losses, and starts consuming reconnect requests.
func NewTunnelManager(pool *sshmanager.Pool, ports *portalloc.Allocator, monitor *resilience.Monitor, opts ...Option) (*TunnelManager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	tm := &TunnelManager{
		pool:           pool,
		ports:          ports,
		monitor:        monitor,
		nowFn:          time.Now,
		attemptTimeout: DefaultAttemptTimeout,
		locks:          newKeyLock(),
		tunnels:        make(map[string]*ActiveTunnel),
		fatal:          make(map[string]error),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(tm)
	}
	if tm.sealer == nil {
		s, err := crypto.NewSealer()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("tunnel manager: %w", err)
		}
		tm.sealer = s
	}

	monitor.SetLivenessFunc(tm.CheckLiveness)
	monitor.OnStateChange(tm.onStateChange)
	pool.OnConnectionLost(tm.onConnectionLost)

	tm.wg.Add(1)
	go tm.reconnectLoop()
	return tm, nil
}

// CreateTunnel brings up tunnel id: a loopback port forwarded through the
// gateway in creds to targetHost:targetPort. An existing tunnel with the same
// id is torn down first. otp, when non-empty, is merged into password
// credentials. The returned port is where clients should connect.
//
// Failures are returned categorized and never retried here; the tunnel is
// left in status failed with nothing allocated.
func (tm *TunnelManager) CreateTunnel(ctx context.Context, id string, creds transport.Credentials, targetHost string, targetPort int, otp string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("create tunnel: empty id")
	}
	op := "create tunnel " + logutil.SanitizeForLog(id)
	if err := creds.Validate(); err != nil {
		return 0, tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway, op, err)
	}
	if targetHost == "" || targetPort <= 0 || targetPort > 65535 {
		return 0, fmt.Errorf("%s: invalid target %q:%d", op, logutil.SanitizeForLog(targetHost), targetPort)
	}
	merged, applied := creds.WithOTP(otp)
	if otp != "" && !applied {
		log.Printf("[tunnel] %s: one-time passcode ignored for %s credentials",
			logutil.SanitizeForLog(id), creds.Auth.Kind())
	}

	unlock, err := tm.locks.Lock(ctx, id)
	if err != nil {
		return 0, tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopLocal, op, err)
	}
	defer unlock()

	if tm.isClosed() {
		return 0, ErrShutdown
	}

	if old := tm.take(id); old != nil {
		tm.stopTunnel(old, "replaced")
	}

	start := tm.nowFn()
	gateway := sshmanager.KeyFor(merged).String()
	target := fmt.Sprintf("%s:%d", targetHost, targetPort)
	log.Printf("[tunnel] creating %s: %s via %s", logutil.SanitizeForLog(id), logutil.SanitizeForLog(target), logutil.SanitizeForLog(gateway))

	tm.monitor.Register(id)
	at, err := tm.establish(ctx, id, merged, targetHost, targetPort)
	if err != nil {
		tm.monitor.UpdateStatus(id, resilience.StatusFailed)
		tm.auditor.TunnelCreateFailed(id, gateway, target, err)
		log.Printf("[tunnel] create %s failed: %v", logutil.SanitizeForLog(id), err)
		return 0, err
	}
	at.CreatedAt = start

	if !tm.publish(id, nil, at) {
		at.stop(tm.ports)
		tm.monitor.UpdateStatus(id, resilience.StatusFailed)
		return 0, ErrShutdown
	}
	tm.monitor.UpdateStatus(id, resilience.StatusConnected)
	tm.auditor.TunnelCreated(id, gateway, target, at.LocalPort, tm.nowFn().Sub(start))
	log.Printf("[tunnel] %s up on 127.0.0.1:%d", logutil.SanitizeForLog(id), at.LocalPort)
	return at.LocalPort, nil
}

// establish allocates a port, gets a pooled connection, verifies the target
// and starts forwarding. Everything acquired is released on failure.
func (tm *TunnelManager) establish(ctx context.Context, id string, creds transport.Credentials, targetHost string, targetPort int) (*ActiveTunnel, error) {
	sealed, err := tm.seal(creds)
	if err != nil {
		return nil, err
	}

	port, err := tm.ports.Allocate()
	if err != nil {
		return nil, err
	}

	key := sshmanager.KeyFor(creds)
	mc, err := tm.pool.GetOrCreate(ctx, key, creds)
	if err != nil {
		tm.ports.Release(port)
		return nil, err
	}

	fc, err := mc.CreateForwardingChannel(port, targetHost, targetPort)
	if err != nil {
		tm.ports.Release(port)
		return nil, err
	}

	at := &ActiveTunnel{
		ID:         id,
		LocalPort:  port,
		TargetHost: targetHost,
		TargetPort: targetPort,
		Gateway:    key,
		CreatedAt:  tm.nowFn(),
		sealed:     sealed,
		channel:    fc,
		master:     mc,
	}

	if err := fc.Verify(ctx); err != nil {
		at.stop(tm.ports)
		return nil, err
	}
	if err := fc.Start(); err != nil {
		at.stop(tm.ports)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		at.stop(tm.ports)
		return nil, tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopLocal, "create tunnel "+logutil.SanitizeForLog(id), err)
	}
	return at, nil
}

// CloseTunnel stops monitoring id, stops its channel and frees its port. The
// gateway connection stays pooled for reuse. Unknown ids are a no-op.
func (tm *TunnelManager) CloseTunnel(id string) error {
	unlock, err := tm.locks.Lock(context.Background(), id)
	if err != nil {
		return err
	}
	defer unlock()

	tm.monitor.Unregister(id)
	at := tm.take(id)
	if at == nil {
		return nil
	}
	return tm.stopTunnel(at, "closed")
}

// CloseAllTunnels closes every tunnel.
func (tm *TunnelManager) CloseAllTunnels() {
	tm.mu.RLock()
	ids := make([]string, 0, len(tm.tunnels))
	for id := range tm.tunnels {
		ids = append(ids, id)
	}
	tm.mu.RUnlock()

	for _, id := range ids {
		if err := tm.CloseTunnel(id); err != nil {
			log.Printf("[tunnel] error closing %s: %v", logutil.SanitizeForLog(id), err)
		}
	}
	if len(ids) > 0 {
		log.Printf("[tunnel] closed all %d tunnel(s)", len(ids))
	}
}

func (tm *TunnelManager) stopTunnel(at *ActiveTunnel, reason string) error {
	err := at.stop(tm.ports)
	lifetime := tm.nowFn().Sub(at.CreatedAt)
	tm.auditor.TunnelClosed(at.ID, at.Gateway.String(), at.Target(), at.LocalPort, reason, lifetime)
	log.Printf("[tunnel] %s %s after %s", logutil.SanitizeForLog(at.ID), reason, lifetime.Truncate(time.Second))
	return err
}

// GetLocalPort returns the loopback port of tunnel id. The port can change
// when the tunnel is re-created after a disconnect, and there is none while
// a reconnect is pending.
func (tm *TunnelManager) GetLocalPort(id string) (int, bool) {
	if at := tm.GetTunnel(id); at != nil && at.Up() {
		return at.LocalPort, true
	}
	return 0, false
}

// HasTunnel reports whether a tunnel record exists for id, including one
// that is down and waiting for a reconnect.
func (tm *TunnelManager) HasTunnel(id string) bool {
	return tm.GetTunnel(id) != nil
}

// GetTunnel returns the current record for id, or nil.
func (tm *TunnelManager) GetTunnel(id string) *ActiveTunnel {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.tunnels[id]
}

// Tunnels returns every current record, ordered by id.
func (tm *TunnelManager) Tunnels() []*ActiveTunnel {
	tm.mu.RLock()
	out := make([]*ActiveTunnel, 0, len(tm.tunnels))
	for _, at := range tm.tunnels {
		out = append(out, at)
	}
	tm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the monitor's view of tunnel id. It is available for
// failed tunnels too, after their record is gone.
func (tm *TunnelManager) Status(id string) (resilience.Status, bool) {
	return tm.monitor.Status(id)
}

// Info returns a serializable view of tunnel id.
func (tm *TunnelManager) Info(id string) (TunnelInfo, bool) {
	at := tm.GetTunnel(id)
	if at == nil {
		return TunnelInfo{}, false
	}
	status, _ := tm.monitor.Status(id)
	return at.info(status, tm.monitor.Retries(id)), true
}

// Infos returns a serializable view of every tunnel, ordered by id.
func (tm *TunnelManager) Infos() []TunnelInfo {
	tunnels := tm.Tunnels()
	out := make([]TunnelInfo, 0, len(tunnels))
	for _, at := range tunnels {
		status, _ := tm.monitor.Status(at.ID)
		out = append(out, at.info(status, tm.monitor.Retries(at.ID)))
	}
	return out
}

// HandleNetworkEvent records a connectivity change and hands it to the
// monitor.
func (tm *TunnelManager) HandleNetworkEvent(ev netwatch.Event) {
	tm.auditor.NetworkChanged(ev.String())
	tm.monitor.HandleNetworkEvent(ev)
}

// Shutdown stops reconnect handling and closes every tunnel. The pool and
// monitor are left to their owners.
func (tm *TunnelManager) Shutdown() {
	tm.shutdownOnce.Do(func() {
		tm.mu.Lock()
		tm.closed = true
		tm.mu.Unlock()
		tm.cancel()
		tm.wg.Wait()
		tm.CloseAllTunnels()
	})
}

func (tm *TunnelManager) isClosed() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.closed
}

// publish stores at for id if the current record is prev.
func (tm *TunnelManager) publish(id string, prev, at *ActiveTunnel) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.closed || tm.tunnels[id] != prev {
		return false
	}
	tm.tunnels[id] = at
	return true
}

// take removes and returns the record for id.
func (tm *TunnelManager) take(id string) *ActiveTunnel {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	at := tm.tunnels[id]
	delete(tm.tunnels, id)
	delete(tm.fatal, id)
	return at
}

// goTracked runs fn in a goroutine that Shutdown waits for. It reports false,
// without running fn, once shutdown has begun.
func (tm *TunnelManager) goTracked(fn func()) bool {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return false
	}
	tm.wg.Add(1)
	tm.mu.Unlock()
	go func() {
		defer tm.wg.Done()
		fn()
	}()
	return true
}

func (tm *TunnelManager) seal(creds transport.Credentials) ([]byte, error) {
	raw, err := creds.Encode()
	if err != nil {
		return nil, err
	}
	return tm.sealer.Seal(raw)
}

func (tm *TunnelManager) unseal(sealed []byte) (transport.Credentials, error) {
	raw, err := tm.sealer.Open(sealed)
	if err != nil {
		return transport.Credentials{}, err
	}
	return transport.DecodeCredentials(raw)
}
