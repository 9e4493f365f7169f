package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// Pool defaults.
const (
	DefaultMaxChannelsPerConnection = 10
	DefaultIdleTimeout              = 10 * time.Minute
	DefaultSweepInterval            = 1 * time.Minute
	DefaultHealthCheckInterval      = 30 * time.Second
)

// ErrPoolClosed is returned by GetOrCreate after CloseAll.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionKey identifies connections that may be shared: same gateway,
// same port, same user.
type ConnectionKey struct {
	Host string
	Port int
	User string
}

func (k ConnectionKey) String() string {
	return k.User + "@" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// KeyFor returns the pooling key for creds.
func KeyFor(creds transport.Credentials) ConnectionKey {
	return ConnectionKey{Host: creds.Host, Port: creds.Port, User: creds.Username}
}

// Options configures a Pool. Zero values fall back to the package defaults.
type Options struct {
	MaxChannelsPerConnection int
	IdleTimeout              time.Duration
	SweepInterval            time.Duration
	HealthCheckInterval      time.Duration
	ChannelOpenTimeout       time.Duration
	RateLimit                RateLimitConfig
	AllowList                *GatewayAllowList
}

func (o *Options) applyDefaults() {
	if o.MaxChannelsPerConnection <= 0 {
		o.MaxChannelsPerConnection = DefaultMaxChannelsPerConnection
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if o.ChannelOpenTimeout <= 0 {
		o.ChannelOpenTimeout = DefaultChannelOpenTimeout
	}
	if o.RateLimit == (RateLimitConfig{}) {
		o.RateLimit = DefaultRateLimitConfig()
	}
}

// LostCallback is called after a pooled connection died and was removed.
type LostCallback func(mc *MasterConnection, err error)

// Pool shares master connections between tunnels that target the same
// gateway as the same user.
type Pool struct {
	dialer  transport.Dialer
	opts    Options
	limiter *RateLimiter
	group   singleflight.Group
	nowFn   func() time.Time

	mu        sync.Mutex
	conns     map[ConnectionKey][]*MasterConnection
	callbacks []LostCallback
	closed    bool

	eventsMu sync.RWMutex
	events   map[string][]ConnectionEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a Pool and starts its idle sweep.
func NewPool(dialer transport.Dialer, opts Options) *Pool {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dialer:  dialer,
		opts:    opts,
		limiter: NewRateLimiter(opts.RateLimit),
		nowFn:   time.Now,
		conns:   make(map[ConnectionKey][]*MasterConnection),
		events:  make(map[string][]ConnectionEvent),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// GetOrCreate returns a healthy connection for key with spare channel
// capacity, dialing a new one when none exists. Concurrent calls for the
// same key share a single dial.
func (p *Pool) GetOrCreate(ctx context.Context, key ConnectionKey, creds transport.Credentials) (*MasterConnection, error) {
	if KeyFor(creds) != key {
		return nil, fmt.Errorf("get connection: credentials for %s do not match key %s",
			logutil.SanitizeForLog(KeyFor(creds).String()), logutil.SanitizeForLog(key.String()))
	}
	if mc, err := p.lookup(key); mc != nil || err != nil {
		return mc, err
	}

	ch := p.group.DoChan(key.String(), func() (any, error) {
		return p.dial(key, creds)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		mc := res.Val.(*MasterConnection)
		mc.touch()
		return mc, nil
	case <-ctx.Done():
		return nil, tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway,
			"connect "+logutil.SanitizeForLog(key.String()), ctx.Err())
	}
}

// lookup returns a reusable connection, evicting dead ones on the way.
func (p *Pool) lookup(key ConnectionKey) (*MasterConnection, error) {
	var dead []*MasterConnection
	var found *MasterConnection

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	list := p.conns[key]
	kept := list[:0]
	for _, mc := range list {
		if !mc.IsHealthy() {
			dead = append(dead, mc)
			continue
		}
		kept = append(kept, mc)
		if found == nil && mc.ActiveChannels() < p.opts.MaxChannelsPerConnection {
			found = mc
		}
	}
	p.setList(key, kept)
	p.mu.Unlock()

	// The watcher finds these already removed, so report them here
	for _, mc := range dead {
		p.report(mc, EventDisconnected, fmt.Errorf("transport closed before reuse"))
	}
	if found != nil {
		found.touch()
	}
	return found, nil
}

func (p *Pool) dial(key ConnectionKey, creds transport.Credentials) (*MasterConnection, error) {
	// A flight that finished just before this one started may already have
	// pooled a connection.
	if mc, err := p.lookup(key); mc != nil || err != nil {
		return mc, err
	}
	gw := key.String()

	if err := p.opts.AllowList.Check(p.ctx, key.Host); err != nil {
		p.emitEvent(gw, "", EventGatewayRestricted, err.Error())
		return nil, err
	}
	if err := p.limiter.Allow(gw); err != nil {
		p.emitEvent(gw, "", EventRateLimited, err.Error())
		return nil, err
	}

	start := p.nowFn()
	conn, err := p.dialer.Dial(p.ctx, creds)
	p.limiter.Record(gw, err)
	if err != nil {
		p.emitEvent(gw, "", EventConnectFailed, err.Error())
		return nil, err
	}

	mc := newMasterConnection(key, conn, p.opts.ChannelOpenTimeout, p.nowFn)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		mc.Close()
		return nil, ErrPoolClosed
	}
	p.conns[key] = append(p.conns[key], mc)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.watch(mc)
	p.emitEvent(gw, mc.ID, EventConnected, fmt.Sprintf("connected in %s", p.nowFn().Sub(start).Truncate(time.Millisecond)))
	return mc, nil
}

// watch keeps one connection under observation until it dies or the pool
// closes: a keepalive every HealthCheckInterval plus the transport's own
// termination signal.
func (p *Pool) watch(mc *MasterConnection) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-mc.Done():
			p.lost(mc, EventDisconnected, fmt.Errorf("transport closed"))
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, p.opts.HealthCheckInterval)
			err := mc.Ping(ctx)
			cancel()
			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				p.lost(mc, EventHealthCheckFailed, err)
				return
			}
		}
	}
}

// lost removes a dead connection and notifies callbacks. A connection that
// was already removed, on purpose or by lookup, is ignored.
func (p *Pool) lost(mc *MasterConnection, eventType EventType, cause error) {
	if !p.remove(mc) {
		return
	}
	p.report(mc, eventType, cause)
}

// report closes a dead connection that is no longer pooled and fires the
// lost callbacks. The caller must have removed mc itself.
func (p *Pool) report(mc *MasterConnection, eventType EventType, cause error) {
	mc.Close()
	p.emitEvent(mc.Key.String(), mc.ID, eventType, cause.Error())
	log.Printf("[pool] connection %s to %s lost: %v", mc.ID, logutil.SanitizeForLog(mc.Key.String()), cause)

	p.mu.Lock()
	cbs := make([]LostCallback, len(p.callbacks))
	copy(cbs, p.callbacks)
	p.mu.Unlock()

	lostErr := tunnelerr.New(tunnelerr.ConnectionUnhealthy, tunnelerr.HopGateway, "connection "+mc.ID, cause)
	for _, cb := range cbs {
		cb(mc, lostErr)
	}
}

// remove drops mc from the pool, reporting whether it was present.
func (p *Pool) remove(mc *MasterConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.conns[mc.Key]
	for i, c := range list {
		if c == mc {
			p.setList(mc.Key, append(list[:i:i], list[i+1:]...))
			return true
		}
	}
	return false
}

// Must be called with p.mu held.
func (p *Pool) setList(key ConnectionKey, list []*MasterConnection) {
	if len(list) == 0 {
		delete(p.conns, key)
		return
	}
	p.conns[key] = list
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweepIdle(p.nowFn())
		}
	}
}

// sweepIdle closes connections without channels whose last use is older
// than IdleTimeout at now.
func (p *Pool) sweepIdle(now time.Time) int {
	var idle []*MasterConnection
	p.mu.Lock()
	for key, list := range p.conns {
		kept := list[:0]
		for _, mc := range list {
			if mc.ActiveChannels() == 0 && now.Sub(mc.LastUsed()) > p.opts.IdleTimeout {
				idle = append(idle, mc)
				continue
			}
			kept = append(kept, mc)
		}
		p.setList(key, kept)
	}
	p.mu.Unlock()

	for _, mc := range idle {
		mc.Close()
		p.emitEvent(mc.Key.String(), mc.ID, EventIdleClosed,
			fmt.Sprintf("idle for more than %s", p.opts.IdleTimeout))
	}
	return len(idle)
}

// OnConnectionLost registers a callback fired when a pooled connection dies.
func (p *Pool) OnConnectionLost(cb LostCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Evict removes mc from the pool and closes it without firing lost callbacks.
func (p *Pool) Evict(mc *MasterConnection) error {
	if !p.remove(mc) {
		return nil
	}
	p.emitEvent(mc.Key.String(), mc.ID, EventEvicted, "evicted on request")
	return mc.Close()
}

// Connections returns a snapshot of every pooled connection.
func (p *Pool) Connections() []*MasterConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*MasterConnection
	for _, list := range p.conns {
		out = append(out, list...)
	}
	return out
}

// Count returns the number of pooled connections.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.conns {
		n += len(list)
	}
	return n
}

// RateLimitStatus returns the dial rate limit state for a gateway key.
func (p *Pool) RateLimitStatus(gateway string) RateLimitStatus {
	return p.limiter.GetStatus(gateway)
}

// ResetRateLimit clears the dial rate limit state for a gateway key.
func (p *Pool) ResetRateLimit(gateway string) {
	p.limiter.Reset(gateway)
	log.Printf("[pool] rate limit reset for %s", logutil.SanitizeForLog(gateway))
}

// CloseAll stops background work and closes every connection. Returns the
// first close error, if any.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []*MasterConnection
	for _, list := range p.conns {
		all = append(all, list...)
	}
	p.conns = make(map[ConnectionKey][]*MasterConnection)
	p.mu.Unlock()

	p.cancel()

	var firstErr error
	for _, mc := range all {
		if err := mc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.wg.Wait()
	if len(all) > 0 {
		log.Printf("[pool] closed all %d connection(s)", len(all))
	}
	return firstErr
}
