package resilience

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
)

// Status is the health of one tunnel as seen by the monitor.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusUnstable     Status = "unstable"
	StatusFailed       Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is one of the defined constants.
func (s Status) IsValid() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusDisconnected, StatusUnstable, StatusFailed:
		return true
	default:
		return false
	}
}

// Defaults.
const (
	DefaultCheckInterval = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultReconnectWait = 30 * time.Second
	DefaultRetention     = 15 * time.Minute
)

// Config tunes the monitor.
type Config struct {
	// CheckInterval is the period of the per-tunnel liveness task.
	CheckInterval time.Duration
	// MaxRetries is the number of reconnect attempts before a tunnel fails.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// ReconnectWait bounds how long one attempt may take to report back.
	ReconnectWait time.Duration
	// Retention is how long a failed status, and the history of a tunnel
	// that is no longer monitored, stay queryable.
	Retention time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: DefaultCheckInterval,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		ReconnectWait: DefaultReconnectWait,
		Retention:     DefaultRetention,
	}
}

// ReconnectRequested asks the tunnel layer to re-create tunnel ID. The
// layer answers by reporting connecting, then connected or disconnected
// (or failed when retrying cannot help) through UpdateStatus.
type ReconnectRequested struct {
	ID      string
	Attempt int
}

// LivenessFunc checks one tunnel end to end.
type LivenessFunc func(ctx context.Context, id string) error

// Transition records a status change for debugging.
type Transition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback is called after a tunnel's status changes.
type StateCallback func(id string, from, to Status)

// maxTransitionsPerTunnel limits the stored transition history per tunnel.
const maxTransitionsPerTunnel = 50

type entry struct {
	status  Status
	retries int
	// changed is closed and replaced on every status change.
	changed         chan struct{}
	failedAt        time.Time
	cancelLiveness  context.CancelFunc
	cancelReconnect context.CancelFunc
}

// Monitor tracks tunnel health, schedules liveness checks, and drives
// bounded reconnection.
type Monitor struct {
	cfg   Config
	nowFn func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry
	transitions map[string][]Transition
	// released maps ids that lost their entry to the time it happened, so
	// their history can be pruned.
	released  map[string]time.Time
	callbacks []StateCallback
	liveness    LivenessFunc
	offline     bool

	requests  chan ReconnectRequested
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMonitor creates a Monitor. Zero config values fall back to defaults,
// except MaxRetries where zero means failing on the first disconnect.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:         cfg,
		nowFn:       time.Now,
		entries:     make(map[string]*entry),
		transitions: make(map[string][]Transition),
		released:    make(map[string]time.Time),
		requests:    make(chan ReconnectRequested, 64),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.wg.Add(1)
	go m.pruneLoop()
	return m
}

// SetLivenessFunc installs the end-to-end check used by the liveness task
// and by network recovery.
func (m *Monitor) SetLivenessFunc(fn LivenessFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness = fn
}

// Requests delivers reconnect requests. It is closed by Close.
func (m *Monitor) Requests() <-chan ReconnectRequested {
	return m.requests
}

// OnStateChange registers a callback that fires when any tunnel's status
// changes.
func (m *Monitor) OnStateChange(cb StateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Register starts monitoring id with status connecting. Registering an id
// that is already monitored resets it.
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	from := StatusDisconnected
	if old, ok := m.entries[id]; ok {
		from = old.status
		old.stop()
		close(old.changed)
	}
	e := &entry{status: StatusConnecting, changed: make(chan struct{})}
	m.entries[id] = e
	delete(m.released, id)
	m.recordLocked(id, from, StatusConnecting)

	ctx, cancel := context.WithCancel(m.ctx)
	e.cancelLiveness = cancel
	m.wg.Add(1)
	go m.livenessLoop(ctx, id)
	cbs := m.callbacksLocked()
	m.mu.Unlock()

	fire(cbs, id, from, StatusConnecting)
}

// Unregister stops monitoring id. Unknown ids are ignored.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.stop()
	close(e.changed)
	delete(m.entries, id)
	m.released[id] = m.nowFn()
}

// UpdateStatus records a new status for id and applies the recovery rules.
// It returns false when id is not monitored or the change was ignored.
func (m *Monitor) UpdateStatus(id string, status Status) bool {
	return m.set(id, nil, nil, status)
}

// set moves id to status. When expect is non-nil the change only applies if
// id is still monitored by that entry; when from is non-empty it only
// applies if the current status is one of from.
func (m *Monitor) set(id string, expect *entry, from []Status, status Status) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || !status.IsValid() || (expect != nil && e != expect) {
		m.mu.Unlock()
		return false
	}
	if len(from) > 0 && !contains(from, e.status) {
		m.mu.Unlock()
		return false
	}
	prev := e.status
	if prev == StatusFailed {
		// Terminal until re-registered
		m.mu.Unlock()
		return false
	}
	if status == StatusDisconnected && m.offline {
		// Without a network a reconnect cannot succeed; wait for restore.
		status = StatusUnstable
	}
	if prev == status {
		m.mu.Unlock()
		return false
	}

	e.status = status
	close(e.changed)
	e.changed = make(chan struct{})
	m.recordLocked(id, prev, status)

	switch status {
	case StatusConnected:
		e.retries = 0
	case StatusDisconnected:
		if e.cancelReconnect == nil {
			m.startReconnectLocked(id, e)
		}
	case StatusFailed:
		e.failedAt = m.nowFn()
		e.stop()
	}
	cbs := m.callbacksLocked()
	m.mu.Unlock()

	if status == StatusFailed {
		log.Printf("[resilience] tunnel %s failed", logutil.SanitizeForLog(id))
	}
	fire(cbs, id, prev, status)
	return true
}

// Status returns the current status of id.
func (m *Monitor) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Statuses returns a copy of every monitored status.
func (m *Monitor) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.entries))
	for id, e := range m.entries {
		out[id] = e.status
	}
	return out
}

// Retries returns the number of the reconnect attempt in progress, or the
// last one made since id was last connected.
func (m *Monitor) Retries(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.retries
	}
	return 0
}

// Transitions returns the recorded status history of id. History outlives
// Unregister by the configured retention so it remains available for
// debugging.
func (m *Monitor) Transitions(id string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.transitions[id]
	out := make([]Transition, len(src))
	copy(out, src)
	return out
}

// Offline reports whether the last network event was a loss.
func (m *Monitor) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Close stops every background task and closes the request channel.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.cancel()
		for _, e := range m.entries {
			e.stop()
		}
		m.mu.Unlock()
		m.wg.Wait()
		close(m.requests)
	})
}

func (m *Monitor) pruneLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Retention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.prune(m.nowFn())
		}
	}
}

// prune forgets failed tunnels and released histories older than the
// retention at now. It returns the number of ids forgotten.
func (m *Monitor) prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.status == StatusFailed && now.Sub(e.failedAt) > m.cfg.Retention {
			close(e.changed)
			delete(m.entries, id)
			delete(m.transitions, id)
			n++
		}
	}
	for id, at := range m.released {
		if now.Sub(at) > m.cfg.Retention {
			delete(m.released, id)
			delete(m.transitions, id)
			n++
		}
	}
	return n
}

func (e *entry) stop() {
	if e.cancelLiveness != nil {
		e.cancelLiveness()
		e.cancelLiveness = nil
	}
	if e.cancelReconnect != nil {
		e.cancelReconnect()
		e.cancelReconnect = nil
	}
}

// Must be called with m.mu held.
func (m *Monitor) recordLocked(id string, from, to Status) {
	list := append(m.transitions[id], Transition{From: from, To: to, Timestamp: m.nowFn()})
	if len(list) > maxTransitionsPerTunnel {
		list = list[len(list)-maxTransitionsPerTunnel:]
	}
	m.transitions[id] = list
}

// Must be called with m.mu held.
func (m *Monitor) callbacksLocked() []StateCallback {
	cbs := make([]StateCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	return cbs
}

func fire(cbs []StateCallback, id string, from, to Status) {
	for _, cb := range cbs {
		cb(id, from, to)
	}
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
