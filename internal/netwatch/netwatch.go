// Package netwatch reports changes in local network connectivity by polling
// the host's interfaces.
package netwatch

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval is how often interfaces are inspected.
const DefaultPollInterval = 5 * time.Second

// EventKind is the kind of connectivity change.
type EventKind string

const (
	Lost        EventKind = "lost"
	Restored    EventKind = "restored"
	TypeChanged EventKind = "type_changed"
)

// Type is the class of the interface currently carrying traffic.
type Type string

const (
	TypeNone     Type = "none"
	TypeWired    Type = "wired"
	TypeWiFi     Type = "wifi"
	TypeCellular Type = "cellular"
	TypeVPN      Type = "vpn"
	TypeOther    Type = "other"
)

// Event describes a connectivity change.
type Event struct {
	Kind EventKind `json:"kind"`
	From Type      `json:"from"`
	To   Type      `json:"to"`
	At   time.Time `json:"at"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s (%s -> %s)", e.Kind, e.From, e.To)
}

// Interface is the subset of net.Interface the watcher inspects.
type Interface struct {
	Name  string
	Up    bool
	Addrs []string
}

// InterfacesFunc lists the host's interfaces.
type InterfacesFunc func() ([]Interface, error)

// Watcher polls interfaces and emits an Event whenever connectivity is lost,
// restored, or moves to a different interface type.
type Watcher struct {
	interval   time.Duration
	interfaces InterfacesFunc
	nowFn      func() time.Time

	mu      sync.Mutex
	current Type
	started bool
}

// New creates a Watcher reading the real interface list.
func New(interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		interval:   interval,
		interfaces: systemInterfaces,
		nowFn:      time.Now,
	}
}

// SetInterfacesFunc replaces the interface source. Intended for testing.
func (w *Watcher) SetInterfacesFunc(fn InterfacesFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interfaces = fn
}

// Current returns the last observed network type.
func (w *Watcher) Current() Type {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done, calling emit for every change. The first poll
// only establishes the baseline.
func (w *Watcher) Run(ctx context.Context, emit func(Event)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll()
	log.Printf("[netwatch] watching interfaces every %s (current: %s)", w.interval, w.Current())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ev, ok := w.Poll(); ok {
				log.Printf("[netwatch] %s", ev)
				emit(ev)
			}
		}
	}
}

// Poll inspects interfaces once and returns the change since the previous
// poll, if any.
func (w *Watcher) Poll() (Event, bool) {
	w.mu.Lock()
	fn := w.interfaces
	w.mu.Unlock()

	ifaces, err := fn()
	next := TypeNone
	if err != nil {
		log.Printf("[netwatch] list interfaces: %v", err)
	} else {
		next = activeType(ifaces)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.current
	w.current = next
	if !w.started {
		w.started = true
		return Event{}, false
	}
	ev := Event{From: prev, To: next, At: w.nowFn()}
	switch {
	case prev == next:
		return Event{}, false
	case next == TypeNone:
		ev.Kind = Lost
	case prev == TypeNone:
		ev.Kind = Restored
	default:
		ev.Kind = TypeChanged
	}
	return ev, true
}

// activeType picks the preferred up interface with a routable address.
func activeType(ifaces []Interface) Type {
	rank := map[Type]int{TypeWired: 0, TypeWiFi: 1, TypeCellular: 2, TypeOther: 3, TypeVPN: 4}
	var found []Type
	for _, iface := range ifaces {
		if !iface.Up || !hasRoutableAddr(iface.Addrs) {
			continue
		}
		found = append(found, classify(iface.Name))
	}
	if len(found) == 0 {
		return TypeNone
	}
	sort.Slice(found, func(i, j int) bool { return rank[found[i]] < rank[found[j]] })
	return found[0]
}

func hasRoutableAddr(addrs []string) bool {
	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a)
		if err != nil {
			ip = net.ParseIP(a)
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}

// classify guesses the interface type from its name.
func classify(name string) Type {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return TypeWiFi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "pdp_ip"), strings.HasPrefix(n, "ccmni"):
		return TypeCellular
	case strings.HasPrefix(n, "tun"), strings.HasPrefix(n, "tap"), strings.HasPrefix(n, "utun"),
		strings.HasPrefix(n, "wg"), strings.HasPrefix(n, "ppp"), strings.HasPrefix(n, "ipsec"):
		return TypeVPN
	case strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "em"):
		return TypeWired
	default:
		return TypeOther
	}
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		i := Interface{Name: iface.Name, Up: iface.Flags&net.FlagUp != 0}
		for _, a := range addrs {
			i.Addrs = append(i.Addrs, a.String())
		}
		out = append(out, i)
	}
	return out, nil
}
