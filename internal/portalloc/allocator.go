// Package portalloc hands out local listening ports from a fixed range.
//
// Allocation happens before the real listener binds, so a port is only
// handed out after a bind-test on the loopback interface succeeds. The
// in-memory set guarantees that no two holders get the same port until it is
// released; the bind-test guarantees that ports held by other processes (or
// by a listener that has not fully shut down yet) are skipped.
package portalloc

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// Default range for forwarded tunnels.
const (
	DefaultRangeStart = 20000
	DefaultRangeEnd   = 30000
)

// ProbeFunc reports whether port can currently be bound.
type ProbeFunc func(port int) bool

// Allocator is safe for concurrent use.
type Allocator struct {
	start, end int
	host       string
	probe      ProbeFunc

	mu        sync.Mutex
	allocated map[int]struct{}
	next      int
}

// New creates an Allocator over the inclusive range [start, end].
func New(start, end int) (*Allocator, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("portalloc: invalid range %d-%d", start, end)
	}
	a := &Allocator{
		start:     start,
		end:       end,
		host:      "127.0.0.1",
		allocated: make(map[int]struct{}),
		next:      start,
	}
	a.probe = a.bindTest
	return a, nil
}

// SetProbeFunc replaces the bind-test. Intended for testing.
func (a *Allocator) SetProbeFunc(fn ProbeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probe = fn
}

// Allocate reserves and returns a free port, or a PortExhausted error when
// every port in the range is held or unbindable.
func (a *Allocator) Allocate() (int, error) {
	size := a.end - a.start + 1
	for tried := 0; tried < size; tried++ {
		port, probe, ok := a.reserveNext()
		if !ok {
			break
		}
		// Bind-test outside the lock
		if probe(port) {
			return port, nil
		}
		a.unreserve(port)
	}
	log.Printf("[portalloc] no free port in %d-%d", a.start, a.end)
	return 0, tunnelerr.New(tunnelerr.PortExhausted, tunnelerr.HopLocal, "allocate local port",
		fmt.Errorf("no free port in range %d-%d", a.start, a.end))
}

// reserveNext marks the next unheld port as allocated, advancing the cursor.
func (a *Allocator) reserveNext() (int, ProbeFunc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	if len(a.allocated) >= size {
		return 0, nil, false
	}
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.end {
			a.next = a.start
		}
		if _, held := a.allocated[port]; held {
			continue
		}
		a.allocated[port] = struct{}{}
		return port, a.probe, true
	}
	return 0, nil, false
}

func (a *Allocator) unreserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// Release returns port to the range. Releasing a port that is not held is a
// no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// IsAllocated reports whether port is currently held.
func (a *Allocator) IsAllocated(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[port]
	return ok
}

// InUse returns the number of held ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// Range returns the inclusive bounds of the allocator.
func (a *Allocator) Range() (int, int) {
	return a.start, a.end
}

func (a *Allocator) bindTest(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
