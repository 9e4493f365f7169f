// Package relay copies bytes between two duplex streams.
package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/docker/go-units"
)

const bufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// Stats reports how many bytes moved in each direction.
type Stats struct {
	AToB int64
	BToA int64
}

func (s Stats) String() string {
	return fmt.Sprintf("%s up / %s down",
		units.HumanSize(float64(s.AToB)), units.HumanSize(float64(s.BToA)))
}

// Counter receives byte counts as they are written. It may be nil.
type Counter interface {
	Add(aToB, bToA int64)
}

// Pipe relays bytes between a and b until either direction reaches EOF or
// fails, or ctx is done. Both sides are then closed and Pipe waits for the
// second direction to drain before returning. Writes block when the peer is
// slow; nothing is buffered beyond one read.
func Pipe(ctx context.Context, a, b io.ReadWriteCloser) Stats {
	return PipeCounted(ctx, a, b, nil)
}

// PipeCounted is Pipe with live byte accounting.
func PipeCounted(ctx context.Context, a, b io.ReadWriteCloser, counter Counter) Stats {
	var aToB, bToA atomic.Int64
	done := make(chan struct{}, 2)

	cp := func(dst io.Writer, src io.Reader, n *atomic.Int64, forward bool) {
		defer func() { done <- struct{}{} }()
		bufp := bufPool.Get().(*[]byte)
		defer bufPool.Put(bufp)
		w := &countingWriter{w: dst, n: n, counter: counter, forward: forward}
		io.CopyBuffer(w, src, *bufp)
	}
	go cp(b, a, &aToB, true)
	go cp(a, b, &bToA, false)

	finished := 0
	select {
	case <-done:
		finished++
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	for ; finished < 2; finished++ {
		<-done
	}
	return Stats{AToB: aToB.Load(), BToA: bToA.Load()}
}

type countingWriter struct {
	w       io.Writer
	n       *atomic.Int64
	counter Counter
	forward bool
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.n.Add(int64(n))
		if c.counter != nil {
			if c.forward {
				c.counter.Add(int64(n), 0)
			} else {
				c.counter.Add(0, int64(n))
			}
		}
	}
	return n, err
}
