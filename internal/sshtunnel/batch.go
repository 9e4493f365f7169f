package sshtunnel

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
)

// maxBatchParallel bounds how many tunnels of one batch are set up at once.
const maxBatchParallel = 8

// BatchRequest describes one tunnel of a batch.
type BatchRequest struct {
	ID         string
	Creds      transport.Credentials
	TargetHost string
	TargetPort int
}

// BatchResult is the outcome for one id of a batch.
type BatchResult struct {
	LocalPort int
	Err       error
}

// CreateTunnels creates every tunnel in reqs with a single shared OTP. Each
// request succeeds or fails on its own; one failure does not cancel the
// rest. Only the first request for a repeated id is used.
func (tm *TunnelManager) CreateTunnels(ctx context.Context, reqs []BatchRequest, otp string) map[string]BatchResult {
	results := make(map[string]BatchResult, len(reqs))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxBatchParallel)

	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if seen[req.ID] {
			log.Printf("[tunnel] batch: ignoring repeated id %s", logutil.SanitizeForLog(req.ID))
			continue
		}
		seen[req.ID] = true

		g.Go(func() error {
			port, err := tm.CreateTunnel(ctx, req.ID, req.Creds, req.TargetHost, req.TargetPort, otp)
			mu.Lock()
			results[req.ID] = BatchResult{LocalPort: port, Err: err}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}
