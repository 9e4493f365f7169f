package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport/transporttest"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

const gwKey = "ops@gw.example.com:22"

var (
	errRejected = tunnelerr.New(tunnelerr.AuthenticationFailed, tunnelerr.HopGateway, "connect", errors.New("permission denied"))
	errRefused  = tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway, "connect", errors.New("connection refused"))
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 3, MaxAuthFailures: 10, BlockDuration: time.Minute})
	rl.nowFn = func() time.Time { return now }

	rl.Allow(gwKey)
	rl.Allow(gwKey)
	now = now.Add(30 * time.Second)
	if err := rl.Allow(gwKey); err != nil {
		t.Fatalf("third attempt should be allowed: %v", err)
	}

	err := rl.Allow(gwKey)
	if !errors.Is(err, tunnelerr.ErrConnectBlocked) {
		t.Fatalf("expected ConnectBlocked, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Errorf("expected 'rate limit exceeded' in error, got: %v", err)
	}

	// The first two attempts fall out of the window
	now = now.Add(31 * time.Second)
	if err := rl.Allow(gwKey); err != nil {
		t.Fatalf("should be allowed after partial window expiry: %v", err)
	}
}

func TestRateLimiterBlocksAfterRejectedLogins(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxAuthFailures: 3, BlockDuration: 2 * time.Minute})
	rl.nowFn = func() time.Time { return now }

	rl.Record(gwKey, errRejected)
	rl.Record(gwKey, errRejected)
	if err := rl.Allow(gwKey); err != nil {
		t.Fatalf("two rejections should not block: %v", err)
	}
	rl.Record(gwKey, errRejected)

	err := rl.Allow(gwKey)
	if !errors.Is(err, tunnelerr.ErrConnectBlocked) {
		t.Fatalf("expected ConnectBlocked, got %v", err)
	}
	if !strings.Contains(err.Error(), "rejected the credentials 3 times") {
		t.Errorf("unexpected error: %v", err)
	}

	status := rl.GetStatus(gwKey)
	if !status.Blocked || status.BlockedUntil == nil || status.AuthFailures != 3 {
		t.Fatalf("status should report block, got %+v", status)
	}
	if status.LastFailure != tunnelerr.AuthenticationFailed.String() {
		t.Errorf("unexpected last failure %q", status.LastFailure)
	}
	if !status.BlockedUntil.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("unexpected BlockedUntil %v", *status.BlockedUntil)
	}

	now = now.Add(2*time.Minute + time.Second)
	if err := rl.Allow(gwKey); err != nil {
		t.Fatalf("block should expire: %v", err)
	}
}

func TestRateLimiterIgnoresNetworkFailures(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxAuthFailures: 2, BlockDuration: time.Minute})

	for i := 0; i < 5; i++ {
		rl.Record(gwKey, errRefused)
	}
	if err := rl.Allow(gwKey); err != nil {
		t.Fatalf("network failures must not block: %v", err)
	}

	// A network failure between rejections does not clear the count
	rl.Record(gwKey, errRejected)
	rl.Record(gwKey, errRefused)
	rl.Record(gwKey, errRejected)
	if err := rl.Allow(gwKey); !errors.Is(err, tunnelerr.ErrConnectBlocked) {
		t.Fatalf("expected block after two rejections, got %v", err)
	}
	if got := rl.GetStatus(gwKey).LastFailure; got != tunnelerr.AuthenticationFailed.String() {
		t.Errorf("unexpected last failure %q", got)
	}
}

func TestRateLimiterSuccessClearsBlock(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxAuthFailures: 2, BlockDuration: 5 * time.Minute})
	rl.Record(gwKey, errRejected)
	rl.Record(gwKey, errRejected)
	if err := rl.Allow(gwKey); err == nil {
		t.Fatal("should be blocked")
	}
	rl.Record(gwKey, nil)
	if err := rl.Allow(gwKey); err != nil {
		t.Fatalf("should be unblocked after success: %v", err)
	}
	status := rl.GetStatus(gwKey)
	if status.AuthFailures != 0 || status.LastFailure != "" {
		t.Errorf("success should reset the state, got %+v", status)
	}
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 1, MaxAuthFailures: 1, BlockDuration: time.Minute})
	rl.Allow("a@gw:22")
	rl.Record("b@gw:22", errRejected)

	if err := rl.Allow("a@gw:22"); err == nil {
		t.Error("a should be rate limited")
	}
	if err := rl.Allow("b@gw:22"); err == nil {
		t.Error("b should be blocked")
	}
	if err := rl.Allow("c@gw:22"); err != nil {
		t.Errorf("c should be unaffected: %v", err)
	}

	rl.Reset("a@gw:22")
	if err := rl.Allow("a@gw:22"); err != nil {
		t.Errorf("a should be allowed after reset: %v", err)
	}
	rl.Reset("never-seen")
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxAuthFailures: 100, BlockDuration: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("u%d@gw:22", i%5)
		wg.Add(3)
		go func() { defer wg.Done(); rl.Allow(key) }()
		go func() { defer wg.Done(); rl.Record(key, errRejected) }()
		go func() { defer wg.Done(); rl.GetStatus(key) }()
	}
	wg.Wait()
}

func TestPoolBlocksAfterRejectedLogins(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetDialError(errRejected)
	p := NewPool(d, Options{RateLimit: RateLimitConfig{MaxAttemptsPerMinute: 100, MaxAuthFailures: 2, BlockDuration: time.Minute}})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	key := KeyFor(creds)
	for i := 0; i < 2; i++ {
		if _, err := p.GetOrCreate(context.Background(), key, creds); !errors.Is(err, tunnelerr.ErrAuthenticationFailed) {
			t.Fatalf("attempt %d: expected AuthenticationFailed, got %v", i+1, err)
		}
	}

	d.SetDialError(nil)
	_, err := p.GetOrCreate(context.Background(), key, creds)
	if !errors.Is(err, tunnelerr.ErrConnectBlocked) {
		t.Fatalf("expected ConnectBlocked once blocked, got %v", err)
	}
	if !p.RateLimitStatus(key.String()).Blocked {
		t.Error("status should report blocked")
	}
	if p.GetEventCountsByType(EventRateLimited)[key.String()] != 1 {
		t.Error("expected one rate_limited event")
	}

	p.ResetRateLimit(key.String())
	if _, err := p.GetOrCreate(context.Background(), key, creds); err != nil {
		t.Fatalf("expected success after reset, got %v", err)
	}
}

func TestPoolKeepsDialingThroughNetworkFailures(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetDialError(errRefused)
	p := NewPool(d, Options{RateLimit: RateLimitConfig{MaxAttemptsPerMinute: 100, MaxAuthFailures: 2, BlockDuration: time.Minute}})
	defer p.CloseAll()

	creds := testCreds("gw.example.com")
	key := KeyFor(creds)
	for i := 0; i < 4; i++ {
		if _, err := p.GetOrCreate(context.Background(), key, creds); !errors.Is(err, tunnelerr.ErrTransportConnectFailed) {
			t.Fatalf("attempt %d: expected TransportConnectFailed, got %v", i+1, err)
		}
	}
	d.SetDialError(nil)
	if _, err := p.GetOrCreate(context.Background(), key, creds); err != nil {
		t.Fatalf("a flaky network must not block the gateway: %v", err)
	}
}
