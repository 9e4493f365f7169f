package config

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestDefaults(t *testing.T) {
	var s Settings
	if err := envconfig.Process("VCR_TEST_UNSET", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.PortRangeStart != 20000 || s.PortRangeEnd != 30000 {
		t.Errorf("unexpected port range %d-%d", s.PortRangeStart, s.PortRangeEnd)
	}
	if s.MaxChannelsPerConnection != 10 {
		t.Errorf("expected 10 channels per connection, got %d", s.MaxChannelsPerConnection)
	}
	if s.IdleTimeout != 10*time.Minute {
		t.Errorf("expected 10m idle timeout, got %s", s.IdleTimeout)
	}
	if s.MaxReconnectAttempts != 3 || s.ReconnectDelay != 5*time.Second {
		t.Errorf("unexpected reconnect defaults %d/%s", s.MaxReconnectAttempts, s.ReconnectDelay)
	}
	if s.StatusRetention != 15*time.Minute {
		t.Errorf("expected 15m status retention, got %s", s.StatusRetention)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VCR_PORT_RANGE_START", "40000")
	t.Setenv("VCR_PORT_RANGE_END", "40010")
	t.Setenv("VCR_RECONNECT_DELAY", "250ms")

	var s Settings
	if err := envconfig.Process("VCR", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.PortRangeStart != 40000 || s.PortRangeEnd != 40010 {
		t.Errorf("override not applied: %d-%d", s.PortRangeStart, s.PortRangeEnd)
	}
	if s.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", s.ReconnectDelay)
	}
}

func TestValidate(t *testing.T) {
	base := Settings{PortRangeStart: 20000, PortRangeEnd: 30000, MaxChannelsPerConnection: 10}
	if err := base.Validate(); err != nil {
		t.Fatalf("base should validate: %v", err)
	}

	bad := base
	bad.PortRangeStart = 31000
	if bad.Validate() == nil {
		t.Error("inverted range should fail")
	}

	bad = base
	bad.PortRangeEnd = 70000
	if bad.Validate() == nil {
		t.Error("range beyond 65535 should fail")
	}

	bad = base
	bad.MaxChannelsPerConnection = 0
	if bad.Validate() == nil {
		t.Error("zero capacity should fail")
	}
}

func TestResolvedPaths(t *testing.T) {
	s := Settings{DataPath: "/tmp/vcr"}
	if got := s.ResolvedLogPath(); got != "/tmp/vcr/vcr-tunnel.log" {
		t.Errorf("log path: %s", got)
	}
	if got := s.ResolvedDatabasePath(); got != "/tmp/vcr/audit.db" {
		t.Errorf("db path: %s", got)
	}
	s.LogPath = "/var/log/x.log"
	if got := s.ResolvedLogPath(); got != "/var/log/x.log" {
		t.Errorf("explicit log path ignored: %s", got)
	}
}
