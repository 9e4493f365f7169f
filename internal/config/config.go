package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/vcr-tunnel"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8470"`
	// APIToken, when set, is required as a bearer token on the control API.
	// Without it only loopback clients are served.
	APIToken string `envconfig:"API_TOKEN" default:""`

	// Local port range handed out to forwarded tunnels
	PortRangeStart int `envconfig:"PORT_RANGE_START" default:"20000"`
	PortRangeEnd   int `envconfig:"PORT_RANGE_END" default:"30000"`

	// Connection pool
	MaxChannelsPerConnection int           `envconfig:"MAX_CHANNELS_PER_CONNECTION" default:"10"`
	IdleTimeout              time.Duration `envconfig:"IDLE_TIMEOUT" default:"10m"`
	SweepInterval            time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	HealthCheckInterval      time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
	ConnectTimeout           time.Duration `envconfig:"CONNECT_TIMEOUT" default:"20s"`
	ChannelOpenTimeout       time.Duration `envconfig:"CHANNEL_OPEN_TIMEOUT" default:"15s"`
	KnownHostsPath           string        `envconfig:"KNOWN_HOSTS" default:""`
	AllowedGateways          string        `envconfig:"ALLOWED_GATEWAYS" default:""`

	// Resilience
	LivenessInterval     time.Duration `envconfig:"LIVENESS_INTERVAL" default:"30s"`
	MaxReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"3"`
	ReconnectDelay       time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`
	ReconnectWait        time.Duration `envconfig:"RECONNECT_WAIT" default:"30s"`
	NetworkPollInterval  time.Duration `envconfig:"NETWORK_POLL_INTERVAL" default:"5s"`
	// StatusRetention keeps failed statuses and closed tunnels' history
	// queryable for this long.
	StatusRetention time.Duration `envconfig:"STATUS_RETENTION" default:"15m"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("VCR", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate checks values envconfig cannot express on its own.
func (s *Settings) Validate() error {
	if s.PortRangeStart <= 0 || s.PortRangeEnd > 65535 || s.PortRangeStart > s.PortRangeEnd {
		return fmt.Errorf("port range %d-%d is invalid", s.PortRangeStart, s.PortRangeEnd)
	}
	if s.MaxChannelsPerConnection <= 0 {
		return fmt.Errorf("max channels per connection must be positive, got %d", s.MaxChannelsPerConnection)
	}
	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative, got %d", s.MaxReconnectAttempts)
	}
	return nil
}

// ResolvedLogPath returns LogPath, defaulting to a file under DataPath.
func (s *Settings) ResolvedLogPath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "vcr-tunnel.log")
}

// ResolvedDatabasePath returns DatabasePath, defaulting to a file under DataPath.
func (s *Settings) ResolvedDatabasePath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "audit.db")
}
