package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/term"
	"gorm.io/gorm"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/config"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/crypto"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/database"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/handlers"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logging"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/netwatch"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/portalloc"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/profile"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/resilience"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshaudit"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshmanager"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshtunnel"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
)

func main() {
	profilePath := flag.String("profile", "", "YAML launch profile to bring up at start")
	flag.Parse()

	config.Load()
	logging.Init(config.Cfg.ResolvedLogPath())
	defer logging.Close()

	db, err := database.Open(config.Cfg.ResolvedDatabasePath())
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close(db)

	auditor := sshaudit.NewAuditor(db, auditRetention(db))
	log.Printf("Audit trail at %s (retention %d days)", config.Cfg.ResolvedDatabasePath(), auditor.RetentionDays())

	sealer, err := crypto.NewSealer()
	if err != nil {
		log.Fatalf("Credential sealer init: %v", err)
	}
	dialer, err := transport.NewSSHDialer(transport.SSHOptions{
		ConnectTimeout: config.Cfg.ConnectTimeout,
		KnownHostsPath: config.Cfg.KnownHostsPath,
	})
	if err != nil {
		log.Fatalf("SSH dialer init: %v", err)
	}
	allowList, err := sshmanager.NewGatewayAllowList(config.Cfg.AllowedGateways)
	if err != nil {
		log.Fatalf("Invalid VCR_ALLOWED_GATEWAYS: %v", err)
	}

	pool := sshmanager.NewPool(dialer, sshmanager.Options{
		MaxChannelsPerConnection: config.Cfg.MaxChannelsPerConnection,
		IdleTimeout:              config.Cfg.IdleTimeout,
		SweepInterval:            config.Cfg.SweepInterval,
		HealthCheckInterval:      config.Cfg.HealthCheckInterval,
		ChannelOpenTimeout:       config.Cfg.ChannelOpenTimeout,
		AllowList:                allowList,
	})
	ports, err := portalloc.New(config.Cfg.PortRangeStart, config.Cfg.PortRangeEnd)
	if err != nil {
		log.Fatalf("Port allocator init: %v", err)
	}
	monitor := resilience.NewMonitor(resilience.Config{
		CheckInterval: config.Cfg.LivenessInterval,
		MaxRetries:    config.Cfg.MaxReconnectAttempts,
		RetryDelay:    config.Cfg.ReconnectDelay,
		ReconnectWait: config.Cfg.ReconnectWait,
		Retention:     config.Cfg.StatusRetention,
	})
	tunnels, err := sshtunnel.NewTunnelManager(pool, ports, monitor,
		sshtunnel.WithSealer(sealer),
		sshtunnel.WithAuditor(auditor),
		sshtunnel.WithAttemptTimeout(config.Cfg.ReconnectWait),
	)
	if err != nil {
		log.Fatalf("Tunnel manager init: %v", err)
	}
	log.Printf("Tunnel stack initialized (ports %d-%d, %d channels per connection, %d reconnect attempts)",
		config.Cfg.PortRangeStart, config.Cfg.PortRangeEnd, config.Cfg.MaxChannelsPerConnection, config.Cfg.MaxReconnectAttempts)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := netwatch.New(config.Cfg.NetworkPollInterval)
	go watcher.Run(sigCtx, tunnels.HandleNetworkEvent)

	jobs := cron.New()
	if _, err := jobs.AddFunc("@daily", func() {
		if n, err := auditor.PurgeOlderThan(0); err != nil {
			log.Printf("[audit] scheduled purge failed: %v", err)
		} else if n > 0 {
			log.Printf("[audit] scheduled purge removed %d entries", n)
		}
	}); err != nil {
		log.Fatalf("Schedule audit purge: %v", err)
	}
	jobs.Start()

	api := &handlers.API{
		Tunnels: tunnels,
		Pool:    pool,
		Monitor: monitor,
		Auditor: auditor,
		Watcher: watcher,
		DB:      db,
		LogPath: config.Cfg.ResolvedLogPath(),
		Token:   config.Cfg.APIToken,
	}
	if config.Cfg.APIToken == "" {
		log.Printf("Control API token not set; serving loopback clients only")
	}
	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Control API listening on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	if *profilePath != "" {
		if err := launchProfile(sigCtx, tunnels, *profilePath); err != nil {
			log.Printf("Profile launch: %v", err)
		}
	}

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-jobs.Stop().Done()
	tunnels.Shutdown()
	monitor.Close()
	if err := pool.CloseAll(); err != nil {
		log.Printf("Connection pool shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Stopped")
}

// auditRetention returns the retention saved through the control API, or the
// configured one.
func auditRetention(db *gorm.DB) int {
	v, err := database.GetSetting(db, database.SettingAuditRetentionDays)
	if err != nil {
		return config.Cfg.AuditRetentionDays
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 1 {
		log.Printf("Ignoring invalid %s setting %q", database.SettingAuditRetentionDays, v)
		return config.Cfg.AuditRetentionDays
	}
	return days
}

// launchProfile brings up every tunnel in the profile at path, prompting on
// the terminal for missing passwords and the shared OTP.
func launchProfile(ctx context.Context, tunnels *sshtunnel.TunnelManager, path string) error {
	p, err := profile.Load(path)
	if err != nil {
		return err
	}

	prompted := make(map[string]string)
	for _, name := range p.MissingPasswords() {
		secret, err := promptSecret(fmt.Sprintf("Password for %s", p.Gateways[name].Address()))
		if err != nil {
			return err
		}
		prompted[name] = secret
	}
	var otp string
	if p.OTP {
		if otp, err = promptSecret("One-time passcode"); err != nil {
			return err
		}
	}

	reqs, err := p.Requests(prompted)
	if err != nil {
		return err
	}

	log.Printf("Launching %d tunnel(s) from %s", len(reqs), path)
	results := tunnels.CreateTunnels(ctx, reqs, otp)
	failed := 0
	for _, req := range reqs {
		res := results[req.ID]
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "  %-24s FAILED  %v\n", req.ID, res.Err)
			continue
		}
		fmt.Fprintf(os.Stderr, "  %-24s 127.0.0.1:%d -> %s:%d\n", req.ID, res.LocalPort, req.TargetHost, req.TargetPort)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tunnel(s) failed", failed, len(reqs))
	}
	return nil
}

func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s required but stdin is not a terminal", label)
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(b), nil
}
