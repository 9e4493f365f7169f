// Package handlers serves the local control API for the tunnel daemon.
//
// Every dependency is carried by API; nothing is global, so tests build
// their own stack and mount Router on an httptest server or recorder.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/middleware"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/netwatch"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/resilience"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshaudit"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshmanager"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshtunnel"
)

// API holds the services the control endpoints operate on. DB, Watcher and
// Auditor may be nil; the endpoints that need them then report so.
type API struct {
	Tunnels *sshtunnel.TunnelManager
	Pool    *sshmanager.Pool
	Monitor *resilience.Monitor
	Auditor *sshaudit.Auditor
	Watcher *netwatch.Watcher
	DB      *gorm.DB
	LogPath string
	// Token guards /api/v1; see middleware.RequireToken.
	Token string
}

// Router returns the chi router for the control API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", a.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(a.Token))

		r.Get("/tunnels", a.ListTunnels)
		r.Post("/tunnels", a.CreateTunnel)
		r.Post("/tunnels/batch", a.CreateTunnelBatch)
		r.Delete("/tunnels", a.CloseAllTunnels)
		r.Get("/tunnels/{id}", a.GetTunnel)
		r.Delete("/tunnels/{id}", a.CloseTunnel)
		r.Get("/tunnels/{id}/transitions", a.GetTunnelTransitions)
		r.Post("/tunnels/{id}/check", a.CheckTunnel)

		r.Get("/gateways", a.ListGateways)
		r.Get("/gateways/events", a.GetGatewayEvents)
		r.Delete("/gateways/events", a.ClearGatewayEvents)
		r.Get("/gateways/rate-limit", a.GetRateLimitStatus)
		r.Delete("/gateways/rate-limit", a.ResetRateLimit)

		r.Get("/audit", a.GetAuditLogs)
		r.Post("/audit/purge", a.PurgeAuditLogs)
		r.Get("/audit/retention", a.GetAuditRetention)
		r.Put("/audit/retention", a.UpdateAuditRetention)

		r.Get("/network", a.GetNetworkStatus)
		r.Post("/network/events", a.PostNetworkEvent)

		r.Get("/logs", a.GetServerLogs)
	})
	return r
}
