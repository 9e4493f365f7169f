package handlers

import (
	"net/http"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshmanager"
)

const defaultEventLimit = 50

// ListGateways returns every pooled gateway connection.
func (a *API) ListGateways(w http.ResponseWriter, r *http.Request) {
	conns := a.Pool.Connections()
	infos := make([]sshmanager.Info, 0, len(conns))
	for _, mc := range conns {
		infos = append(infos, mc.Info())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": infos,
		"total":       len(infos),
	})
}

// GetGatewayEvents returns recent connection events.
//
// Query parameters:
//   - gateway: required, "user@host:port"
//   - limit: maximum number of events, newest last (default 50)
//   - type: when set without gateway, returns per-gateway counts of that event type
func (a *API) GetGatewayEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gateway := q.Get("gateway")
	if gateway == "" {
		if t := q.Get("type"); t != "" {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"type":   t,
				"counts": a.Pool.GetEventCountsByType(sshmanager.EventType(t)),
			})
			return
		}
		writeError(w, http.StatusBadRequest, "gateway parameter is required")
		return
	}
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateway": gateway,
		"events":  a.Pool.GetRecentEvents(gateway, limit),
	})
}

func (a *API) ClearGatewayEvents(w http.ResponseWriter, r *http.Request) {
	gateway := r.URL.Query().Get("gateway")
	if gateway == "" {
		writeError(w, http.StatusBadRequest, "gateway parameter is required")
		return
	}
	a.Pool.ClearEvents(gateway)
	w.WriteHeader(http.StatusNoContent)
}

// GetRateLimitStatus reports the auth-attempt limiter state of a gateway.
func (a *API) GetRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	gateway := r.URL.Query().Get("gateway")
	if gateway == "" {
		writeError(w, http.StatusBadRequest, "gateway parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateway":    gateway,
		"rate_limit": a.Pool.RateLimitStatus(gateway),
	})
}

// ResetRateLimit lifts a block on a gateway, typically after the operator
// fixed its credentials.
func (a *API) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	gateway := r.URL.Query().Get("gateway")
	if gateway == "" {
		writeError(w, http.StatusBadRequest, "gateway parameter is required")
		return
	}
	a.Pool.ResetRateLimit(gateway)
	w.WriteHeader(http.StatusNoContent)
}
