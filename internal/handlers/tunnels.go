package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshtunnel"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/transport"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

const (
	defaultGatewayPort = 22
	livenessTimeout    = 10 * time.Second
)

// gatewayRequest carries gateway credentials. Exactly one of Password and
// PrivateKey must be set.
type gatewayRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

func (g gatewayRequest) credentials() (transport.Credentials, error) {
	c := transport.Credentials{Host: g.Host, Port: g.Port, Username: g.Username}
	if c.Port == 0 {
		c.Port = defaultGatewayPort
	}
	switch {
	case g.Password != "" && g.PrivateKey != "":
		return c, fmt.Errorf("password and private_key are mutually exclusive")
	case g.PrivateKey != "" && g.Passphrase != "":
		c.Auth = transport.PrivateKeyWithPassphrase{PEM: []byte(g.PrivateKey), Passphrase: g.Passphrase}
	case g.PrivateKey != "":
		c.Auth = transport.PrivateKey{PEM: []byte(g.PrivateKey)}
	default:
		c.Auth = transport.Password{Secret: g.Password}
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

type tunnelRequest struct {
	ID         string         `json:"id,omitempty"`
	Gateway    gatewayRequest `json:"gateway"`
	TargetHost string         `json:"target_host"`
	TargetPort int            `json:"target_port"`
}

func (t tunnelRequest) batchRequest() (sshtunnel.BatchRequest, error) {
	creds, err := t.Gateway.credentials()
	if err != nil {
		return sshtunnel.BatchRequest{}, err
	}
	if t.TargetHost == "" {
		return sshtunnel.BatchRequest{}, fmt.Errorf("target_host is required")
	}
	if t.TargetPort <= 0 || t.TargetPort > 65535 {
		return sshtunnel.BatchRequest{}, fmt.Errorf("invalid target_port %d", t.TargetPort)
	}
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	return sshtunnel.BatchRequest{ID: id, Creds: creds, TargetHost: t.TargetHost, TargetPort: t.TargetPort}, nil
}

type createTunnelRequest struct {
	tunnelRequest
	OTP string `json:"otp,omitempty"`
}

type tunnelCreated struct {
	ID        string `json:"id"`
	LocalPort int    `json:"local_port"`
	Address   string `json:"address"`
}

func created(id string, port int) tunnelCreated {
	return tunnelCreated{ID: id, LocalPort: port, Address: fmt.Sprintf("127.0.0.1:%d", port)}
}

// ListTunnels returns every live tunnel ordered by id.
func (a *API) ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tunnels": a.Tunnels.Infos()})
}

// CreateTunnel brings up one tunnel. The id is generated when omitted.
// Creation blocks until the tunnel is verified or fails.
func (a *API) CreateTunnel(w http.ResponseWriter, r *http.Request) {
	var body createTunnelRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.batchRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	port, err := a.Tunnels.CreateTunnel(r.Context(), req.ID, req.Creds, req.TargetHost, req.TargetPort, body.OTP)
	if err != nil {
		writeTunnelError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created(req.ID, port))
}

type batchRequest struct {
	OTP     string          `json:"otp,omitempty"`
	Tunnels []tunnelRequest `json:"tunnels"`
}

type batchItem struct {
	ID        string `json:"id"`
	LocalPort int    `json:"local_port,omitempty"`
	Address   string `json:"address,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// CreateTunnelBatch creates several tunnels with one shared OTP. Each entry
// succeeds or fails on its own; the response is 200 when every entry
// succeeded and 207 otherwise.
func (a *API) CreateTunnelBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Tunnels) == 0 {
		writeError(w, http.StatusBadRequest, "tunnels must not be empty")
		return
	}

	reqs := make([]sshtunnel.BatchRequest, 0, len(body.Tunnels))
	for i, t := range body.Tunnels {
		req, err := t.batchRequest()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("tunnels[%d]: %v", i, err))
			return
		}
		reqs = append(reqs, req)
	}

	results := a.Tunnels.CreateTunnels(r.Context(), reqs, body.OTP)
	items := make([]batchItem, 0, len(results))
	status := http.StatusOK
	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if seen[req.ID] {
			continue
		}
		seen[req.ID] = true
		res := results[req.ID]
		item := batchItem{ID: req.ID}
		if res.Err != nil {
			item.Error = res.Err.Error()
			item.Kind = tunnelKind(res.Err)
			status = http.StatusMultiStatus
		} else {
			c := created(req.ID, res.LocalPort)
			item.LocalPort, item.Address = c.LocalPort, c.Address
		}
		items = append(items, item)
	}
	writeJSON(w, status, map[string]interface{}{"results": items})
}

// GetTunnel returns one tunnel. A tunnel that failed for good has no record
// but its status is still reported.
func (a *API) GetTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if info, ok := a.Tunnels.Info(id); ok {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if status, ok := a.Tunnels.Status(id); ok {
		writeJSON(w, http.StatusOK, sshtunnel.TunnelInfo{ID: id, Status: status, Retries: a.Monitor.Retries(id)})
		return
	}
	writeError(w, http.StatusNotFound, "Tunnel not found")
}

// CloseTunnel closes one tunnel. Closing an unknown id succeeds.
func (a *API) CloseTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Tunnels.CloseTunnel(id); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to close tunnel: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) CloseAllTunnels(w http.ResponseWriter, r *http.Request) {
	a.Tunnels.CloseAllTunnels()
	w.WriteHeader(http.StatusNoContent)
}

// GetTunnelTransitions returns the status history of a tunnel. History
// outlives the tunnel.
func (a *API) GetTunnelTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	transitions := a.Monitor.Transitions(id)
	if len(transitions) == 0 {
		writeError(w, http.StatusNotFound, "No history for tunnel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          id,
		"transitions": transitions,
	})
}

// CheckTunnel runs a liveness check now and reports the outcome. A failed
// check does not change the tunnel's status; the monitor decides that.
func (a *API) CheckTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.Tunnels.HasTunnel(id) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), livenessTimeout)
	defer cancel()

	start := time.Now()
	err := a.Tunnels.CheckLiveness(ctx, id)
	resp := map[string]interface{}{
		"id":         id,
		"alive":      err == nil,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		resp["error"] = err.Error()
		resp["kind"] = tunnelKind(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func tunnelKind(err error) string {
	return tunnelerr.KindOf(err).String()
}
