package handlers

import (
	"net/http"
	"strconv"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	network := "online"
	if a.Monitor != nil && a.Monitor.Offline() {
		network = "offline"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      status,
		"database":    dbStatus,
		"network":     network,
		"tunnels":     strconv.Itoa(len(a.Tunnels.Tunnels())),
		"connections": strconv.Itoa(a.Pool.Count()),
	})
}
