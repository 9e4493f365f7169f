package handlers

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/database"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshaudit"
)

// GetAuditLogs returns paginated tunnel audit entries, newest first.
//
// Query parameters:
//
//	tunnel_id  - filter by tunnel id
//	gateway    - filter by gateway ("user@host:port")
//	event_type - filter by event type
//	since      - RFC3339 timestamp, only entries after this time
//	until      - RFC3339 timestamp, only entries before this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func (a *API) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		TunnelID:  q.Get("tunnel_id"),
		Gateway:   q.Get("gateway"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	opts.Offset = offset

	result, err := a.Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PurgeAuditLogs deletes entries older than the retention window.
//
// Query parameters:
//
//	days - number of days to retain (uses the current retention if omitted)
func (a *API) PurgeAuditLogs(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid days parameter")
			return
		}
		days = n
	}

	deleted, err := a.Auditor.PurgeOlderThan(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge audit logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":        deleted,
		"retention_days": a.Auditor.RetentionDays(),
	})
}

func (a *API) GetAuditRetention(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retention_days": a.Auditor.RetentionDays()})
}

type retentionRequest struct {
	RetentionDays int `json:"retention_days"`
}

// UpdateAuditRetention changes the retention window and persists it so it
// survives a restart.
func (a *API) UpdateAuditRetention(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil || a.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}
	var body retentionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.RetentionDays < 1 {
		writeError(w, http.StatusBadRequest, "retention_days must be at least 1")
		return
	}

	if err := database.SetSetting(a.DB, database.SettingAuditRetentionDays, strconv.Itoa(body.RetentionDays)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save setting")
		return
	}
	a.Auditor.SetRetentionDays(body.RetentionDays)
	log.Printf("[api] audit retention set to %d days", body.RetentionDays)
	writeJSON(w, http.StatusOK, map[string]int{"retention_days": body.RetentionDays})
}
