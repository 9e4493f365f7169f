package handlers

import (
	"net/http"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logging"
)

const (
	defaultLogLines = 200
	maxLogLines     = 10000
)

// GetServerLogs returns the tail of the daemon log.
//
// Query parameters:
//
//	lines - number of lines (default 200, max 10000)
func (a *API) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := queryInt(r, "lines", defaultLogLines)
	if err != nil || lines == 0 {
		lines = defaultLogLines
	}
	if lines > maxLogLines {
		lines = maxLogLines
	}

	content, err := logging.ReadTail(a.LogPath, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
