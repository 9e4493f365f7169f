package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/netwatch"
)

// GetNetworkStatus reports the current connectivity as seen by the poller
// and the monitor.
func (a *API) GetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	current := netwatch.TypeOther
	if a.Watcher != nil {
		current = a.Watcher.Current()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":     current,
		"offline":  a.Monitor.Offline(),
		"statuses": a.Monitor.Statuses(),
	})
}

type networkEventRequest struct {
	Kind netwatch.EventKind `json:"kind"`
	From netwatch.Type      `json:"from"`
	To   netwatch.Type      `json:"to"`
}

func (e networkEventRequest) validate() error {
	switch e.Kind {
	case netwatch.Lost, netwatch.Restored, netwatch.TypeChanged:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	for _, t := range []netwatch.Type{e.From, e.To} {
		switch t {
		case "", netwatch.TypeNone, netwatch.TypeWired, netwatch.TypeWiFi, netwatch.TypeCellular, netwatch.TypeVPN, netwatch.TypeOther:
		default:
			return fmt.Errorf("unknown network type %q", t)
		}
	}
	return nil
}

// PostNetworkEvent injects a connectivity change, for hosts where the
// platform reports network changes to the daemon instead of the poller.
func (a *API) PostNetworkEvent(w http.ResponseWriter, r *http.Request) {
	var body networkEventRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := netwatch.Event{Kind: body.Kind, From: body.From, To: body.To, At: time.Now()}
	a.Tunnels.HandleNetworkEvent(ev)
	writeJSON(w, http.StatusAccepted, ev)
}
