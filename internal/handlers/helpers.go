package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/sshtunnel"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// maxBodyBytes bounds JSON request bodies. Private keys are the largest field.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeTunnelError maps a categorized tunnel error to a status code. The
// body carries the error kind so clients can branch without parsing text.
func writeTunnelError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	body := map[string]string{
		"detail": err.Error(),
		"kind":   tunnelerr.KindOf(err).String(),
	}
	if r := tunnelerr.ReasonOf(err); r != tunnelerr.ReasonNone {
		body["reason"] = r.String()
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[api] %v", err)
	}
	writeJSON(w, status, body)
}

func statusForError(err error) int {
	if errors.Is(err, sshtunnel.ErrShutdown) {
		return http.StatusServiceUnavailable
	}
	switch tunnelerr.KindOf(err) {
	case tunnelerr.PortExhausted, tunnelerr.ConnectionUnhealthy, tunnelerr.MaxRetriesExceeded:
		return http.StatusServiceUnavailable
	case tunnelerr.AuthenticationFailed:
		return http.StatusUnauthorized
	case tunnelerr.ConnectBlocked:
		return http.StatusForbidden
	case tunnelerr.TransportConnectFailed, tunnelerr.ChannelRejected:
		return http.StatusBadGateway
	case tunnelerr.ListenerBindFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// queryInt parses a non-negative integer query parameter, returning def when
// it is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("Invalid %s parameter", name)
	}
	return n, nil
}
