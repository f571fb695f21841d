package server

import (
	"encoding/json"
	"net/http"

	"github.com/ash-run/bridge/internal/apierr"
)

// writeError centralizes spec.md §7's error-to-HTTP mapping, the JSON
// analogue of the teacher's error_page.go — same idea (one place maps an
// internal error to a status and a body), JSON body instead of a styled
// HTML page since this is a machine API, not a browser-facing one.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
