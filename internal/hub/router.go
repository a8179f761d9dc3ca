package hub

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Status reports whether the mailbox session is currently connected.
type Status func() bool

// NewRouter serves subscriber upgrades at "/" and a health probe at
// "/healthz".
func NewRouter(h *Hub, mailboxUp Status) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := "disconnected"
		if mailboxUp != nil && mailboxUp() {
			state = "connected"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"subscribers": h.Count(),
			"mailbox":     state,
		})
	})
	r.Get("/", h.ServeHTTP)
	return r
}
