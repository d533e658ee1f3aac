package health

import (
	"net/http"

	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
)

type status struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HealthzHandler: 200 {"status":"ok"} when probe passes, 503 otherwise (with reason)
func HealthzHandler(p Probe) http.HandlerFunc { return handler(p, "ok", true) }

// ReadyzHandler: 200 {"status":"ready"} when probe passes, 503 otherwise (with reason)
func ReadyzHandler(p Probe) http.HandlerFunc { return handler(p, "ready", true) }

// PublicHandler is HealthzHandler/ReadyzHandler for the storefront listener,
// failure reasons stay on the admin port.
func PublicHandler(p Probe, ok string) http.HandlerFunc { return handler(p, ok, false) }

func handler(p Probe, ok string, withReason bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				body := status{Status: "unavailable"}
				if withReason {
					body.Reason = err.Error()
				}
				httpmw.WriteJSON(w, r, http.StatusServiceUnavailable, body)
				return
			}
		}
		httpmw.WriteJSON(w, r, http.StatusOK, status{Status: ok})
	}
}
