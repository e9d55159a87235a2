package health

import (
	"io"
	"net/http"
)

// Liveness reports that the process is running. It checks no dependencies.
//
//	r.Get("/health/live", health.Liveness)
func Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ALIVE")
}

// NoContent returns 204 without a body, for high-frequency probes.
func NoContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
