package signalserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// DebugRouter returns an HTTP handler exposing /healthz and /stats for the
// server. It is an observability add-on (SPEC_FULL §4.3): nothing in the
// ADD/GET/eviction wire contract depends on it, and it is never wired up
// unless a debug address is configured.
func (s *Server) DebugRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}
