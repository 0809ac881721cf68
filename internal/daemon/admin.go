package daemon

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/g960059/vlab/internal/api"
)

const (
	errCodeInvalid  = "E_INVALID"
	errCodeNotFound = "E_NOT_FOUND"
)

// AdminHandler serves health, live sessions and Prometheus metrics.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, errCodeNotFound, "route not found")
	})
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	status := "ok"
	if s.closing.Load() {
		status = "stopping"
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        status,
		Experiment:    s.def.Name,
		Ports:         s.Ports(),
		Sessions:      s.registry.Len(),
		StartedAt:     s.startedAt,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	now := time.Now().UTC()
	client := strings.TrimSpace(r.URL.Query().Get("client"))
	items := make([]api.SessionItem, 0)
	for _, sum := range s.registry.Snapshot() {
		if client != "" && sum.Identity != client {
			continue
		}
		items = append(items, api.SessionItem{
			SessionID:      sum.ID,
			ClientIdentity: sum.Identity,
			Experiment:     sum.Experiment,
			Ports:          sum.Ports,
			CreatedAt:      sum.CreatedAt.UTC(),
			LastActivityAt: sum.LastActivity.UTC(),
			ActiveConns:    sum.ActiveConns,
			IdleSeconds:    now.Sub(sum.LastActivity).Seconds(),
		})
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Sessions:      items,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, errCodeInvalid, "method not allowed")
}
