package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"calbot/internal/config"
	appLog "calbot/internal/log"
	"calbot/internal/model"
	"calbot/internal/reconcile"
)

// Status exposes the reconciler's last pass of every handler.
type Status interface {
	Reports() []reconcile.PassReport
	Running() bool
}

// Records lists persisted state.
type Records interface {
	List(ctx context.Context) ([]model.EventRecord, error)
	ListVetoes(ctx context.Context) ([]model.Veto, error)
}

// Refresher starts an out-of-schedule pass.
type Refresher interface {
	Refresh() bool
}

// Server provides the HTTP status API.
type Server struct {
	cfg       *config.Config
	status    Status
	records   Records
	refresher Refresher
	mux       *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, status Status, records Records, refresher Refresher) *Server {
	s := &Server{
		cfg:       cfg,
		status:    status,
		records:   records,
		refresher: refresher,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials count as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calbot", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/records", s.handleRecords)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Running bool                   `json:"running"`
	Passes  []reconcile.PassReport `json:"passes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Running: s.status.Running(),
		Passes:  s.status.Reports(),
	})
}

// recordsResponse is the JSON response shape for /api/records.
type recordsResponse struct {
	Events []model.EventRecord `json:"events"`
	Vetoes []model.Veto        `json:"vetoes"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	recs, err := s.records.List(ctx)
	if err != nil {
		appLog.Error("api records: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	vetoes, err := s.records.ListVetoes(ctx)
	if err != nil {
		appLog.Error("api records: list vetoes failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list vetoes")
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{Events: recs, Vetoes: vetoes})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.refresher.Refresh() {
		writeError(w, http.StatusConflict, "a pass is already running")
		return
	}
	appLog.Info("manual refresh triggered", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
