package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/server"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// recentEventCount is the number of event log entries in a status response.
const recentEventCount = 20

// StatusSource provides the pipeline snapshot and decision stream.
type StatusSource interface {
	Status() types.Status
	Subscribe(fn func(types.WSDecisionMessage)) (unsubscribe func())
}

// Server is the read-only HTTP status server of the noise monitor.
type Server struct {
	cfg          config.StatusConfig
	eventLogPath string
	monitor      StatusSource
	hub          *server.Hub
	version      *ReleaseWatcher
	logger       *slog.Logger
	unsubscribe  func()
}

// NewServer returns a server that streams every decision of mon to
// websocket clients.
func NewServer(settings config.Settings, mon StatusSource, version *ReleaseWatcher, logger *slog.Logger) *Server {
	hub := server.NewHub(logger)
	s := &Server{
		cfg:          settings.Status,
		eventLogPath: settings.EventLog.Path,
		monitor:      mon,
		hub:          hub,
		version:      version,
		logger:       logger,
	}
	s.unsubscribe = mon.Subscribe(func(msg types.WSDecisionMessage) {
		hub.Broadcast(msg)
	})
	return s
}

// buildStatus returns the monitor status with version info and recent events.
func (s *Server) buildStatus() types.Status {
	status := s.monitor.Status()
	if s.version != nil {
		status.Version = s.version.Info()
	}

	if s.eventLogPath != "" {
		events, err := eventlog.ReadLast(s.eventLogPath, recentEventCount)
		if err != nil {
			s.logger.Warn("failed to read event log", "path", s.eventLogPath, "error", err)
		} else {
			status.RecentEvents = events
		}
	}
	return status
}

// SetupRoutes returns an [http.Handler] configured with all status routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.apiKeyAuth(s.handleStatus))
	mux.HandleFunc("GET /ws", s.apiKeyAuth(s.handleWebSocket))
	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth guards next with the X-API-Key header when a key is configured.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next(w, r)
			return
		}
		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(s.cfg.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildStatus())
}

// handleWebSocket streams decisions, starting with the current status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	initial := struct {
		Type   string       `json:"type"`
		Status types.Status `json:"status"`
	}{Type: "status", Status: s.buildStatus()}
	s.hub.Serve(w, r, initial)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Start begins serving in the background.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	s.logger.Info("starting status server", "addr", s.cfg.ListenAddr)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()

	return srv
}

// Close detaches the server from the decision stream.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
