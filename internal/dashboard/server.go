// Package dashboard exposes a read-only JSON view of the engine's live
// state: open positions, today's universe, risk-controller status, and
// the latest account snapshot. There is no HTML rendering here — report
// formatting belongs to an external tool, not this process.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/risk"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Config carries the dashboard's own settings, separate from
// internal/config.Config so this package has no dependency on it.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the read-only dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     *store.Store
	risk      *risk.Controller
	mode      models.Mode
	logger    *logrus.Logger
	port      int
	authToken string
}

// New builds a Server. A nil logger defaults to logrus's standard logger.
func New(cfg Config, st *store.Store, riskController *risk.Controller, mode models.Mode, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		risk:      riskController,
		mode:      mode,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/api/positions", s.handlePositions)
		r.Get("/api/universe", s.handleUniverse)
		r.Get("/api/risk", s.handleRiskStatus)
		r.Get("/api/account", s.handleAccountSnapshot)
	})
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		entry.WithFields(logrus.Fields{
			"status":   wrapped.Status(),
			"duration": time.Since(start),
		}).Info("dashboard request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !s.isValidToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// Start runs the HTTP server until Shutdown is called or it errors out.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("dashboard listening on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding dashboard response failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"status": "healthy", "timestamp": time.Now().Unix()})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.GetOpenPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("fetching open positions failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, positions)
}

func (s *Server) handleUniverse(w http.ResponseWriter, r *http.Request) {
	tradeDate := r.URL.Query().Get("trade_date")
	if strings.TrimSpace(tradeDate) == "" {
		tradeDate = time.Now().Format("2006-01-02")
	}
	rec, err := s.store.GetUniverseRecord(r.Context(), tradeDate)
	if err != nil {
		s.logger.WithError(err).Error("fetching universe record failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		s.writeJSON(w, map[string]interface{}{"trade_date": tradeDate, "selected_symbols": []string{}})
		return
	}
	s.writeJSON(w, rec)
}

// riskStatusView is the dashboard's JSON shape for risk state; it exists
// because Controller deliberately does not expose its Config wholesale.
type riskStatusView struct {
	KillSwitchEngaged bool `json:"kill_switch_engaged"`
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	if s.risk == nil {
		s.writeJSON(w, riskStatusView{})
		return
	}
	s.writeJSON(w, riskStatusView{KillSwitchEngaged: s.risk.KillSwitchEngaged()})
}

func (s *Server) handleAccountSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetLatestAccountSnapshot(r.Context(), s.mode)
	if err != nil {
		s.logger.WithError(err).Error("fetching account snapshot failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		s.writeJSON(w, map[string]interface{}{})
		return
	}
	s.writeJSON(w, snap)
}
