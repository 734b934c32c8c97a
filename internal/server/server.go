package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/driver"
	"github.com/smartdevs17/rsk-read-cache/internal/entities"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/reporter"
	"github.com/smartdevs17/rsk-read-cache/internal/storage"
	"github.com/smartdevs17/rsk-read-cache/internal/store"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// Dependencies are the components the API serves. Driver, Wallets, Storage
// and Reporter may be nil; their endpoints then answer 503.
type Dependencies struct {
	Graph    *store.Graph
	Entities *entities.Manager
	Driver   *driver.Driver
	Wallets  *driver.WalletBalances
	Storage  storage.Storage
	Reporter *reporter.Multi
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	upgrader       websocket.Upgrader
	deps           Dependencies
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	version        string

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	watchers atomic.Int64
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, deps Dependencies, metricsManager *metrics.Manager, version string) (*HTTPServer, error) {
	if deps.Graph == nil || deps.Entities == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "HTTP server needs the graph and the entity manager")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &HTTPServer{
		config:         cfg,
		deps:           deps,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("server"),
		version:        version,
		ctx:            ctx,
		cancel:         cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
	}
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	// Entity endpoints
	api.HandleFunc("/entities", s.listEntitiesHandler).Methods("GET")
	api.HandleFunc("/entities", s.addEntityHandler).Methods("POST")
	api.HandleFunc("/entities/{reference}", s.getEntityHandler).Methods("GET")
	api.HandleFunc("/entities/{reference}", s.removeEntityHandler).Methods("DELETE")
	api.HandleFunc("/entities/{reference}/read/{method}", s.readHandler).Methods("GET")
	api.HandleFunc("/entities/{reference}/read/{method}", s.releaseReadHandler).Methods("DELETE")
	api.HandleFunc("/entities/{reference}/watch/{method}", s.watchHandler).Methods("GET")

	// Cache endpoints
	api.HandleFunc("/registry", s.registryHandler).Methods("GET")
	api.HandleFunc("/cycles", s.listCyclesHandler).Methods("GET")

	// Driver endpoints
	api.HandleFunc("/driver/status", s.driverStatusHandler).Methods("GET")
	api.HandleFunc("/driver/network", s.switchNetworkHandler).Methods("POST")

	// Wallet endpoints
	api.HandleFunc("/wallets", s.listWalletsHandler).Methods("GET")
	api.HandleFunc("/wallets", s.addWalletHandler).Methods("POST")
	api.HandleFunc("/wallets/{address}", s.getWalletHandler).Methods("GET")
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	// Update system and component metrics so they appear on first scrape
	if s.metricsManager != nil {
		s.updateHealthMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Give the server a moment to start and check for immediate binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.updateHealthMetrics()
		}
	}
}

func (s *HTTPServer) updateHealthMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	pm := s.metricsManager.GetPrometheusMetrics()
	if s.deps.Storage != nil {
		pm.UpdateComponentHealth("storage", s.deps.Storage.GetHealth().Healthy)
	}
	if s.deps.Driver != nil {
		health := s.deps.Driver.GetHealth()
		pm.UpdateComponentHealth("driver", health.Healthy)
		pm.UpdateComponentHealth("connection", health.ConnectionHealthy)
	}
}

// Stop stops the HTTP server and closes every watch session.
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.sessions.Wait()
	return err
}

// Health Handlers

// healthHandler returns basic health status
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"version":         s.version,
		"metrics_enabled": s.config.EnableMetrics,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// detailedHealthHandler returns detailed health status
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := map[string]interface{}{
		"cache": s.deps.Graph.Stats(),
	}
	if s.deps.Driver != nil {
		health := s.deps.Driver.GetHealth()
		healthy = healthy && health.Healthy
		components["driver"] = health
	}
	if s.deps.Storage != nil {
		health := s.deps.Storage.GetHealth()
		healthy = healthy && health.Healthy
		components["storage"] = health
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now(),
		"version":    s.version,
		"components": components,
	})
}

// statsHandler returns application statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp":      time.Now(),
		"cache":          s.deps.Graph.Stats(),
		"entities":       len(s.deps.Entities.List()),
		"watch_sessions": s.watchers.Load(),
	}
	if s.deps.Driver != nil {
		stats["driver"] = s.deps.Driver.GetStats()
	}
	if s.deps.Reporter != nil {
		stats["reporter"] = s.deps.Reporter.GetStats()
	}
	if s.deps.Storage != nil {
		storageStats, err := s.deps.Storage.GetStats()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
			return
		}
		stats["storage"] = storageStats
	}
	if s.metricsManager != nil {
		stats["uptime"] = s.metricsManager.Uptime().String()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// Utility Methods

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			errorResponse["code"] = appErr.Code
		}
		entry := s.logger.WithError(err).WithFields(logrus.Fields{"status": status, "message": message})
		if status >= http.StatusInternalServerError {
			entry.Error("HTTP error")
		} else {
			entry.Debug("HTTP error")
		}
	}

	s.writeJSON(w, status, errorResponse)
}

// statusFor maps an application error to an HTTP status.
func statusFor(err error) int {
	switch {
	case utils.IsCode(err, utils.ErrCodeValidation), utils.IsCode(err, utils.ErrCodeDecode):
		return http.StatusBadRequest
	case utils.IsCode(err, utils.ErrCodeNotFound):
		return http.StatusNotFound
	case utils.IsCode(err, utils.ErrCodePrecondition):
		return http.StatusPreconditionFailed
	case utils.IsCode(err, utils.ErrCodeConnection), utils.IsCode(err, utils.ErrCodeBlockchain):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
