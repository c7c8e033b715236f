package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/config"
	"github.com/syncmesh/syncmesh/internal/engine"
	"github.com/syncmesh/syncmesh/internal/lifecycle"
	"github.com/syncmesh/syncmesh/internal/metrics"
	"github.com/syncmesh/syncmesh/internal/middleware"
	"github.com/syncmesh/syncmesh/internal/storage"
)

// Server represents the syncmesh broker server.
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	store          storage.Store
	engine         *engine.Engine
	metricsManager metrics.Manager
	systemMetrics  *metrics.SystemMetricsTracker
	reaper         *lifecycle.Worker
	logger         *logrus.Logger
	startTime      time.Time
}

// New creates a new syncmesh server: it opens the configured store, builds
// the engine on top of it, and wires the HTTP surface.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store, err := storage.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage backend: %w", err)
	}

	eng := engine.New(store, engine.Options{Logger: logger})
	metricsManager := metrics.NewManager(cfg.Metrics)
	systemMetrics := metrics.NewSystemMetrics(cfg.DataDir)

	var reaper *lifecycle.Worker
	if cfg.Lifecycle.Enable {
		reaper = lifecycle.NewWorker(store, cfg.Lifecycle.SentTTL, logger, metricsManager)
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := &Server{
		config:         cfg,
		httpServer:     httpServer,
		store:          store,
		engine:         eng,
		metricsManager: metricsManager,
		systemMetrics:  systemMetrics,
		reaper:         reaper,
		logger:         logger,
		startTime:      time.Now(),
	}

	httpServer.Handler = handlers.RecoveryHandler()(server.routes())

	return server, nil
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"backend":  s.config.Storage.Backend,
		"data_dir": s.config.DataDir,
	}).Info("Starting syncmesh server")

	if s.config.Metrics.Enable {
		s.metricsManager.Start(ctx)
	}

	if s.reaper != nil {
		s.reaper.Start(ctx, s.config.Lifecycle.Interval)
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("API server error")
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown API server")
	}

	if s.reaper != nil {
		s.reaper.Stop()
	}

	if s.config.Metrics.Enable {
		s.metricsManager.Stop()
	}

	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close store")
		return err
	}

	return nil
}

// routes builds the full HTTP surface. Admin routes carry their scope in the
// path; message routes carry it in the X-Sync-Network-Id and X-Sync-Node-Id
// headers.
func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Tracing())
	router.Use(middleware.Logging(s.logger))
	router.Use(middleware.Tracking(s.systemMetrics))
	if s.config.Metrics.Enable {
		router.Use(s.metricsManager.Middleware())
	}

	// Network administration
	router.HandleFunc("/admin/networks", s.handleCreateNetwork).Methods(http.MethodPost)
	router.HandleFunc("/admin/networks", s.handleListNetworks).Methods(http.MethodGet)
	router.HandleFunc("/admin/networks/{id}", s.handleGetNetwork).Methods(http.MethodGet)
	router.HandleFunc("/admin/networks/{id}", s.handlePatchNetwork).Methods(http.MethodPatch)

	// Node administration. The list route answers with and without the
	// trailing slash; StrictSlash would redirect instead.
	router.HandleFunc("/admin/networks/{nid}/nodes", s.handleCreateNode).Methods(http.MethodPost)
	router.HandleFunc("/admin/networks/{nid}/nodes", s.handleListNodes).Methods(http.MethodGet)
	router.HandleFunc("/admin/networks/{nid}/nodes/", s.handleListNodes).Methods(http.MethodGet)
	router.HandleFunc("/admin/networks/{nid}/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	router.HandleFunc("/admin/networks/{nid}/nodes/{id}", s.handlePatchNode).Methods(http.MethodPatch)
	router.HandleFunc("/admin/networks/{nid}/nodes/{id}/sync", s.handleSyncNode).Methods(http.MethodPost)

	// Message exchange
	router.HandleFunc("/messages", s.withScope(s.handleSendMessage)).Methods(http.MethodPost)
	router.HandleFunc("/messages/next", s.withScope(s.handleFetchNext)).Methods(http.MethodPost)
	router.HandleFunc("/messages/pending", s.withScope(s.handlePendingCount)).Methods(http.MethodGet)
	router.HandleFunc("/messages/{id}", s.withScope(s.handleResolveMessage)).Methods(http.MethodPatch)

	// Operational surface
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/admin/status", s.handleStatus).Methods(http.MethodGet)
	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.metricsManager.GetMetricsHandler()).Methods(http.MethodGet)
	}

	return router
}
