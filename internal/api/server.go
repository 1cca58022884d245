package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"garage-erm/internal/approval"
	"garage-erm/internal/camera"
	"garage-erm/internal/config"
	"garage-erm/internal/ingest"
	"garage-erm/internal/store"
)

// Server is the HTTP API surface over the entry, approval and camera
// services.
type Server struct {
	logger      *logrus.Logger
	router      *mux.Router
	httpServer  *http.Server
	rateLimiter *rateLimiter

	ingest    *ingest.Service
	approvals *approval.Manager
	cameras   *camera.Service
	db        *store.DB
	hub       *Hub

	edgeAPIKey string
	jwtSecret  string
}

// NewServer creates the API server and wires routes and middleware.
func NewServer(cfg *config.Config, logger *logrus.Logger, ingestSvc *ingest.Service, approvals *approval.Manager, cameras *camera.Service, db *store.DB, hub *Hub) *Server {
	s := &Server{
		logger:      logger,
		router:      mux.NewRouter(),
		rateLimiter: newRateLimiter(cfg.RateLimitPerMinute),
		ingest:      ingestSvc,
		approvals:   approvals,
		cameras:     cameras,
		db:          db,
		hub:         hub,
		edgeAPIKey:  cfg.EdgeAPIKey,
		jwtSecret:   cfg.JWTSecret,
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Router exposes the configured router, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")

	s.hub.Start()

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown drains in-flight requests and stops the event hub.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("API server shutdown complete")
	return nil
}

// setupRoutes configures middleware and routes.
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.securityHeadersMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Open endpoints: liveness and the provider callback. The callback
	// correlates by unguessable approval identifier.
	api.HandleFunc("/health", s.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/approval-callback", s.ApprovalCallback).Methods(http.MethodPost)

	// Camera-facing endpoints: API key auth plus rate limiting, this is
	// unattended machine traffic.
	cameraRoutes := api.PathPrefix("").Subrouter()
	cameraRoutes.Use(s.rateLimitMiddleware)
	cameraRoutes.Use(s.cameraAuthMiddleware)
	cameraRoutes.HandleFunc("/vehicle-entry", s.VehicleEntry).Methods(http.MethodPost)
	cameraRoutes.HandleFunc("/heartbeat", s.Heartbeat).Methods(http.MethodPost)

	// Exit accepts both camera keys and operator tokens.
	exitRoutes := api.PathPrefix("").Subrouter()
	exitRoutes.Use(s.eitherAuthMiddleware)
	exitRoutes.HandleFunc("/exit", s.Exit).Methods(http.MethodPost)

	// Operator endpoints: JWT bearer auth.
	operator := api.PathPrefix("").Subrouter()
	operator.Use(s.operatorAuthMiddleware)
	operator.HandleFunc("/manual-entry", s.ManualEntry).Methods(http.MethodPost)
	operator.HandleFunc("/approval-request", s.ApprovalRequest).Methods(http.MethodPost)
	operator.HandleFunc("/approval/{id}", s.GetApproval).Methods(http.MethodGet)
	operator.HandleFunc("/cameras", s.RegisterCamera).Methods(http.MethodPost)
	operator.HandleFunc("/cameras", s.ListCameras).Methods(http.MethodGet)
	operator.HandleFunc("/cameras/{id}", s.GetCamera).Methods(http.MethodGet)
	operator.HandleFunc("/cameras/{id}", s.UpdateCamera).Methods(http.MethodPut)
	operator.HandleFunc("/cameras/{id}", s.DeleteCamera).Methods(http.MethodDelete)
	operator.HandleFunc("/entries", s.ListOpenEntries).Methods(http.MethodGet)
	operator.HandleFunc("/entries/{id}", s.GetEntry).Methods(http.MethodGet)
	operator.HandleFunc("/entries/{id}/flag", s.FlagEntry).Methods(http.MethodPost)
	operator.HandleFunc("/entries/{id}/service-done", s.ServiceDone).Methods(http.MethodPost)
	operator.HandleFunc("/alerts", s.ListAlerts).Methods(http.MethodGet)
	operator.HandleFunc("/ws", s.hub.ServeHTTP).Methods(http.MethodGet)
}

// eitherAuthMiddleware accepts a camera API key or an operator token. The
// camera path is rate limited like the other camera-facing endpoints.
func (s *Server) eitherAuthMiddleware(next http.Handler) http.Handler {
	cameraAuth := s.rateLimitMiddleware(s.cameraAuthMiddleware(next))
	operatorAuth := s.operatorAuthMiddleware(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "" {
			cameraAuth.ServeHTTP(w, r)
			return
		}
		operatorAuth.ServeHTTP(w, r)
	})
}
