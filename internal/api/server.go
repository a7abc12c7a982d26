package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/sitebackup/internal/api/handler"
	mw "github.com/edvin/sitebackup/internal/api/middleware"
	"github.com/edvin/sitebackup/internal/config"
	"github.com/edvin/sitebackup/internal/core"
	"github.com/edvin/sitebackup/internal/history"
)

// DB is the database the API reads run history from.
type DB interface {
	history.DB
	Ping(ctx context.Context) error
}

type Server struct {
	router         chi.Router
	logger         zerolog.Logger
	db             DB
	redis          redis.UniversalClient
	temporalClient temporalclient.Client
	cfg            *config.Config
	backups        *core.BackupService
}

func NewServer(logger zerolog.Logger, db DB, rdb redis.UniversalClient, temporalClient temporalclient.Client, leases core.Lease, cfg *config.Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		logger:         logger.With().Str("component", "api").Logger(),
		db:             db,
		redis:          rdb,
		temporalClient: temporalClient,
		cfg:            cfg,
		backups:        core.NewBackupService(history.NewService(db), leases, temporalClient, cfg.Tenant.ID, cfg.Temporal.TaskQueue),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(s.cfg.HTTP.APIKey))

		backups := handler.NewBackup(s.backups, s.cfg.Backup.WithUploads)
		r.Get("/backups", backups.List)
		r.Post("/backups", backups.Create)
		r.Get("/backups/status", backups.Status)
		r.Post("/backups/abort", backups.Abort)
		r.Get("/backups/{id}", backups.Get)

		logs := handler.NewLogs(s.redis, s.cfg.Tenant.ID)
		r.Get("/backups/logs", logs.Stream)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	check := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}

	check("db", s.db.Ping(ctx))
	check("redis", s.redis.Ping(ctx).Err())
	_, err := s.temporalClient.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
	check("temporal", err)

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
