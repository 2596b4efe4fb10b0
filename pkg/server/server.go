// Package server wires the stores, pipeline and HTTP API into one process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/spinachchain/spinachchain/pkg/analytics"
	"github.com/spinachchain/spinachchain/pkg/audit"
	"github.com/spinachchain/spinachchain/pkg/authz"
	"github.com/spinachchain/spinachchain/pkg/batch"
	"github.com/spinachchain/spinachchain/pkg/cache"
	"github.com/spinachchain/spinachchain/pkg/config"
	"github.com/spinachchain/spinachchain/pkg/ha"
	"github.com/spinachchain/spinachchain/pkg/integrity"
	"github.com/spinachchain/spinachchain/pkg/jobs"
	"github.com/spinachchain/spinachchain/pkg/metrics"
	"github.com/spinachchain/spinachchain/pkg/publisher"
	"github.com/spinachchain/spinachchain/pkg/users"
)

// APIPrefix is where the versioned API is mounted.
const APIPrefix = "/api/v1"

// Server owns every component of a running instance.
type Server struct {
	cfg    *config.Config
	db     *gorm.DB
	logger *slog.Logger

	metrics    *metrics.Metrics
	publisher  publisher.Publisher
	authorizer authz.Authorizer
	tokens     *authz.TokenManager

	batches   *batch.Store
	auditLog  *audit.Store
	jobStore  *jobs.JobStore
	users     *users.Store
	orch      *integrity.Orchestrator
	analytics *analytics.Service
	responses *cache.ResponseCache

	migrationLocker ha.MigrationLocker
	leaderElector   *ha.LeaderElector

	router    chi.Router
	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithPublisher replaces the configured publisher backend.
func WithPublisher(p publisher.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// New builds all components from cfg. It does not migrate the schema; call
// Migrate before serving.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, db: db, logger: logger, startedAt: time.Now()}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}

	var err error
	s.authorizer, err = authz.NewAuthorizer(authz.AuthzMode(cfg.Auth.Authz))
	if err != nil {
		return nil, err
	}
	// Header mode still issues tokens from /auth/login when a secret is set.
	if authz.AuthMode(cfg.Auth.Mode) == authz.AuthModeJWT || cfg.Auth.Secret != "" {
		s.tokens, err = authz.NewTokenManager(cfg.TokenConfig())
		if err != nil {
			return nil, fmt.Errorf("token manager: %w", err)
		}
	}

	if s.publisher == nil {
		pcfg := cfg.PublisherConfig()
		m := s.metrics
		pcfg.Observe = func(backend string, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.PublishAttempt(backend, result)
		}
		s.publisher, err = publisher.New(ctx, pcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("publisher: %w", err)
		}
	}

	thresholds, err := analytics.LoadThresholds(cfg.Analytics.ThresholdsFile)
	if err != nil {
		return nil, err
	}

	s.batches = batch.NewStore(db, batch.NewLifecycleMachine(cfg.LifecycleMode()))
	s.auditLog = audit.NewStore(db)
	s.jobStore = jobs.NewJobStore(db)
	s.users = users.NewStore(db)

	recorder := audit.NewRecorder(s.auditLog, logger)
	s.orch = integrity.New(s.batches, s.publisher, recorder, s.metrics, cfg.IntegrityConfig(), logger)
	s.analytics = analytics.NewService(s.batches, analytics.NewStatisticalAnalyzer(thresholds), recorder, logger)

	s.responses = cache.New(cfg.CacheConfig(), s.metrics)
	if s.responses != nil {
		s.orch.OnChange(s.responses.InvalidateBatch)
	}

	hcfg := cfg.HAConfig()
	s.migrationLocker = &noopLocker{}
	if hcfg.MigrationLockEnabled {
		s.migrationLocker = ha.NewMigrationLocker(db, hcfg.Identity)
	}
	if hcfg.LeaderElectionEnabled {
		s.leaderElector = ha.NewLeaderElector(hcfg, db, hcfg.Identity, logger)
	}

	s.router = s.mountRoutes(recorder)
	return s, nil
}

type noopLocker struct{}

func (noopLocker) WithLock(_ context.Context, fn func() error) error { return fn() }

// Migrate creates or updates every table under the migration lock.
func (s *Server) Migrate(ctx context.Context) error {
	return s.migrationLocker.WithLock(ctx, func() error {
		steps := []struct {
			name string
			fn   func() error
		}{
			{"batches", s.batches.AutoMigrate},
			{"audit", s.auditLog.AutoMigrate},
			{"jobs", s.jobStore.AutoMigrate},
			{"users", s.users.AutoMigrate},
		}
		if s.leaderElector != nil {
			steps = append(steps, struct {
				name string
				fn   func() error
			}{"leases", s.leaderElector.AutoMigrate})
		}
		for _, step := range steps {
			if err := step.fn(); err != nil {
				return fmt.Errorf("migrate %s: %w", step.name, err)
			}
		}
		s.logger.Info("database schema up to date", "tables", len(steps))
		return nil
	})
}

// Router returns the HTTP handler.
func (s *Server) Router() chi.Router { return s.router }

// IsLeader reports whether this replica runs singleton loops. It is true
// when leader election is disabled.
func (s *Server) IsLeader() bool {
	if s.leaderElector == nil {
		return true
	}
	return s.leaderElector.IsLeader()
}

func (s *Server) identityMiddleware() func(http.Handler) http.Handler {
	if authz.AuthMode(s.cfg.Auth.Mode) == authz.AuthModeHeader {
		return authz.HeaderIdentityMiddleware()
	}
	return authz.JWTIdentityMiddleware(s.tokens, s.logger)
}

func (s *Server) mountRoutes(recorder *audit.Recorder) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Remote-User", "X-Remote-Role"},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.identityMiddleware())

	auditCfg := s.cfg.AuditConfig()
	if auditCfg.Enabled {
		r.Use(audit.Middleware(s.auditLog, auditCfg, s.logger))
		s.logger.Info("audit middleware enabled",
			"logDenied", auditCfg.LogDenied,
			"retentionDays", auditCfg.RetentionDays)
	}

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	bh := batch.NewHandlers(s.batches, recorder, s.metrics, s.logger)
	var jobStore *jobs.JobStore
	if s.cfg.Jobs.Enabled {
		jobStore = s.jobStore
	}
	ih := integrity.NewHandlers(s.orch, jobStore, s.logger)
	ah := analytics.NewHandlers(s.analytics)
	history := func(r chi.Router) {
		r.Get("/history", audit.HistoryHandler(s.auditLog))
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Mount("/auth", users.Router(users.NewHandlers(s.users, s.tokens, s.logger)))
		r.Mount("/farms", batch.FarmRouter(bh, s.authorizer))
		r.With(authz.AuthzMiddleware(s.authorizer), s.responses.Middleware("proof", "anchor")).
			Mount("/batches", batch.Router(bh, ih.Routes, ah.Routes, history))
		r.Mount("/audit", audit.Router(s.auditLog, s.authorizer))
		r.Mount("/jobs", jobs.Router(s.jobStore, s.authorizer))
	})

	s.logger.Info("routes mounted",
		"prefix", APIPrefix,
		"authMode", s.cfg.Auth.Mode,
		"authzMode", s.cfg.Auth.Authz,
		"metrics", s.metrics != nil,
		"cache", s.responses != nil)
	return r
}

// StartWorkers launches the finalize worker pool, audit retention and
// leader election. The returned function blocks until they have stopped
// after ctx is cancelled.
func (s *Server) StartWorkers(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if s.cfg.Jobs.Enabled {
		jc := s.cfg.JobConfig()
		pool := jobs.NewWorkerPool(s.jobStore, s.orch, &jc, s.metrics, s.logger).WithLeaderCheck(s.IsLeader)
		run(pool.Run)
	}

	retention := audit.NewRetentionWorker(s.auditLog, s.cfg.Audit.RetentionDays, s.logger)
	if s.leaderElector != nil {
		s.leaderElector.OnStartLeading(retention.Run)
		run(s.leaderElector.Run)
	} else {
		run(retention.Run)
	}

	return wg.Wait
}

// Run serves HTTP on cfg.Server.Listen and runs the workers until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	waitWorkers := s.StartWorkers(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("spinachchain server ready", "listen", s.cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	stopWorkers()
	waitWorkers()
	s.logger.Info("spinachchain server stopped")

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler checks database connectivity and reports leader status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ready := true
	dbStatus := map[string]string{"status": "up"}
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		ready = false
	}

	leaderStatus := map[string]string{"status": "not_configured"}
	if s.leaderElector != nil {
		leaderStatus["status"] = "follower"
		if s.leaderElector.IsLeader() {
			leaderStatus["status"] = "leader"
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"database":        dbStatus,
			"leader_election": leaderStatus,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
