package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"qrattend/internal/attendance"
	"qrattend/internal/audit"
	"qrattend/internal/biometric"
	"qrattend/internal/config"
	"qrattend/internal/faceclient"
	"qrattend/internal/handler"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/logging"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/roster"
	"qrattend/internal/store"
	"qrattend/internal/store/memory"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", "err", err)
		os.Exit(1)
	}
}

// backends holds the storage implementations chosen by configuration.
type backends struct {
	sessions  attendance.SessionStore
	tokens    attendance.TokenStore
	records   attendance.RecordStore
	roster    attendance.Roster
	templates biometric.TemplateStore
	auditSink audit.Sink

	seed    func(ctx context.Context, a attendance.Attendee) error
	healthy func(ctx context.Context) bool
	close   func()
}

func openBackends(ctx context.Context, cfg config.App, logger *slog.Logger) (*backends, error) {
	if cfg.StoreBackend != "postgres" {
		st := memory.New()
		people := roster.NewMemory()
		return &backends{
			sessions:  st,
			tokens:    st,
			records:   st,
			roster:    people,
			templates: biometric.NewMemoryTemplates(),
			auditSink: memory.NewAuditLog(),
			seed: func(_ context.Context, a attendance.Attendee) error {
				people.Put(a)
				return nil
			},
			healthy: func(context.Context) bool { return true },
			close:   func() {},
		}, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.Migrate(ctx, db.Client); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("postgres ready")

	repo := attendance.NewRepository(db.Client)
	people := roster.NewPostgres(db.Client)
	return &backends{
		sessions:  repo,
		tokens:    repo,
		records:   repo,
		roster:    people,
		templates: biometric.NewPostgresTemplates(db.Client),
		auditSink: repo,
		seed:      people.Upsert,
		healthy:   db.Healthy,
		close:     func() { _ = db.Close() },
	}, nil
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	if cfg.RosterFile != "" {
		people, err := roster.LoadFile(cfg.RosterFile)
		if err != nil {
			return err
		}
		for _, a := range people {
			if err := be.seed(ctx, a); err != nil {
				return fmt.Errorf("seed roster: %w", err)
			}
		}
		logger.Info("roster loaded", "file", cfg.RosterFile, "attendees", len(people))
	}

	var redisClient *store.Redis
	if cfg.LockBackend == "redis" || cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
	}

	var locker attendance.Locker = attendance.NewKeyedMutex()
	if cfg.LockBackend == "redis" {
		locker = store.NewRedisLocker(redisClient.Client, cfg.LockTimeout+10*time.Second)
	}

	// Audit events go through the queue; with the in-memory queue this
	// process also drains it, otherwise cmd/worker does.
	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, "")
	} else {
		q = queue.NewInMemory(256)
		relay := audit.NewRelay(q, be.auditSink, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("audit relay stopped", "err", err)
			}
		}()
	}
	auditor := audit.NewPublisher(q)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	bio := biometric.NewService(be.templates, faceExtractor(face),
		biometric.WithAuditor(auditor),
		biometric.WithLogger(logger),
		biometric.WithEmbedTimeout(cfg.EmbedTimeout),
	)

	m := metrics.New()
	svc := attendance.New(attendance.Config{
		TokenValidity:    cfg.TokenValidity,
		MatchThreshold:   cfg.MatchThreshold,
		EmbedTimeout:     cfg.EmbedTimeout,
		LockTimeout:      cfg.LockTimeout,
		LockRetryBackoff: cfg.LockRetryBackoff,
		MaxFaceAttempts:  cfg.MaxFaceAttempts,
	}, attendance.Deps{
		Sessions:   be.sessions,
		Tokens:     be.tokens,
		Records:    be.records,
		Roster:     be.roster,
		Biometrics: bio,
		Locker:     locker,
		Auditor:    auditor,
		Observer:   m,
		Logger:     logger,
	})

	sweeper := attendance.NewSweeper(svc.Lifecycle, cfg.SweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter, logger))

	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		ok := be.healthy(hctx)
		checks := gin.H{"db": ok}
		if redisClient != nil {
			up := redisClient.Healthy(hctx)
			checks["redis"] = up
			ok = ok && up
		}
		if !cfg.FaceSkip {
			// The face service is optional at request time; report only.
			checks["face"] = face.Health(hctx) == nil
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		checks["status"] = http.StatusText(status)
		c.JSON(status, checks)
	})

	handler.New(svc, bio, handler.Config{
		SigningKey: cfg.JWTSigningKey,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTTL,
		DevTokens:  !cfg.Production(),
	}, logger).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// faceExtractor defers to the face service client on first use. Reachability
// is reported by /healthz only, so the first verification makes no extra
// round trip.
func faceExtractor(face *faceclient.Client) *biometric.LazyExtractor {
	return biometric.NewLazyExtractor(func() (biometric.Extractor, error) {
		return face, nil
	})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
