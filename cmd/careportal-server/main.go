package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careportal/careportal/internal/config"
	"github.com/careportal/careportal/internal/domain/account"
	"github.com/careportal/careportal/internal/domain/record"
	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/internal/platform/db"
	"github.com/careportal/careportal/internal/platform/middleware"
	"github.com/careportal/careportal/internal/platform/notify"
	"github.com/careportal/careportal/internal/platform/ratelimit"
	"github.com/careportal/careportal/internal/platform/secrets"
	"github.com/careportal/careportal/internal/platform/token"
	"github.com/careportal/careportal/pkg/password"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "careportal-server",
		Short: "Care portal authentication and audit API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the care portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrations are forward-only; the audit trail must never lose history.")
			fmt.Println("Write a new forward migration to undo a schema change.")
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg)
	clock := secrets.SystemClock{}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis (optional; required when the rate limit store is external)
	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid redis url")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		redisClient = client
		logger.Info().Msg("connected to redis")
	}

	// Signing keys and token codec
	provider, err := secrets.NewStaticProvider(signingKeys(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build signing key provider")
	}
	codec, err := token.NewCodec(token.Config{
		Issuer:     "careportal",
		AccessTTL:  cfg.AccessTTL(),
		RefreshTTL: cfg.RefreshTTL(),
		MedicalTTL: cfg.MedicalTTL(),
		ResetTTL:   cfg.ResetTTL(),
		Skew:       cfg.ClockSkew(),
	}, provider, clock)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build token codec")
	}

	hasher, err := password.NewHasher(cfg.KDFParams())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build password hasher")
	}

	// Audit journal. The sink choice trades durability for convenience:
	// postgres survives restarts, log mode is for development.
	var sink audit.Sink
	switch cfg.AuditSink {
	case "log":
		sink = audit.NewLogSink(logger)
	default:
		sink = audit.NewPGSink(pool)
	}
	auditor, err := audit.NewLogger(audit.Config{}, sink, logger, clock)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start audit journal")
	}
	defer auditor.Close()

	// Stores
	users := account.NewCachedUsers(account.NewUserStore(pool), clock, account.DefaultUserCacheTTL)
	defer users.Close()
	sessions := account.NewSessionStore(pool)
	verifications := account.NewVerificationStore(pool)
	relationships := account.NewRelationshipStore(pool)

	// Rate limiting
	var limitStore ratelimit.Store
	if cfg.RateLimitStore == "external" {
		limitStore = ratelimit.NewRedisStore(redisClient)
	} else {
		ms := ratelimit.NewMemoryStore()
		defer ms.Close()
		limitStore = ms
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.DefaultPolicies(), limitStore, clock)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build rate limiter")
	}

	// Single-use medical token tracking shares redis when it is configured,
	// so replays are caught across replicas.
	var seen auth.SeenStore
	if redisClient != nil {
		seen = auth.NewRedisSeenStore(redisClient)
	} else {
		ms := auth.NewMemorySeenStore()
		defer ms.Close()
		seen = ms
	}

	pipeline := auth.NewPipeline(codec, account.NewSubjectSource(users), auditor, clock)
	guard := auth.NewGuard(codec, relationships, seen, auditor, clock)

	// Outbound mail and SMS. The log sender is a development stand-in; a
	// real deployment swaps in a provider-backed sender here.
	notifier := notify.NewManager(
		notify.NewLogSender(logger),
		notify.NewLogSender(logger),
		notify.NewTemplateEngine(),
		cfg.ResetURL,
	)

	svc, err := account.NewService(account.ServiceConfig{
		Users:         users,
		Sessions:      sessions,
		Verifications: verifications,
		Codec:         codec,
		Hasher:        hasher,
		Auditor:       auditor,
		Notifier:      notifier,
		Clock:         clock,
		Log:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build account service")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(logger, clock)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Metrics())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", auth.HeaderMedicalToken},
		AllowCredentials: true,
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.Timeout(cfg.RequestTimeout(), auditor))

	// API routes. The general budget covers everything under /api/v1; the
	// account handler layers the login, strict and registration budgets on
	// top of it per route.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(ratelimit.Middleware(limiter, ratelimit.MiddlewareConfig{
		Class: ratelimit.ClassGeneral,
		OnDeny: func(c echo.Context, _ ratelimit.Result) {
			_ = auditor.WriteSync(c.Request().Context(), &audit.Event{
				Type:       audit.TypeRateLimited,
				Outcome:    audit.OutcomeDenied,
				RemoteAddr: c.RealIP(),
				UserAgent:  c.Request().UserAgent(),
				RequestID:  api.RequestID(c),
			})
		},
	}))

	account.NewHandler(svc, limiter, auditor).RegisterRoutes(apiV1, pipeline, guard)
	record.NewHandler(record.NewService(record.NewHistoryStore(pool), clock)).RegisterRoutes(apiV1, pipeline, guard)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newLogger builds the process logger. Production emits JSON; development
// gets the console writer.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// signingKeys maps the configured token secrets onto key uses. A secondary
// secret, when present, stays valid for verification so keys can rotate
// without forcing every session to re-authenticate at the cutover.
func signingKeys(cfg *config.Config) map[secrets.KeyUse]secrets.Keys {
	pair := func(primary, secondary string) secrets.Keys {
		k := secrets.Keys{Primary: []byte(primary)}
		if secondary != "" {
			k.Secondary = []byte(secondary)
		}
		return k
	}
	return map[secrets.KeyUse]secrets.Keys{
		secrets.UseAccess:  pair(cfg.AccessTokenSecret, cfg.AccessTokenFallback),
		secrets.UseRefresh: pair(cfg.RefreshTokenSecret, cfg.RefreshTokenFallback),
		secrets.UseMedical: pair(cfg.MedicalTokenSecret, cfg.MedicalTokenFallback),
		secrets.UseReset:   pair(cfg.ResetTokenSecret, cfg.ResetTokenFallback),
	}
}
