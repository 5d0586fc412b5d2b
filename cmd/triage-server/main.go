package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/blobstore"
	"github.com/ehr/triage/internal/platform/cache"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/internal/platform/hipaa"
	"github.com/ehr/triage/internal/platform/llm"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/internal/platform/notification"
	"github.com/ehr/triage/internal/platform/telemetry"
	"github.com/ehr/triage/internal/platform/websocket"
	"github.com/ehr/triage/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "triage-server",
		Short:        "Emergency department triage API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(classifyCmd(os.Stdout))
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg.Env))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// classifyCmd runs one request through the pipeline and prints the record.
// Nothing is persisted.
func classifyCmd(out io.Writer) *cobra.Command {
	var (
		complaint, description, history string
		heartRate, oxygen               int
		rulesOnly                       bool
	)
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a complaint from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

			req := triage.TriageRequest{
				PatientID:      uuid.New(),
				ChiefComplaint: complaint,
				Description:    description,
				History:        history,
			}
			if heartRate > 0 || oxygen > 0 {
				req.Vitals = &triage.VitalSigns{}
				if heartRate > 0 {
					req.Vitals.HeartRate = &heartRate
				}
				if oxygen > 0 {
					req.Vitals.OxygenSaturation = &oxygen
				}
			}

			var svc *triage.Service
			if rulesOnly {
				svc = triage.NewService(triage.Deps{Logger: logger}, triage.Options{})
			} else {
				p, err := buildPipeline(cfg, logger, nil)
				if err != nil {
					return err
				}
				svc = triage.NewService(triage.Deps{
					Adapter:  p.adapter,
					Verifier: p.verifier,
					Hasher:   p.hasher,
					Logger:   logger,
				}, triage.Options{})
			}

			rec, err := svc.Process(cmd.Context(), req, nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
	cmd.Flags().StringVar(&complaint, "complaint", "", "chief complaint")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.Flags().StringVar(&history, "history", "", "relevant history")
	cmd.Flags().IntVar(&heartRate, "heart-rate", 0, "heart rate (bpm)")
	cmd.Flags().IntVar(&oxygen, "spo2", 0, "oxygen saturation (%)")
	cmd.Flags().BoolVar(&rulesOnly, "rules-only", false, "skip remote classifiers")
	return cmd
}

// pipeline holds the classification side of the service, shared by serve
// and classify.
type pipeline struct {
	adapter  *triage.Adapter
	verifier *triage.Verifier
	hasher   *hipaa.Pseudonymizer
}

func buildPipeline(cfg *config.Config, logger zerolog.Logger, escalators []triage.Escalator) (*pipeline, error) {
	primary, err := llm.New(cfg.PrimaryProvider())
	if err != nil {
		return nil, fmt.Errorf("primary classifier: %w", err)
	}
	secondary, err := llm.New(cfg.SecondaryProvider())
	if err != nil {
		return nil, fmt.Errorf("secondary classifier: %w", err)
	}
	policy, err := triage.ParseEscalationPolicy(cfg.VerifyEscalation)
	if err != nil {
		return nil, err
	}

	ac := cfg.AdapterConfig()
	p := &pipeline{
		adapter: triage.NewAdapter(primary, triage.NewRuleEngine(nil), ac, logger),
		hasher:  hipaa.NewPseudonymizer(cfg.AuditHashKey),
	}
	p.verifier = triage.NewVerifier(secondary, ac, policy, logger, escalators...)
	return p, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	redisCache, err := cache.New(ctx, cfg.RedisURL, "triage")
	if err != nil {
		return err
	}
	defer redisCache.Close()
	if !redisCache.Enabled() {
		logger.Warn().Msg("REDIS_URL not set; roster cache disabled")
	}

	phi, err := hipaa.NewPHIEncryptorFromHex(cfg.HIPAAEncryptionKey, logger)
	if err != nil {
		return err
	}

	metrics := telemetry.New()
	hub := websocket.NewHub(logger)

	escalators := []triage.Escalator{triage.NewDashboardEscalator(hub)}
	var reporter triage.ErrorReporter
	if cfg.SlackBotToken != "" {
		slack, err := notification.NewSlackSender(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
		if err != nil {
			return err
		}
		escalators = append(escalators, triage.NewChannelEscalator(slack))
		reporter = slack
	}

	p, err := buildPipeline(cfg, logger, escalators)
	if err != nil {
		return err
	}

	var sinks triage.MultiSink
	var archive *triage.BlobAuditSink
	if cfg.HasAuditSink("postgres") {
		sinks = append(sinks, triage.NewAuditSinkPG(pool))
	}
	if cfg.HasAuditSink("blob") {
		store, err := blobstore.NewDirStore(cfg.AuditBlobDir)
		if err != nil {
			return err
		}
		archive = triage.NewBlobAuditSink(store)
		sinks = append(sinks, archive)
	}

	mode, err := triage.ParseVerifyMode(cfg.VerifyMode)
	if err != nil {
		return err
	}

	roster := triage.NewCachedRoster(triage.NewRosterPG(pool), redisCache, cfg.RosterCacheTTL, logger)
	svc := triage.NewService(triage.Deps{
		Adapter:  p.adapter,
		Verifier: p.verifier,
		Audit:    sinks,
		Reporter: reporter,
		Metrics:  metrics,
		Hasher:   p.hasher,
		Notifier: hub,
		Repo:     triage.NewTriageRepoPG(pool, phi),
		Patients: triage.NewPatientLookupPG(pool),
		Roster:   roster,
		Tx:       db.NewTxRunner(pool),
		Logger:   logger,
	}, triage.Options{
		VerifyMode:   mode,
		AsyncTimeout: cfg.AsyncTimeout,
		AuditTimeout: cfg.AuditTimeout,
	})

	e := newEcho(cfg, logger, metrics, serverHooks{
		access: accessRecorder(hipaa.NewAccessLogger(pool)),
		panics: reporter,
	})

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	ready := map[string]db.Pinger{"postgres": pool}
	if redisCache.Enabled() {
		ready["redis"] = redisCache
	}
	e.GET("/ready", db.ReadinessHandler(ready))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/v1")
	api.GET("/admin/db-pool", db.PoolStatsHandler(pool), auth.RequireRole(auth.RoleAdmin))

	var history triage.AuditHistory
	if archive != nil {
		history = archive
	}
	limiter := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})
	triage.NewHandler(svc, history, limiter).RegisterRoutes(api)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("verify_mode", string(mode)).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.AsyncTimeout+5*time.Second)
	defer cancelDrain()
	if err := svc.Drain(drainCtx); err != nil {
		logger.Error().Err(err).Msg("pending verifications did not finish")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho installs the global middleware chain.
// serverHooks are the optional sinks of the middleware chain.
type serverHooks struct {
	access middleware.AccessRecorder
	panics middleware.PanicReporter
}

func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, hooks serverHooks) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	countPanics := middleware.PanicReporterFunc(func(_ context.Context, _ error, fields map[string]string) {
		metrics.PanicRecovered(fields["route"])
	})
	e.Use(middleware.Recovery(logger, countPanics, hooks.panics))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.Middleware())
	e.Use(echomw.BodyLimit("256K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth: unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.AccessAudit(middleware.AccessAuditConfig{
		Logger:   logger,
		Recorder: hooks.access,
		Timeout:  cfg.AuditTimeout,
	}))
	return e
}

// accessRecorder stores access audit entries in phi_access_log.
func accessRecorder(l *hipaa.AccessLogger) middleware.AccessRecorder {
	return middleware.AccessRecorderFunc(func(ctx context.Context, e middleware.AccessEntry) error {
		row := &hipaa.PHIAccessLog{
			AccessedBy:     e.UserID,
			AccessedByRole: strings.Join(e.UserRoles, ","),
			ResourceType:   e.ResourceType,
			ResourceID:     e.ResourceID,
			Action:         e.Action,
			StatusCode:     e.StatusCode,
			IsBreakGlass:   e.IsBreakGlass,
			BreakGlassRsn:  e.BreakGlassReason,
			IPAddress:      e.IPAddress,
			UserAgent:      e.UserAgent,
			RequestID:      e.RequestID,
			AccessedAt:     e.Timestamp,
		}
		if pid, err := uuid.Parse(e.PatientID); err == nil {
			row.PatientID = &pid
		}
		return l.LogPHIAccess(ctx, row)
	})
}
