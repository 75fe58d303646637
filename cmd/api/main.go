package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/agent"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/billing"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/config"
	"github.com/wilson1442/vpn-platform-sub001/internal/database"
	"github.com/wilson1442/vpn-platform-sub001/internal/fleet"
	"github.com/wilson1442/vpn-platform-sub001/internal/handlers"
	"github.com/wilson1442/vpn-platform-sub001/internal/ledger"
	"github.com/wilson1442/vpn-platform-sub001/internal/logger"
	"github.com/wilson1442/vpn-platform-sub001/internal/metrics"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/sessions"
	"github.com/wilson1442/vpn-platform-sub001/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:           "vpnpanel-api",
	Short:         "VPN control plane API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer log.Sync()
		defer database.Close()
		log.Info("migrations applied")
		return nil
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
	// No subcommand means serve, so the container entrypoint stays a bare binary.
	rootCmd.RunE = serveCmd.RunE
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration, connects storage and migrates the schema.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	if err := database.Connect(cfg, log); err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(database.DB); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return cfg, log, nil
}

func serve() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer database.Close()

	db := database.DB
	clk := clock.Real{}

	secret, err := database.EnsureJWTSecret(db, cfg.JWTSecret, !cfg.JWTSecretGenerated, log)
	if err != nil {
		return err
	}
	if err := seedAdminUser(db, cfg.AdminPassword, log); err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	// Ledger locks span replicas only when Redis is reachable.
	var locker ledger.Locker = ledger.NewLocalLocker()
	if database.Redis != nil {
		locker = ledger.NewRedisLocker(database.Redis)
	}
	ledgerSvc := ledger.NewService(db, locker, clk, log, m)
	billingSvc := billing.NewService(db, ledgerSvc, clk, log)

	dispatcher, closeDispatcher, err := agent.New(cfg, log)
	if err != nil {
		return err
	}
	defer closeDispatcher()
	dispatch := agent.NewAsync(dispatcher, cfg.AgentTimeout, log, m)

	recorder := audit.NewRecorder(db, clk, log, m, audit.Options{
		QueueSize:  cfg.AuditQueueSize,
		MaxRetries: cfg.AuditMaxRetries,
	})
	if cfg.ArchiveEnabled() {
		recorder.WithArchiver(audit.NewFTPArchiver(audit.FTPConfig{
			Host:     cfg.ArchiveFTPHost,
			Port:     cfg.ArchiveFTPPort,
			Username: cfg.ArchiveFTPUser,
			Password: cfg.ArchiveFTPPassword,
			Path:     cfg.ArchiveFTPPath,
		}))
	}
	recorder.Start()

	agg := telemetry.NewAggregator(clk, cfg.NodeHistorySize, cfg.BandwidthHistorySize, cfg.BandwidthBucket)
	nodes := fleet.NewRegistry(fleet.RegistryParams{
		DB:         db,
		Clock:      clk,
		Aggregator: agg,
		Dispatch:   dispatch,
		Logger:     log,
		Metrics:    m,
	})

	tracker := sessions.NewTracker(sessions.TrackerParams{
		DB:       db,
		Clock:    clk,
		Nodes:    nodes,
		Dispatch: dispatch,
		Auditor:  recorder,
		Logger:   log,
		Metrics:  m,
	})
	if err := tracker.Rebuild(context.Background()); err != nil {
		return fmt.Errorf("rebuild session index: %w", err)
	}

	var snapshotCache telemetry.SnapshotCache
	if database.Redis != nil {
		snapshotCache = database.NewCache(database.Redis)
	}
	dashboard := telemetry.NewDashboard(telemetry.DashboardParams{
		Aggregator: agg,
		Nodes:      nodes,
		Users:      tracker,
		Host:       telemetry.NewHostSampler(),
		Cache:      snapshotCache,
		CacheTTL:   database.CacheTTLDashboard,
		Clock:      clk,
		Logger:     log,
	})

	app := fiber.New(fiber.Config{
		AppName:      "VPN Panel API v1.0",
		ServerHeader: "VPNPanel",
		BodyLimit:    4 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger(log))
	app.Use(middleware.CORS())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	handlers.Register(app, handlers.Deps{
		DB:           db,
		Tokens:       middleware.NewTokenIssuer(secret, time.Duration(cfg.JWTExpireHours)*time.Hour, nil),
		Blacklist:    database.NewTokenBlacklist(database.Redis, clk, log),
		Ledger:       ledgerSvc,
		Billing:      billingSvc,
		Registry:     nodes,
		Aggregator:   agg,
		Dashboard:    dashboard,
		Tracker:      tracker,
		Entitlements: sessions.NewEntitlements(db, clk, tracker, log),
		Audit:        recorder,
		Clock:        clk,
		Logger:       log,
		RateLimit:    cfg.RateLimit,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Info("starting api server", zap.String("addr", addr), zap.String("agent_transport", cfg.AgentTransport))
	err = app.Listen(addr)

	// In-flight kicks and CRL pushes finish before the audit queue drains.
	dispatch.Wait()
	recorder.Stop()
	return err
}

func seedAdminUser(db *gorm.DB, password string, log *zap.Logger) error {
	var count int64
	if err := db.Model(&models.User{}).Where("role = ?", models.UserRoleAdmin).Count(&count).Error; err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return nil
	}

	generated := password == ""
	if generated {
		b := make([]byte, 12)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate admin password: %w", err)
		}
		password = hex.EncodeToString(b)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	admin := models.User{
		Username: "admin",
		Password: string(hashed),
		Email:    "admin@vpnpanel.local",
		Role:     models.UserRoleAdmin,
		IsActive: true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	if generated {
		log.Warn("admin user created with generated password; set ADMIN_PASSWORD to choose one",
			zap.String("username", admin.Username), zap.String("password", password))
	} else {
		log.Info("admin user created", zap.String("username", admin.Username))
	}
	return nil
}
