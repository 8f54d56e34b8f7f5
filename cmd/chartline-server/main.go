package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chartline/chartline/internal/config"
	"github.com/chartline/chartline/internal/domain/account"
	"github.com/chartline/chartline/internal/domain/media"
	"github.com/chartline/chartline/internal/domain/nurse"
	"github.com/chartline/chartline/internal/domain/patient"
	"github.com/chartline/chartline/internal/domain/unit"
	"github.com/chartline/chartline/internal/platform/auth"
	"github.com/chartline/chartline/internal/platform/blobstore"
	"github.com/chartline/chartline/internal/platform/crypto"
	"github.com/chartline/chartline/internal/platform/db"
	"github.com/chartline/chartline/internal/platform/middleware"
	"github.com/chartline/chartline/internal/platform/notification"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chartline-server",
		Short: "Chartline clinical records API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, dir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(createCmd)
	return cmd
}

// nurseDirectory adapts the nurse service to the lookup interface the
// patient package declares, keeping the two packages decoupled.
type nurseDirectory struct {
	nurses *nurse.Service
}

func (d *nurseDirectory) Get(ctx context.Context, nurseID uuid.UUID) (patient.NurseRef, error) {
	n, err := d.nurses.Get(ctx, nurseID)
	if err != nil {
		return patient.NurseRef{}, err
	}
	return patient.NurseRef{ID: n.ID, AccountID: n.AccountID, DisplayName: n.DisplayName()}, nil
}

func (d *nurseDirectory) ByAccountID(ctx context.Context, accountID uuid.UUID) (patient.NurseRef, error) {
	n, err := d.nurses.GetByAccountID(ctx, accountID)
	if err != nil {
		return patient.NurseRef{}, err
	}
	return patient.NurseRef{ID: n.ID, AccountID: n.AccountID, DisplayName: n.DisplayName()}, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid encryption key")
	}
	cipher, err := crypto.NewFieldCipher(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize field cipher")
	}

	tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret))

	var sender notification.EmailSender
	if cfg.SMTPHost != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		})
	} else {
		logger.Warn().Msg("SMTP not configured, emails will not be delivered")
		sender = &notification.MockEmailSender{}
	}
	mailer := notification.NewMailer(sender, notification.NewTemplateEngine(), logger)

	var store blobstore.BlobStore
	if cfg.S3Bucket != "" {
		s3Store, err := blobstore.NewS3BlobStore(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize S3 blob store")
		}
		store = s3Store
	} else {
		logger.Warn().Msg("S3 not configured, uploads are held in memory")
		store = blobstore.NewInMemoryBlobStore()
	}

	// Domain services
	accountSvc := account.NewService(
		account.NewRepoPG(pool),
		account.NewCodec(cipher, logger),
		auth.NewPasswordManager(),
		tokens,
		mailer,
		logger,
		cfg.FrontendURL,
	)
	nurseSvc := nurse.NewService(
		nurse.NewRepoPG(pool),
		nurse.NewCodec(cipher, logger),
		accountSvc,
		logger,
		cfg.OrgName,
	)
	patientSvc := patient.NewService(
		patient.NewRepoPG(pool),
		patient.NewCodec(cipher, logger),
		logger,
	)
	unitSvc := unit.NewService(unit.NewRepoPG(pool), logger)
	mediaSvc := media.NewService(store, logger)

	// Cross-package wiring, done here to keep the domain packages
	// free of cycles.
	accountSvc.SetProfileDeleter(nurseSvc)
	nurseSvc.SetAssignmentCounter(patientSvc)
	patientSvc.SetNurseDirectory(&nurseDirectory{nurses: nurseSvc})

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger, cfg.IsDev())

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M", "600M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	e.Use(middleware.Audit(logger))

	e.GET("/health", db.HealthHandler(pool))

	// The authorization table: every protected route and its allowed
	// roles in one place, enforced by a single guard.
	policy := auth.MergePolicy(
		account.RoutePolicy(),
		nurse.RoutePolicy(),
		patient.RoutePolicy(),
		unit.RoutePolicy(),
		media.RoutePolicy(),
	)

	// Authentication endpoints: registration and login are public,
	// everything else requires a session token.
	authPublic := e.Group("/api/auth")
	authPublic.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	authProtected := e.Group("/api/auth", auth.Authenticate(tokens), auth.Authorize(policy))
	account.NewHandler(accountSvc).RegisterRoutes(authPublic, authProtected)

	api := e.Group("/api", auth.Authenticate(tokens), auth.Authorize(policy))
	nurse.NewHandler(nurseSvc).RegisterRoutes(api)
	patient.NewHandler(patientSvc).RegisterRoutes(api)
	unit.NewHandler(unitSvc).RegisterRoutes(api)
	media.NewHandler(mediaSvc).RegisterRoutes(api)

	// Start and wait for shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	return nil
}
