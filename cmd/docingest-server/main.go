package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/docingest/internal/config"
	"github.com/ehr/docingest/internal/domain/ingest"
	"github.com/ehr/docingest/internal/platform/archive"
	"github.com/ehr/docingest/internal/platform/auth"
	"github.com/ehr/docingest/internal/platform/blobstore"
	"github.com/ehr/docingest/internal/platform/db"
	"github.com/ehr/docingest/internal/platform/metrics"
	"github.com/ehr/docingest/internal/platform/middleware"
	"github.com/ehr/docingest/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "docingest-server",
		Short: "Patient document ingestion API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(lockCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the document ingestion server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads configuration and connects, for the one-shot operator commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: 10 * time.Second,
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(out io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// lockCmd exposes the processing locks to operators. A lock left behind by a
// crashed server expires on its own after LOCK_TTL; release frees it sooner.
func lockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and release folder processing locks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status [patient folder]",
		Short: "List live processing locks, or show the lock on one folder",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <patient> <folder>, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			var locks []*ingest.Lock
			if len(args) == 2 {
				l, err := ingest.NewLockStorePG(pool).Probe(ctx, ingest.LockCategory, ingest.LockKey(args[0], args[1]))
				if err != nil {
					return err
				}
				if l != nil {
					locks = append(locks, l)
				}
			} else {
				locks, err = ingest.ListLocks(ctx, pool, ingest.LockCategory)
				if err != nil {
					return err
				}
			}
			printLocks(cmd.OutOrStdout(), locks, time.Now())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <patient> <folder> <instance-id>",
		Short: "Release a processing lock held by the given instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			key := ingest.LockKey(args[0], args[1])
			if err := ingest.NewLockStorePG(pool).Release(ctx, ingest.LockCategory, key, args[2]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released %s (instance %s) if it was held.\n", key, args[2])
			return nil
		},
	})

	return cmd
}

func printLocks(out io.Writer, locks []*ingest.Lock, now time.Time) {
	if len(locks) == 0 {
		fmt.Fprintln(out, "No live processing locks.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tUSER\tMACHINE\tINSTANCE\tACQUIRED\tEXPIRES IN")
	for _, l := range locks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.Key, l.OwnerUser, l.OwnerHost, l.InstanceID,
			humanize.RelTime(l.CreatedAt, now, "ago", "from now"),
			l.Remaining(now).Round(time.Second))
	}
	tw.Flush()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func blobOptions(cfg *config.Config) blobstore.Options {
	return blobstore.Options{
		Provider:      cfg.BlobProvider,
		Account:       cfg.BlobAccount,
		Container:     cfg.BlobContainer,
		AzureKey:      cfg.AzureStorageKey,
		AzureEndpoint: cfg.AzureStorageEndpoint,
		S3Region:      cfg.S3Region,
		S3Endpoint:    cfg.S3Endpoint,
		S3AccessKey:   cfg.S3AccessKey,
		S3SecretKey:   cfg.S3SecretKey,
		S3UseSSL:      cfg.S3UseSSL,
	}
}

// uploadBodyLimit allows a full batch of maximum-size attachments plus room
// for the multipart framing and metadata field.
func uploadBodyLimit(maxFileSize int64) string {
	return strconv.FormatInt(maxFileSize*ingest.MaxAttachments+(1<<20), 10)
}

// contentStores builds the write backend selected by BLOB_STORAGE_ENABLED
// and the readers used to serve content. The archive reader is always
// available; the cloud one only when it is configured.
func contentStores(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (ingest.ContentStore, []ingest.ContentStore, error) {
	archiveStore := ingest.NewArchiveStore(archive.NewPGArchive(pool, cfg.ArchiveCategory))
	readers := []ingest.ContentStore{archiveStore}

	var cloudStore *ingest.CloudStore
	if cfg.BlobStorageEnabled {
		client, err := blobstore.NewClient(ctx, blobOptions(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("blob storage: %w", err)
		}
		cloudStore = ingest.NewCloudStore(client, cfg.BlobAccountID(), cfg.BlobContainer)
		readers = append(readers, cloudStore)
		logger.Info().
			Str("provider", client.Provider()).
			Str("container", cfg.BlobContainer).
			Msg("documents are written to cloud blob storage")
	} else {
		logger.Info().Str("category", cfg.ArchiveCategory).Msg("documents are written to the local archive")
	}

	store, err := ingest.SelectContentStore(cfg.BlobStorageEnabled, cloudStore, archiveStore)
	if err != nil {
		return nil, nil, err
	}
	return store, readers, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Storage
	store, readers, err := contentStores(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure document storage")
	}

	// Ingestion
	locks := ingest.NewCoordinator(ingest.NewLockStorePG(pool), ingest.CoordinatorConfig{
		Machine:      cfg.MachineName,
		PollInterval: cfg.LockPollInterval,
		MaxWaits:     cfg.LockMaxWaits,
		TTL:          cfg.LockTTL,
	}, logger)
	svc := ingest.NewService(ingest.Deps{
		Locks:       locks,
		Store:       store,
		Readers:     readers,
		Documents:   ingest.NewDocumentRepoPG(pool),
		Reviews:     ingest.NewReviewRepoPG(pool),
		Tx:          pool,
		MaxFileSize: cfg.MaxFileSize,
		Logger:      logger,
	})
	logger.Info().
		Str("machine", cfg.MachineName).
		Dur("poll_interval", cfg.LockPollInterval).
		Int("max_waits", cfg.LockMaxWaits).
		Str("max_file_size", humanize.IBytes(uint64(cfg.MaxFileSize))).
		Msg("ingestion configured")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if cfg.MetricsEnabled {
		e.Use(metrics.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader},
	}))
	e.Use(middleware.BodyLimit("1MB", uploadBodyLimit(cfg.MaxFileSize)))

	// Health and metrics stay outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	ingest.NewHandler(svc, cfg.MaxFileSize).RegisterRoutes(apiV1)

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

	// In-flight uploads get a grace period to finish and release their locks.
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
