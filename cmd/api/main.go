// Package main is the entry point for the formgate versioning API.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"formgate/api/internal/app"
	"formgate/api/internal/archive"
	"formgate/api/internal/auth"
	"formgate/api/internal/cache"
	"formgate/api/internal/config"
	"formgate/api/internal/logging"
	"formgate/api/internal/mirror"
	"formgate/api/internal/policy"
	"formgate/api/internal/search"
	"formgate/api/internal/store"
	"formgate/api/internal/versioning"
)

// Version information (set at build time)
var version = "dev"

type backend interface {
	versioning.Store
	search.VersionLookup
	search.VersionSource
	Ping(ctx context.Context) error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "formgate-api",
		Short:         "Entity versioning and approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	serveCmd := newServeCmd()
	// Running the binary without a subcommand serves the API.
	cmd.RunE = serveCmd.RunE
	cmd.AddCommand(serveCmd, newMigrateCmd(), newReindexCmd(), newHashTokenCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, closeDB, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return closeDB()
		},
	}
}

func newReindexCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch version index from the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return errors.New("MEILI_URL is not configured")
			}
			meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
			defer meiliClient.Close()
			if !meiliClient.Healthy() {
				return fmt.Errorf("meilisearch at %s is not reachable", cfg.MeiliURL)
			}

			data, closeDB, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			total, err := search.Reindex(cmd.Context(), meiliClient, data, batchSize)
			if err != nil {
				return fmt.Errorf("reindex after %d versions: %w", total, err)
			}
			logging.Component("main").Info().Int("versions", total).Msg("search index rebuilt")
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "versions per index request")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash to use as SERVICE_TOKEN_HASH",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token from stdin: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			hash, err := auth.HashServiceToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, nil
}

func openBackend(ctx context.Context, cfg config.Config) (backend, func() error, error) {
	logger := logging.Component("main")

	var db *sql.DB
	var err error
	switch cfg.StoreDriver {
	case "sqlite":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err = store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlite := store.NewSQLiteStore(db)
		if err := sqlite.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlite schema: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
		return sqlite, db.Close, nil
	default:
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info().Strs("applied", applied).Msg("using postgres store")
		return store.NewPostgresStore(db), db.Close, nil
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.Component("main")
	logger.Info().Str("version", version).Msg("formgate api starting")

	data, closeDB, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	rules, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(cfg.ServiceTokenHash)
	if err != nil {
		return err
	}
	if verifier.Enabled() {
		logger.Info().Str("token_hash", auth.Fingerprint(cfg.ServiceTokenHash)).Msg("service token required")
	}

	engine := versioning.New(data, versioning.WithSelfReviewPolicy(rules.ForbidsSelfReview))

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewStoreSearcher(data))
	defer searchService.Close()
	opts := []app.Option{
		app.WithSearch(searchService),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.PublishedCacheTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisCache.Close()
		opts = append(opts, app.WithCache(redisCache))
		logger.Info().Dur("ttl", cfg.PublishedCacheTTL).Msg("published version cache enabled")
	}

	if strings.TrimSpace(cfg.MirrorDir) != "" {
		if err := os.MkdirAll(cfg.MirrorDir, 0o755); err != nil {
			return fmt.Errorf("create mirror dir: %w", err)
		}
		opts = append(opts, app.WithMirror(mirror.New(cfg.MirrorDir)))
		logger.Info().Str("dir", cfg.MirrorDir).Msg("publication mirror enabled")
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		snapshots, err := archive.New(archive.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := snapshots.EnsureBucket(bucketCtx); err != nil {
			logger.Warn().Err(err).Str("bucket", snapshots.Bucket()).Msg("snapshot archive bucket unavailable")
		}
		cancel()
		opts = append(opts, app.WithArchive(snapshots))
		logger.Info().Str("bucket", snapshots.Bucket()).Msg("snapshot archive enabled")
	}

	service := app.NewService(engine, data, rules, opts...)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, verifier)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
