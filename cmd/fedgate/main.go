package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fedgate/fedgate/internal/audit"
	"github.com/fedgate/fedgate/internal/authstate"
	asmemory "github.com/fedgate/fedgate/internal/authstate/memory"
	aspg "github.com/fedgate/fedgate/internal/authstate/pg"
	asredis "github.com/fedgate/fedgate/internal/authstate/redis"
	"github.com/fedgate/fedgate/internal/config"
	"github.com/fedgate/fedgate/internal/flow"
	"github.com/fedgate/fedgate/internal/httpapi"
	"github.com/fedgate/fedgate/internal/identity"
	idpg "github.com/fedgate/fedgate/internal/identity/pg"
	"github.com/fedgate/fedgate/internal/observability/logger"
	"github.com/fedgate/fedgate/internal/provider"
	"github.com/fedgate/fedgate/internal/security/secretbox"
	"github.com/fedgate/fedgate/migrations/postgres"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string

	root := &cobra.Command{
		Use:   "fedgate",
		Short: "Federated login relying-party service",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", envOr("FEDGATE_CONFIG", "configs/config.example.yaml"), "path to config file")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(migrateCmd(&cfgPath))
	root.AddCommand(sweepCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "fedgate"})
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, cleanup, err := buildFlow(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           httpapi.New(httpapi.Deps{Flow: svc}),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go sweepLoop(ctx, svc, cfg.Auth.SweepInterval)

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			logger.L().Info("listening", logger.String("addr", cfg.Server.Addr))

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Storage.DSN == "" {
				return errors.New("migrate requires storage.dsn")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.Run(ctx, pool)
		},
	}
}

func sweepCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one auth state cleanup pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "fedgate"})
			svc, cleanup, err := buildFlow(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			n, err := svc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d records\n", n)
			return nil
		},
	}
}

// buildFlow assembles the flow service from config: auth state backend,
// identity stores, resolver and provider directory.
func buildFlow(ctx context.Context, cfg *config.Config) (*flow.Service, func(), error) {
	cleanup := func() {}

	var (
		states authstate.Store
		links  identity.LinkedIdentities
		users  identity.Users
	)

	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Storage.DSN == "" {
			return nil, cleanup, errors.New("storage.driver=postgres requires storage.dsn")
		}
		pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = pool.Close
		states = aspg.New(pool)
		links = idpg.NewLinks(pool)
		users = idpg.NewUsers(pool)
	case "redis":
		client := rdb.NewClient(&rdb.Options{Addr: cfg.Storage.Redis.Addr, DB: cfg.Storage.Redis.DB})
		cleanup = func() { _ = client.Close() }
		states = asredis.New(client)
		if cfg.Storage.DSN != "" {
			pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
			if err != nil {
				return nil, cleanup, err
			}
			prev := cleanup
			cleanup = func() { pool.Close(); prev() }
			links = idpg.NewLinks(pool)
			users = idpg.NewUsers(pool)
		}
	case "memory":
		states = asmemory.New()
	default:
		return nil, cleanup, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if links == nil || users == nil {
		// Dev mode without a database: resolution cannot persist anything.
		logger.L().Warn("no identity store configured; login resolution will fail beyond validation")
	}

	var cipher identity.Cipher
	if key := cfg.MasterKey(); key != "" {
		box, err := secretbox.New(key)
		if err != nil {
			return nil, cleanup, err
		}
		cipher = box
	}

	resolver := identity.New(identity.Deps{
		Links:               links,
		Users:               users,
		Audit:               audit.NewResolution(audit.NewLogSink()),
		Cipher:              cipher,
		AllowEmailStitching: cfg.Auth.AllowEmailStitching,
	})

	svc := flow.New(flow.Deps{
		Providers:  provider.NewStaticDirectory(cfg.Providers),
		States:     states,
		Resolver:   resolver,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		StateTTL:   cfg.Auth.StateTTL,
	})
	return svc, cleanup, nil
}

func sweepLoop(ctx context.Context, svc *flow.Service, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := svc.Sweep(ctx); err != nil {
				logger.L().Warn("sweep failed", logger.Err(err))
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
