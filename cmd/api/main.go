package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/httpapi"
	"tenantgate.org/internal/migrate"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/store/memory"
	"tenantgate.org/internal/store/pg"
	"tenantgate.org/internal/store/sqlite"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backend interface {
	auth.Store
	Close() error
}

type memoryBackend struct{ *memory.Store }

func (memoryBackend) Close() error { return nil }

func main() {
	configPath := flag.String("config", os.Getenv("TENANTGATE_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.NewLogger(cfg.Logging, version)
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Database.Driver)

	if err := run(cfg, logger); err != nil {
		logger.Error("tenantgate stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	grants, err := st.Permissions(ctx).Grants(ctx)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}
	graph := auth.NewPermissionGraph(grants)

	codec, err := auth.NewCodec(codecConfig(cfg.Auth))
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	policy := auth.ReplayPolicy(cfg.Auth.ReplayPolicy)
	if policy == "" {
		policy = auth.ReplayReject
	}
	svc, err := auth.NewService(st, codec, graph,
		auth.WithLogger(logger),
		auth.WithPasswordHasher(auth.NewPasswordHasher(cfg.Auth.BcryptCost, cfg.Auth.HashConcurrency)),
		auth.WithRevokeOnLogin(cfg.Auth.RevokeOnLogin),
		auth.WithReplayPolicy(policy),
	)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}
	accounts, err := auth.NewAccounts(st, svc,
		auth.WithUniqueEmails(cfg.Auth.UniqueEmails),
		auth.WithAccountsLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}

	probe := httpapi.ReadyProbe{Store: st}
	api := httpapi.New(svc, accounts, httpapi.Options{
		Version:       version,
		Logger:        logger,
		Ready:         probe,
		Grants:        st.Permissions(ctx),
		RateBurst:     cfg.RateLimit.Burst,
		RatePerSecond: cfg.RateLimit.PerSecond,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, httpapi.NewHealthServer(probe))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "store", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := migrateUp(ctx, cfg.Database.DSN, logger); err != nil {
				return nil, err
			}
		}
		st, err := pg.Open(cfg.Database.DSN, pg.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return memoryBackend{memory.New()}, nil
	}
}

// migrateUp applies schema migrations and builtin seeds on a dedicated
// connection; the manager closes it when done.
func migrateUp(ctx context.Context, dsn string, logger *slog.Logger) (err error) {
	m, err := migrate.Open(dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() {
		err = errors.Join(err, m.Close())
	}()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if err := m.Seed(ctx); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	v, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	logger.Info("schema ready", "version", v, "dirty", dirty)
	return nil
}

func codecConfig(a config.AuthConfig) auth.CodecConfig {
	keys := make([]auth.SigningKey, 0, len(a.Keys))
	for _, k := range a.Keys {
		keys = append(keys, auth.SigningKey{
			ID:            k.ID,
			Algorithm:     k.Algorithm,
			Secret:        []byte(k.Secret),
			PrivateKeyPEM: k.PrivateKeyPEM,
			PublicKeyPEM:  k.PublicKeyPEM,
		})
	}
	return auth.CodecConfig{
		Issuer:     a.Issuer,
		Keys:       keys,
		AccessTTL:  a.AccessTTL,
		RefreshTTL: a.RefreshTTL,
		Leeway:     a.Leeway,
	}
}
