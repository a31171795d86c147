package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/modelgate/modelgate/internal/api"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/channel"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/mfa"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/rbac"
	"github.com/modelgate/modelgate/internal/relay"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/token"
	"github.com/modelgate/modelgate/pkg/logger"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Env)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	kvStore, err := kv.NewRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	if err := kvStore.Ping(ctx); err != nil {
		return err
	}

	users := storage.NewPostgresUserStore(pool)
	tenants := storage.NewPostgresTenantStore(pool)
	roles := storage.NewPostgresRoleStore(pool)
	mfaStore := storage.NewPostgresMFAStore(pool)
	channels := storage.NewPostgresChannelStore(pool)

	vault, err := provider.NewVault(cfg.VaultKeyHex)
	if err != nil {
		return err
	}

	revoker := token.NewRevoker(kvStore)
	issuer, err := token.NewIssuer(cfg.TokenSigningKey, cfg.TokenAlgorithm,
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL, revoker)
	if err != nil {
		return err
	}

	resolver := rbac.NewResolver(roles)
	engine := mfa.NewEngine(mfaStore, users, kvStore, devCarrier("sms"), devCarrier("email"), cfg.MFAIssuer)
	authService := auth.NewService(
		users,
		tenants,
		resolver,
		issuer,
		auth.NewSessionRegistry(kvStore),
		auth.NewBcryptHasher(),
		auth.NewFailureTracker(kvStore, cfg.LoginFailureThreshold, cfg.LoginFailureWindow, cfg.LockoutDuration),
		engine,
	)

	registry := provider.NewRegistry(&http.Client{Timeout: cfg.ProbeTimeout})
	manager := channel.NewManager(channels, vault, kvStore)
	if err := manager.Hydrate(ctx); err != nil {
		return err
	}
	go channel.NewHealthLoop(manager, registry, cfg.HealthCheckInterval, cfg.ProbeTimeout).Run(ctx)

	proxy := relay.NewProxy(manager, registry, nil, cfg.RelayMaxRetries)

	router := api.NewRouter(api.Deps{
		Auth:     api.NewAuthHandler(authService, users, resolver),
		MFA:      api.NewMFAHandler(engine, users),
		Roles:    api.NewRoleHandler(resolver),
		Channels: api.NewChannelHandler(manager, registry),
		Provider: api.NewProviderHandler(registry),
		Proxy:    proxy,
		Issuer:   issuer,
		Tenants:  tenants,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "port", cfg.Port, "env", cfg.Env)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// devCarrier logs delivery instead of sending. Production deployments
// swap in real SMS/email providers here.
func devCarrier(kind string) mfa.CarrierFunc {
	return func(ctx context.Context, contact, code string) error {
		slog.Info("mfa code issued", "carrier", kind, "contact", contact)
		return nil
	}
}
