package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opendonate/quickbooks-gateway/internal/config"
	"github.com/opendonate/quickbooks-gateway/internal/domain/credential"
	"github.com/opendonate/quickbooks-gateway/internal/infrastructure/observability"
	"github.com/opendonate/quickbooks-gateway/internal/oauth"
	"github.com/opendonate/quickbooks-gateway/internal/quickbooks"
	infraPostgres "github.com/opendonate/quickbooks-gateway/internal/repository/postgres"
	infraRedis "github.com/opendonate/quickbooks-gateway/internal/repository/redis"
	"github.com/opendonate/quickbooks-gateway/internal/service"
)

// App holds the shared infrastructure every binary needs: config, logging,
// tracing, metrics, Redis, and (when the postgres credential store is
// selected) a database pool.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("service", serviceName).Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Store.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	var pool *pgxpool.Pool
	if cfg.Store.Driver == "postgres" {
		pool, err = infraPostgres.NewPool(ctx, &cfg.Store.Database)
		if err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("Connected to PostgreSQL")
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	}, nil
}

func (a *App) Close() {
	a.Redis.Close()
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// CredentialStore selects the configured credential store backend.
func (a *App) CredentialStore() credential.Store {
	if a.Config.Store.Driver == "postgres" {
		return infraPostgres.NewCredentialStore(a.Pool)
	}
	return infraRedis.NewCredentialStore(a.Redis)
}

// BuildGateway wires the full gateway service graph: credential store,
// token manager with the distributed refresh lock, provider client, and
// connect flow. Both the API and the refresher share this construction.
func (a *App) BuildGateway(ctx context.Context) (*service.GatewayService, error) {
	cfg := a.Config
	store := a.CredentialStore()

	if err := seedClientKeys(ctx, store, &cfg.QuickBooks); err != nil {
		return nil, fmt.Errorf("seed client keys: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.QuickBooks.RequestTimeout}

	manager := oauth.NewManager(
		store,
		cfg.QuickBooks.TokenURL,
		cfg.QuickBooks.TokenSafetyMargin,
		a.Logger,
		oauth.WithHTTPClient(httpClient),
		oauth.WithMetrics(a.Metrics),
		oauth.WithRefreshLock(infraRedis.NewRefreshLockFactory(a.Redis, cfg.Refresher.LockTTL)),
	)

	flow := oauth.NewFlow(store, infraRedis.NewStateStore(a.Redis), manager, oauth.FlowConfig{
		AuthorizeURL: cfg.QuickBooks.AuthorizeURL,
		Scope:        cfg.QuickBooks.Scope,
		RedirectURI:  cfg.QuickBooks.RedirectURI,
		StateTTL:     cfg.QuickBooks.StateTTL,
	}, a.Logger)

	client := quickbooks.NewClient(quickbooks.Config{
		BaseURL:        cfg.QuickBooks.BaseURL(),
		CollectBilling: cfg.QuickBooks.CollectBilling,
		RequestTimeout: cfg.QuickBooks.RequestTimeout,
	}, manager, a.Logger, quickbooks.WithClientMetrics(a.Metrics))

	return service.NewGatewayService(store, flow, manager, client, a.Logger, a.Metrics), nil
}

// seedClientKeys copies the configured app keys into the stored credential.
// Rotating the keys in config invalidates the old connection on purpose:
// tokens minted under the previous keys cannot be refreshed anyway.
func seedClientKeys(ctx context.Context, store credential.Store, qb *config.QuickBooksConfig) error {
	if qb.ClientID == "" {
		return nil
	}

	cred, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if cred.ClientID == qb.ClientID && cred.ClientSecret == qb.ClientSecret {
		return nil
	}

	if cred.ClientID != "" && cred.ClientID != qb.ClientID {
		cred = &credential.Credential{}
	}
	cred.ClientID = qb.ClientID
	cred.ClientSecret = qb.ClientSecret
	return store.Save(ctx, cred)
}
