package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/opendonate/quickbooks-gateway/internal/config"
	"github.com/opendonate/quickbooks-gateway/internal/infrastructure/observability"
	mw "github.com/opendonate/quickbooks-gateway/internal/middleware"
	infraRedis "github.com/opendonate/quickbooks-gateway/internal/repository/redis"
	"github.com/opendonate/quickbooks-gateway/internal/service"
)

type RouterDeps struct {
	Pool             *pgxpool.Pool
	RedisClient      *redis.Client
	GatewayService   *service.GatewayService
	IdempotencyStore *infraRedis.IdempotencyStore
	Metrics          *observability.Metrics
	ServerConfig     config.ServerConfig
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(mw.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.ServerConfig.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.ServerConfig.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(mw.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.RedisClient, deps.Pool)
	gatewayH := NewGatewayController(deps.GatewayService)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	admin := adminGuard(deps.ServerConfig.AdminJWTSecret)

	r.Route("/api/v1", func(r chi.Router) {
		idempotencyMW := mw.Idempotency(deps.IdempotencyStore)

		// The connect endpoints face the browser during the authorization
		// redirect dance, so they get their own rate limit.
		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimit(deps.ServerConfig.ConnectRateLimit))
			r.With(admin).Get("/connect", gatewayH.InitiateConnect)
			r.Get("/connect/callback", gatewayH.CompleteConnect)
		})

		r.With(admin).Get("/connection", gatewayH.ConnectionStatus)
		r.With(admin).Delete("/connection", gatewayH.Disconnect)

		r.With(idempotencyMW).Post("/charges", gatewayH.CreateCharge)
		r.With(admin).Post("/charges/{id}/refunds", gatewayH.CreateRefund)
	})

	return r
}

// adminGuard returns the JWT admin middleware, or a passthrough when no
// secret is configured (single-tenant deployments behind their own auth).
func adminGuard(secret string) func(http.Handler) http.Handler {
	if secret == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw.RequireAdmin(secret)
}
