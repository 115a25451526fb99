package api

import (
	"net/http"

	"github.com/ayo6706/crypto-custody/internal/api/handler"
	"github.com/ayo6706/crypto-custody/internal/api/middleware"
	"github.com/ayo6706/crypto-custody/internal/api/spec"
	"github.com/ayo6706/crypto-custody/internal/config"
	"github.com/ayo6706/crypto-custody/internal/idempotency"
	"github.com/ayo6706/crypto-custody/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Services are the domain services the HTTP surface drives.
type Services struct {
	Wallets     *service.WalletService
	Conversions *service.ConversionService
	Spot        *service.SpotService
	Deposits    *service.DepositService
	Webhooks    *service.WebhookService
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *pgxpool.Pool
	idem   *idempotency.Store
	redis  *redis.Client
	svc    Services
}

// NewRouter wires handlers and middleware. db, idem and redisClient may be nil
// in tests; readiness then skips the missing dependency.
func NewRouter(cfg *config.Config, logger *zap.Logger, db *pgxpool.Pool, idem *idempotency.Store, redisClient *redis.Client, svc Services) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger, db: db, idem: idem, redis: redisClient, svc: svc}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))

	health := api.healthHandler()
	authHandler := handler.NewAuthHandler()
	walletHandler := handler.NewWalletHandler(api.svc.Wallets)
	conversionHandler := handler.NewConversionHandler(api.svc.Conversions)
	spotHandler := handler.NewSpotHandler(api.svc.Spot)
	depositHandler := handler.NewDepositHandler(api.svc.Deposits)
	webhookHandler := handler.NewWebhookHandler(api.svc.Webhooks)

	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		if api.cfg.DevLogin {
			r.Post("/v1/auth/login", authHandler.Login)
		}
		r.Post("/v1/webhooks/fiat-deposit", webhookHandler.HandleFiatDeposit)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))
		idem := middleware.IdempotencyMiddleware(api.idem, api.logger)

		r.Route("/v1/wallets", func(r chi.Router) {
			r.Get("/", walletHandler.ListWallets)
			r.With(idem).Post("/", walletHandler.CreateWallet)
			r.With(idem).Post("/import", walletHandler.ImportWallet)
			r.Post("/sync", walletHandler.SyncAllWallets)
			r.Get("/{id}", walletHandler.GetWallet)
			r.With(idem).Delete("/{id}", walletHandler.DeleteWallet)
			r.With(idem).Post("/{id}/main", walletHandler.SetMainWallet)
			r.Post("/{id}/sync", walletHandler.SyncWallet)
			r.With(idem).Post("/{id}/send", walletHandler.SendCrypto)
			r.With(idem).Post("/{id}/broadcast", walletHandler.BroadcastSigned)
		})

		r.Route("/v1/conversions", func(r chi.Router) {
			r.Get("/", conversionHandler.ListConversions)
			r.Post("/quote", conversionHandler.Quote)
			r.With(idem).Post("/buy", conversionHandler.Buy)
			r.With(idem).Post("/sell", conversionHandler.Sell)
			r.Get("/{id}", conversionHandler.GetConversion)
		})

		r.Route("/v1/spot", func(r chi.Router) {
			r.Get("/balances", spotHandler.Balances)
			r.Get("/orders", spotHandler.ListOrders)
			r.With(idem).Post("/orders", spotHandler.PlaceOrder)
			r.Get("/orders/{id}", spotHandler.GetOrder)
			r.With(idem).Post("/orders/{id}/cancel", spotHandler.CancelOrder)
			r.With(idem).Post("/transfers", spotHandler.Transfer)
		})

		r.With(middleware.RequireRole("admin"), idem).Post("/v1/deposits/fiat", depositHandler.RegisterFiatDeposit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handler.RespondError(w, r, http.StatusNotFound, "route/not-found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handler.RespondError(w, r, http.StatusMethodNotAllowed, "route/method-not-allowed", "method not allowed")
	})

	return r
}

func (api *Router) healthHandler() *handler.HealthHandler {
	// Typed nils must not reach the handler's interface fields.
	if api.db == nil && api.redis == nil {
		return handler.NewHealthHandler(nil, nil)
	}
	if api.redis == nil {
		return handler.NewHealthHandler(api.db, nil)
	}
	if api.db == nil {
		return handler.NewHealthHandler(nil, api.redis)
	}
	return handler.NewHealthHandler(api.db, api.redis)
}
