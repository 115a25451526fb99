package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/crypto-custody/internal/api"
	"github.com/ayo6706/crypto-custody/internal/api/middleware"
	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/chain/bitcoin"
	"github.com/ayo6706/crypto-custody/internal/chain/ethereum"
	"github.com/ayo6706/crypto-custody/internal/chain/solana"
	"github.com/ayo6706/crypto-custody/internal/chain/tron"
	"github.com/ayo6706/crypto-custody/internal/config"
	"github.com/ayo6706/crypto-custody/internal/db"
	"github.com/ayo6706/crypto-custody/internal/events"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/gateway/okx"
	"github.com/ayo6706/crypto-custody/internal/idempotency"
	"github.com/ayo6706/crypto-custody/internal/observability"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/ayo6706/crypto-custody/internal/service"
	"github.com/ayo6706/crypto-custody/internal/vault"
	"github.com/ayo6706/crypto-custody/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and background workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	publisher := events.New(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", zap.Error(err))
		}
	}()

	keyVault, err := vault.New(cfg.VaultMasterKey)
	if err != nil {
		return fmt.Errorf("init key vault: %w", err)
	}

	registry, closeChains, err := newChainRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeChains()

	exchange := okx.NewClientWithBaseURL(cfg.OKXBaseURL, okx.ClientConfig{
		APIKey:     cfg.OKXAPIKey,
		APISecret:  cfg.OKXAPISecret,
		Passphrase: cfg.OKXPassphrase,
		Simulated:  cfg.OKXSimulated,
		Logger:     logger.Named("okx"),
	})
	rail := gateway.NewSandboxFiatRail()

	store := repository.NewStore(pool)
	idemStore := idempotency.NewStore(redisClient, pool, cfg.IdempotencyTTL)

	walletSvc := service.NewWalletService(store, registry, keyVault)
	limitSvc := service.NewLimitService(store, cfg.MonthlyLimitDefault)
	affiliateSvc := service.NewAffiliateService(store, rail, cfg.FiatCurrency)
	conversionSvc := service.NewConversionService(store, walletSvc, exchange, rail, limitSvc, affiliateSvc, publisher, service.ConversionConfig{
		FiatCurrency:     cfg.FiatCurrency,
		Stablecoin:       cfg.Stablecoin,
		SpreadBase:       cfg.SpreadBase,
		MinFiat:          cfg.ConversionMinFiat,
		ExchangeFiatKey:  cfg.ExchangeFiatPixKey,
		FillPollAttempts: cfg.FillPollAttempts,
		FillPollBackoff:  cfg.FillPollBackoff,
	})
	spotSvc := service.NewSpotService(store, exchange, cfg.SpotFeeRate)
	depositSvc := service.NewDepositService(store, rail, conversionSvc, cfg.FiatCurrency, cfg.DepositBatchSize)
	webhookSvc := service.NewWebhookService(depositSvc, cfg.WebhookHMACKey, cfg.WebhookSkipSignature)
	auditSvc := service.NewReconciliationService(store)

	locker := worker.NewRedisLocker(redisClient)
	stopDeposits := worker.NewDepositWorker(depositSvc).
		WithPollInterval(cfg.DepositPollInterval).
		WithLocker(locker).
		Run(ctx)
	stopSpot := worker.NewSpotReconciliationWorker(spotSvc).
		WithInterval(cfg.SpotReconcileInterval).
		WithLocker(locker).
		Run(ctx)
	stopAudit := worker.NewReconciliationWorker(auditSvc).
		WithInterval(cfg.ReconciliationInterval).
		WithLocker(locker).
		Run(ctx)
	logger.Info("workers started",
		zap.Duration("deposit_interval", cfg.DepositPollInterval),
		zap.Duration("spot_interval", cfg.SpotReconcileInterval),
		zap.Duration("audit_interval", cfg.ReconciliationInterval),
	)

	router := api.NewRouter(cfg, logger, pool, idemStore, redisClient, api.Services{
		Wallets:     walletSvc,
		Conversions: conversionSvc,
		Spot:        spotSvc,
		Deposits:    depositSvc,
		Webhooks:    webhookSvc,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("stopping workers")
	stopDeposits()
	stopSpot()
	stopAudit()

	logger.Info("shutdown complete")
	return nil
}

// newChainRegistry builds one builder per network. Ethereum is optional
// because it needs a JSON-RPC endpoint with no public default.
func newChainRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*chain.Registry, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	var builders []chain.Builder

	btc, err := bitcoin.NewBuilder(cfg.BitcoinNetwork, bitcoin.NewEsploraClient(cfg.BitcoinEsploraURL), logger.Named("bitcoin"))
	if err != nil {
		return nil, closeAll, fmt.Errorf("init bitcoin builder: %w", err)
	}
	builders = append(builders, btc)

	if cfg.EthereumRPCURL != "" {
		ec, err := ethereum.Dial(ctx, cfg.EthereumRPCURL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("dial ethereum: %w", err)
		}
		closers = append(closers, ec.Close)
		eth, err := ethereum.NewBuilder(ec, logger.Named("ethereum"))
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("init ethereum builder: %w", err)
		}
		builders = append(builders, eth)
	} else {
		logger.Warn("ETHEREUM_RPC_URL not set, ethereum wallets disabled")
	}

	node, err := tron.Dial(cfg.TronGRPCURL, cfg.TronAPIKey)
	if err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("dial tron: %w", err)
	}
	closers = append(closers, node.Stop)
	builders = append(builders, tron.NewBuilder(node, tron.NewGridClient(cfg.TronHTTPURL, cfg.TronAPIKey), cfg.TronFeeLimitSun, logger.Named("tron")))

	builders = append(builders, solana.NewBuilder(solana.NewRPC(cfg.SolanaRPCURL), logger.Named("solana")))

	registry := chain.NewRegistry(chain.Contracts{
		EthereumUSDT: cfg.EthereumUSDTContract,
		TronUSDT:     cfg.TronUSDTContract,
		SolanaUSDT:   cfg.SolanaUSDTMint,
	}, builders...)
	return registry, closeAll, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.InitialFields = map[string]any{"service": "crypto-custody"}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
