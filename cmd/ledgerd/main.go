package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/shard-ledger/internal/api"
	"github.com/example/shard-ledger/internal/auth"
	"github.com/example/shard-ledger/internal/config"
	"github.com/example/shard-ledger/internal/coordinator"
	"github.com/example/shard-ledger/internal/events"
	"github.com/example/shard-ledger/internal/resilience"
	"github.com/example/shard-ledger/internal/rpc"
	"github.com/example/shard-ledger/internal/security"
	"github.com/example/shard-ledger/internal/shard"
	"github.com/example/shard-ledger/pkg/audit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("ledgerd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := resilience.NewRegistry(logger)

	stores, err := shard.Open(ctx, cfg.ShardDSNs)
	if err != nil {
		return err
	}
	shards, err := shard.NewRegistry(stores, res, resilience.ShardProfile())
	if err != nil {
		return err
	}
	defer shards.Close()

	txlog, err := coordinator.OpenTxLog(ctx, cfg.TxLogDSN)
	if err != nil {
		return err
	}
	defer txlog.Close()

	var rdb *redis.Client
	routerOpts := []shard.RouterOption{shard.WithTTL(cfg.RouteCacheTTL), shard.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		routerOpts = append(routerOpts, shard.WithCache(&shard.RedisRouteCache{
			Redis: rdb,
			Guard: res.Register("cache", resilience.CacheProfile()),
		}))
	} else {
		logger.Warn("REDIS_ADDR unset: no route cache, in-memory event bus, no rate limiting")
	}
	router, err := shard.NewRouter(cfg.ShardCount, routerOpts...)
	if err != nil {
		return err
	}

	var bus events.Bus = &events.MemoryBus{}
	if rdb != nil {
		bus = &events.RedisStreamBus{Redis: rdb, Stream: cfg.EventStream, MaxLen: 1_000_000}
	}
	publisher := events.NewAsyncPublisher(bus, res.Register("event-bus", resilience.EventBusProfile()), logger, 0)

	chain := audit.NewChainLogger(audit.WithSink(audit.SlogSink{Logger: logger.With("component", "audit")}))

	txProfile := resilience.TxLogProfile()
	txProfile.Retryable = coordinator.TxLogRetryable
	coord, err := coordinator.New(router, shards, txlog,
		coordinator.Config{Deadline: cfg.TxDeadline, PrepareTimeout: cfg.TxPrepareTimeout, MaxAmount: cfg.MaxTransferAmount},
		coordinator.WithPublisher(publisher),
		coordinator.WithAuditor(chain),
		coordinator.WithLogger(logger),
		coordinator.WithLogGuard(res.Register("txlog", txProfile)),
	)
	if err != nil {
		return err
	}
	publisher.OnDelivered(func(ctx context.Context, e events.Event) {
		coord.Acknowledge(ctx, e.Meta().TransferID)
	})

	report, err := coord.Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("startup recovery finished",
		"scanned", report.Scanned, "committed", report.Committed, "aborted", report.Aborted, "in_doubt", report.InDoubt)

	sweeper := coordinator.NewSweeper(coord, coordinator.SweeperConfig{
		Interval:  cfg.SweepInterval,
		Retention: cfg.TxRetention,
	})
	sweeper.Start()
	defer sweeper.Stop()

	signer := &auth.Signer{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	admin, err := security.ParseAllowlist(cfg.AdminAllowlist)
	if err != nil {
		return err
	}
	var limiter *security.RedisTokenBucket
	if rdb != nil {
		limiter = &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "shard_ledger",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefill,
		}
	}

	health := map[string]api.HealthCheck{"txlog": txlog.Ping}
	for _, id := range shards.IDs() {
		s, _ := shards.Store(id)
		health[shard.GuardName(id)] = s.Ping
	}
	if rdb != nil {
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	handler, err := api.NewRouter(api.Dependencies{
		Logger:      logger,
		Signer:      signer,
		Service:     coord,
		Router:      router,
		Resilience:  res,
		Auditor:     chain,
		RateLimiter: limiter,
		Admin:       admin,
		Health:      health,
	})
	if err != nil {
		return err
	}

	tlsFiles := security.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile, CAFile: cfg.TLSCAFile}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rpcSrv, err := rpc.NewServer(coord, router, logger)
	if err != nil {
		return err
	}
	var tlsCfg *tls.Config
	if tlsFiles.Enabled() {
		if tlsCfg, err = tlsFiles.ServerConfig(); err != nil {
			return err
		}
		httpSrv.TLSConfig = tlsCfg
	}
	grpcSrv, grpcHealth := rpc.NewGRPCServer(rpcSrv, signer, logger, tlsCfg)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		errCh <- grpcSrv.Serve(grpcLis)
	}()
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "tls", tlsFiles.Enabled())
		var err error
		if tlsFiles.Enabled() {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	grpcHealth.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Warn("event publisher did not drain", "error", err)
	}
	return serveErr
}
