package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"tradepost/cmd/server/config"
	"tradepost/internal/adapters/grpc"
	"tradepost/internal/observability"
	"tradepost/internal/purchase"
	"tradepost/internal/realtime"
	"tradepost/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	logger, err := newLogger(os.Getenv("APP_ENV"))
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	tp, shutdownTracer, err := observability.SetupTracer(ctx, observability.TracingConfig{
		ServiceName: obsCfg.ServiceName,
		Environment: obsCfg.Environment,
		Endpoint:    obsCfg.OTLPEndpoint,
		Insecure:    obsCfg.OTLPInsecure,
		SampleRatio: obsCfg.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	pgCfg, err := config.LoadPostgres()
	if err != nil {
		return err
	}
	store, catalog, cleanupStores, err := buildStores(ctx, pgCfg, logger.Named("db"))
	if err != nil {
		return err
	}
	defer cleanupStores()

	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	client, err := buildRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}()

	routing, err := config.LoadRouting()
	if err != nil {
		return err
	}
	routes := transport.Routes{
		purchase.CommandGrantItems:    routing.GrantItemsStream,
		purchase.CommandDebitCurrency: routing.DebitCurrencyStream,
		purchase.CommandSubtractItems: routing.SubtractItemsStream,
	}
	if err := routes.Validate(); err != nil {
		return err
	}
	publisher := transport.NewPublisher(client, routes, routing.RequestStream(), redisCfg.StreamMaxLen)

	dispatchCfg, err := config.LoadDispatch()
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()
	dispatcher := purchase.NewDispatcher(publisher,
		purchase.WithRetryPolicy(purchase.RetryPolicy{
			MaxAttempts: dispatchCfg.MaxAttempts,
			Interval:    dispatchCfg.RetryInterval,
		}),
		purchase.WithRateLimiter(purchase.NewRateLimiter(dispatchCfg.RateLimitInterval, dispatchCfg.RateLimitBurst)),
		purchase.WithCircuitBreaker(purchase.CircuitBreakerConfig{
			MaxFailures:  dispatchCfg.BreakerMaxFailures,
			ResetTimeout: dispatchCfg.BreakerResetTimeout,
		}),
		purchase.WithDispatchLogger(logger.Named("dispatch")),
		purchase.WithDispatchMetrics(metrics),
	)

	hub := realtime.NewHub(logger.Named("realtime"))
	go hub.Run(ctx)
	if err := realtime.Forward(ctx, client, routing.StatusChannel, hub, logger.Named("realtime")); err != nil {
		return err
	}

	orchestrator := purchase.NewOrchestrator(store, catalog, dispatcher,
		realtime.NewRedisNotifier(client, routing.StatusChannel),
		purchase.WithLogger(logger.Named("purchase")),
		purchase.WithMetrics(metrics),
		purchase.WithTracerProvider(tp),
	)

	consumer := buildConsumer(client, routing, orchestrator, catalog, logger.Named("transport"))
	if err := consumer.EnsureGroups(ctx); err != nil {
		return err
	}

	sweeperCfg, err := config.LoadSweeper()
	if err != nil {
		return err
	}
	sweeper := purchase.NewSweeper(purchase.SweeperConfig{
		Interval:    sweeperCfg.Interval,
		StaleAfter:  sweeperCfg.StaleAfter,
		ExpireAfter: sweeperCfg.ExpireAfter,
		BatchSize:   sweeperCfg.BatchSize,
	}, store, orchestrator, logger.Named("sweeper"))

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	limiter := purchase.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger.Named("grpc"))),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger.Named("grpc"))),
	)
	grpc.RegisterPurchaseServiceServer(server, grpc.NewPurchaseServer(purchase.NewRequestService(publisher, store, catalog)))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if obsCfg.Environment != "production" {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled", zap.String("app_env", obsCfg.Environment))
	}

	obsSrv := startObservabilityServer(obsCfg.Addr, metrics, hub, logger.Named("http"))

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	var workers sync.WaitGroup
	errCh := make(chan error, 2)
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := consumer.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		defer workers.Done()
		sweeper.Run(workCtx)
	}()
	go func() {
		if err := server.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	logger.Info("server running", zap.String("grpc_addr", grpcCfg.Addr), zap.String("http_addr", obsCfg.Addr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	metrics.MarkShutdown(metrics.Snapshot().InFlight)
	server.GracefulStop()
	cancelWork()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = obsSrv.Shutdown(shutdownCtx)
	return runErr
}

// buildConsumer reads saga events and, when configured, catalog updates with
// one consumer group member.
func buildConsumer(client *redis.Client, routing config.RoutingConfig, sink transport.EventSink, catalog purchase.CatalogWriter, logger *zap.Logger) *transport.Consumer {
	streams := append([]string(nil), routing.EventStreams...)
	handler := transport.EventHandler(sink, logger)
	if routing.CatalogStream != "" {
		streams = append(streams, routing.CatalogStream)
		catalogHandler := transport.CatalogHandler(catalog, logger)
		handler = transport.Mux(handler, map[string]transport.Handler{
			transport.CatalogItemUpdatedType: catalogHandler,
			transport.CatalogItemDeletedType: catalogHandler,
		})
	}
	return transport.NewConsumer(client, transport.ConsumerConfig{
		Streams:    streams,
		Group:      routing.Group,
		Consumer:   routing.Consumer,
		MinIdle:    routing.ClaimMinIdle,
		Partitions: routing.Partitions,
	}, handler, logger)
}

func startObservabilityServer(addr string, metrics *observability.Metrics, hub *realtime.Hub, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.Handle("/ws", hub.ServeWS(realtime.HeaderIdentity))
	mux.Handle("/healthz", observability.HealthHandler(metrics))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("observability server error", zap.Error(err))
		}
	}()
	return srv
}
