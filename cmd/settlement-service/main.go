// @title           Checkout Settlement API
// @version         1.0
// @description     Payment intents, gateway confirmations and order settlement.
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in              header
// @name            Authorization
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	_ "github.com/MikeMC777/checkout-settlement/docs"
	"github.com/MikeMC777/checkout-settlement/internal/catalog"
	"github.com/MikeMC777/checkout-settlement/internal/config"
	"github.com/MikeMC777/checkout-settlement/internal/events"
	"github.com/MikeMC777/checkout-settlement/internal/gateway"
	"github.com/MikeMC777/checkout-settlement/internal/httpx"
	"github.com/MikeMC777/checkout-settlement/internal/identity"
	"github.com/MikeMC777/checkout-settlement/internal/order"
	"github.com/MikeMC777/checkout-settlement/internal/payment"
	"github.com/MikeMC777/checkout-settlement/internal/reconcile"
	"github.com/MikeMC777/checkout-settlement/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("settlement-service exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	log := telemetry.InitLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry_shutdown_error", "error", err)
		}
	}()

	repo, closeRepo, err := openRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	var queue reconcile.Queue = reconcile.NewMemQueue()
	if cfg.RedisAddr != "" {
		rq := reconcile.NewRedisQueue(cfg.RedisAddr, cfg.ReconcileKey)
		if err := rq.Ping(ctx); err != nil {
			log.Warn("redis_unreachable", "addr", cfg.RedisAddr, "error", err)
		}
		defer rq.Close()
		queue = rq
	} else {
		log.Warn("REDIS_ADDR not set, reconciliation cases are kept in memory")
	}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer kp.Close()
		pub = kp
	}

	deps := payment.IntentDeps{
		Repo:    repo,
		Gateway: gateway.New(cfg.GatewayBaseURL, cfg.GatewayKeyID, cfg.GatewayKeySecret, cfg.GatewayTimeout),
		Queue:   queue,
		Catalog: catalog.New(cfg.CatalogBaseURL, cfg.CatalogTimeout),
		Events:  pub,
		Log:     log,
	}
	if cfg.IdentityAddr != "" {
		users, err := identity.Dial(cfg.IdentityAddr)
		if err != nil {
			return err
		}
		defer users.Close()
		deps.Users = users
	}

	ledger := order.NewLedger(repo,
		order.WithEvents(pub),
		order.WithLogger(log),
		order.WithSettlementWindow(cfg.SettlementWindow),
	)
	intents := payment.NewIntentService(deps, payment.IntentConfig{
		GatewayTimeout:  cfg.GatewayTimeout,
		IdentityTimeout: cfg.IdentityTimeout,
		WriteRetries:    cfg.WriteRetries,
		WriteRetryBase:  cfg.WriteRetryBase,
	})
	verifier := payment.NewVerifier(payment.VerifierDeps{
		Secret: cfg.GatewayKeySecret,
		Ledger: ledger,
		Queue:  queue,
		Log:    log,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), httpx.RequestID(), httpx.Logger(log))
	registerRoutes(r, routes{
		tokens:   identity.NewVerifier(cfg.JWTSecret),
		intents:  intents,
		verifier: verifier,
		ledger:   ledger,
		log:      log,
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("settlement-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info("grpc health listening", "addr", cfg.GRPCAddr)
		return gs.Serve(lis)
	})
	g.Go(func() error {
		return order.NewSweeper(ledger, cfg.SweepInterval, cfg.SweepBatch).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		gs.GracefulStop()
		return err
	})
	return g.Wait()
}

func openRepo(ctx context.Context, cfg config.Config) (order.Repository, func(), error) {
	if cfg.Store == "memory" {
		slog.Warn("STORE=memory, orders are lost on restart")
		return order.NewMemRepo(), func() {}, nil
	}
	pool, err := order.NewPool(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	repo := order.NewPGRepo(pool, cfg.DBTimeout)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}
