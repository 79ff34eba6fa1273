package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/chain"
	"github.com/p2pswap/backend/internal/config"
	"github.com/p2pswap/backend/internal/db"
	"github.com/p2pswap/backend/internal/events"
	apphttp "github.com/p2pswap/backend/internal/http"
	"github.com/p2pswap/backend/internal/http/handlers"
	"github.com/p2pswap/backend/internal/repositories"
	"github.com/p2pswap/backend/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories and events
	tradeRepo := repositories.NewTradeRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Payment gateway: real Toss client, or the sandbox implementation
	var payment services.PaymentGateway
	if cfg.TossSandbox {
		payment = services.NewSandboxGateway(cfg.TossBankCode)
		log.Info("using sandbox payment gateway")
	} else {
		payment = services.NewTossClient(cfg.TossAPIURL, cfg.TossSecretKey, cfg.TossBankCode, log)
	}

	tradeService := services.NewTradeService(tradeRepo, payment, publisher, cfg, log)

	// Handlers
	tradeHandler := handlers.NewTradeHandler(tradeService, log)
	webhookHandler := handlers.NewWebhookHandler(tradeService, log)
	wsHub := handlers.NewWSHub(subscriber, log)
	wsHub.Start(ctx)

	// Background loops share the store and hub with request handling.
	sweeper := services.NewSweeper(tradeRepo, tradeService, cfg.SweepInterval, log)
	go sweeper.Run(ctx)

	if cfg.EscrowContractAddress != "" {
		escrowClient, err := chain.DialEscrowClient(cfg.PolygonRPCURL, cfg.EscrowContractAddress)
		if err != nil {
			log.Fatal("failed to connect to escrow contract", zap.Error(err))
		}
		reconciler := chain.NewReconciler(
			escrowClient, tradeRepo, tradeService, chain.NewRedisCursor(rdb),
			cfg.ChainReconcileMode, cfg.ChainPollInterval, cfg.ChainCallTimeout, log,
		)
		go reconciler.Run(ctx)
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, log, rdb, tradeHandler, webhookHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
