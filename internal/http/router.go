package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/http/handlers"
	"github.com/p2pswap/backend/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	log *zap.Logger,
	rdb *redis.Client,
	tradeHandler *handlers.TradeHandler,
	webhookHandler *handlers.WebhookHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Trades
	api.Post("/trades", tradeHandler.CreateTrade)
	api.Get("/trades", tradeHandler.ListTrades)
	api.Get("/trades/:id", tradeHandler.GetTrade)
	api.Post("/trades/:id/join", tradeHandler.JoinTrade)
	api.Post("/trades/:id/cancel", tradeHandler.CancelTrade)

	// Payment gateway callback (not rate limited: Toss controls the cadence)
	app.Post("/webhook/toss", webhookHandler.TossWebhook)

	// WebSocket, one subscription per trade
	app.Use("/ws/:id", handlers.WSUpgradeMiddleware())
	app.Get("/ws/:id", websocket.New(wsHub.HandleWS))
}
