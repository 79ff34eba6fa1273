package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/http/dto"
	"github.com/p2pswap/backend/internal/services"
)

// depositCallbackEvent is the only Toss event type acted on; everything else
// is acknowledged and dropped.
const depositCallbackEvent = "DEPOSIT_CALLBACK"

type WebhookHandler struct {
	tradeService *services.TradeService
	log          *zap.Logger
}

func NewWebhookHandler(tradeService *services.TradeService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{tradeService: tradeService, log: log}
}

// TossWebhook receives fiat deposit confirmations. Unknown event types,
// unknown order ids and stale statuses are acknowledged, never errored:
// the gateway replays webhooks, and replays must stay harmless.
func (h *WebhookHandler) TossWebhook(c *fiber.Ctx) error {
	var payload dto.TossWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.JSON(dto.WebhookAck{Status: "ignored"})
	}

	if payload.EventType != depositCallbackEvent {
		return c.JSON(dto.WebhookAck{Status: "ignored"})
	}

	tradeID, err := uuid.Parse(payload.Data.OrderID)
	if err != nil {
		h.log.Warn("webhook with unparsable order id", zap.String("order_id", payload.Data.OrderID))
		return c.JSON(dto.WebhookAck{Status: "ignored"})
	}

	_, err = h.tradeService.ConfirmFiatDeposit(c.Context(), tradeID)
	switch {
	case err == nil:
		return c.JSON(dto.WebhookAck{Status: "ok"})
	case errors.Is(err, services.ErrTradeNotFound):
		return c.JSON(dto.WebhookAck{Status: "trade_not_found"})
	case errors.Is(err, services.ErrInvalidTransition):
		return c.JSON(dto.WebhookAck{Status: "ignored_status"})
	default:
		h.log.Error("webhook processing failed",
			zap.String("trade_id", tradeID.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}
