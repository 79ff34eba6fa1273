package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/http/dto"
	"github.com/p2pswap/backend/internal/repositories"
	"github.com/p2pswap/backend/internal/services"
)

type TradeHandler struct {
	tradeService *services.TradeService
	log          *zap.Logger
}

func NewTradeHandler(tradeService *services.TradeService, log *zap.Logger) *TradeHandler {
	return &TradeHandler{tradeService: tradeService, log: log}
}

func (h *TradeHandler) CreateTrade(c *fiber.Ctx) error {
	var req dto.CreateTradeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	trade, err := h.tradeService.CreateTrade(c.Context(), req.SellerWallet, req.UsdcAmount, req.KrwAmount)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: trade})
}

func (h *TradeHandler) GetTrade(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid trade id"})
	}

	trade, err := h.tradeService.GetTrade(c.Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: trade})
}

func (h *TradeHandler) ListTrades(c *fiber.Ctx) error {
	filter := repositories.TradeFilter{Limit: 20}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = &v
	}

	trades, err := h.tradeService.ListTrades(c.Context(), filter)
	if err != nil {
		h.log.Error("failed to list trades", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: trades})
}

func (h *TradeHandler) JoinTrade(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid trade id"})
	}

	var req dto.JoinTradeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	trade, err := h.tradeService.JoinTrade(c.Context(), id, req.BuyerWallet)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: trade})
}

func (h *TradeHandler) CancelTrade(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid trade id"})
	}

	trade, err := h.tradeService.CancelTrade(c.Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: trade})
}

// mapError keeps stale requests distinguishable from faults: a malformed
// request is 400, a missing trade 404, a rejected transition 409. Anything
// else is a fault and stays inside the log, not the response body.
func (h *TradeHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrTradeNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "trade not found"})
	case errors.Is(err, services.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "trade is not in a valid state for this action"})
	default:
		h.log.Error("trade request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}
