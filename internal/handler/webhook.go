package handler

import (
	"errors"
	"io"
	"net/http"

	"stripe-webhook-reconciler/internal/dto"
	"stripe-webhook-reconciler/internal/service"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const SignatureHeader = "Stripe-Signature"

type WebhookHandler struct {
	logger         *zap.Logger
	webhookService service.WebhookService
}

func NewWebhookHandler(logger *zap.Logger, webhookService service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		logger:         logger,
		webhookService: webhookService,
	}
}

func (h *WebhookHandler) StripeWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	// read verbatim: the signature covers the exact bytes
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Unable to read request body",
			Details: err.Error(),
		})
	}

	result, err := h.webhookService.HandleWebhook(ctx, c.Request().Header.Get(SignatureHeader), body)
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(http.StatusOK, dto.WebhookResponse{
		Received:       true,
		Message:        result.Message,
		SubscriptionID: result.SubscriptionID,
	})
}

func (h *WebhookHandler) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	if service.IsClientError(err) {
		status = http.StatusBadRequest
	}

	// internal failures only carry the short message; the cause is logged
	resp := dto.ErrorResponse{Error: "Internal error"}
	var webhookErr *service.WebhookError
	if errors.As(err, &webhookErr) {
		resp.Error = webhookErr.Message
		if status == http.StatusBadRequest && webhookErr.Err != nil {
			resp.Details = webhookErr.Err.Error()
		}
	}

	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("remote_ip", c.RealIP()),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, service.ErrMissingSignature), errors.Is(err, service.ErrInvalidSignature):
		h.logger.Warn("webhook rejected", fields...)
	case status == http.StatusBadRequest:
		h.logger.Warn("webhook not accepted", fields...)
	default:
		h.logger.Error("webhook failed", fields...)
	}

	return c.JSON(status, resp)
}

func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}
