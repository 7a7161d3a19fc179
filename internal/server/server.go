package server

import (
	"context"

	"stripe-webhook-reconciler/internal/handler"
	mw "stripe-webhook-reconciler/internal/middleware"
	"stripe-webhook-reconciler/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo           *echo.Echo
	webhookHandler *handler.WebhookHandler
}

func NewServer(logger *zap.Logger, maxBodySize string, webhookService service.WebhookService) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(mw.RequestLogger(logger))
	if maxBodySize != "" {
		e.Use(middleware.BodyLimit(maxBodySize))
	}

	s := &Server{
		echo:           e,
		webhookHandler: handler.NewWebhookHandler(logger, webhookService),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", handler.Health)

	// -------- stripe webhooks --------
	requireSignature := mw.RequireHeader(handler.SignatureHeader)
	api.POST("/stripe/webhook", s.webhookHandler.StripeWebhook, requireSignature)
	// older endpoint paths still registered with the processor
	api.POST("/stripe-webhook", s.webhookHandler.StripeWebhook, requireSignature)
	api.POST("/webhook", s.webhookHandler.StripeWebhook, requireSignature)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
