package service

import (
	"context"
	"fmt"
	"time"

	"stripe-webhook-reconciler/internal/client"
	"stripe-webhook-reconciler/internal/dto"
	"stripe-webhook-reconciler/internal/model"
	"stripe-webhook-reconciler/internal/repository"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type WebhookService interface {
	// HandleWebhook verifies and applies one processor delivery. body must be
	// the request body exactly as received.
	HandleWebhook(ctx context.Context, signature string, body []byte) (*dto.WebhookResult, error)
}

type webhookServiceImpl struct {
	logger           *zap.Logger
	verifier         client.WebhookVerifier
	stripeClient     client.StripeClient
	webhookEventRepo repository.WebhookEventRepository
	userRepo         repository.UserRepository
	subscriptionRepo repository.SubscriptionRepository
	paymentRepo      repository.PaymentRepository
	donationRepo     repository.DonationRepository
	orderRepo        repository.OrderRepository
	productRepo      repository.ProductRepository
	inventoryRepo    repository.InventoryRepository
}

func NewWebhookService(
	logger *zap.Logger,
	verifier client.WebhookVerifier,
	stripeClient client.StripeClient,
	webhookEventRepo repository.WebhookEventRepository,
	userRepo repository.UserRepository,
	subscriptionRepo repository.SubscriptionRepository,
	paymentRepo repository.PaymentRepository,
	donationRepo repository.DonationRepository,
	orderRepo repository.OrderRepository,
	productRepo repository.ProductRepository,
	inventoryRepo repository.InventoryRepository,
) WebhookService {
	return &webhookServiceImpl{
		logger:           logger,
		verifier:         verifier,
		stripeClient:     stripeClient,
		webhookEventRepo: webhookEventRepo,
		userRepo:         userRepo,
		subscriptionRepo: subscriptionRepo,
		paymentRepo:      paymentRepo,
		donationRepo:     donationRepo,
		orderRepo:        orderRepo,
		productRepo:      productRepo,
		inventoryRepo:    inventoryRepo,
	}
}

func (s *webhookServiceImpl) HandleWebhook(ctx context.Context, signature string, body []byte) (*dto.WebhookResult, error) {
	if signature == "" {
		return nil, fail("No signature found", ErrMissingSignature)
	}

	se, err := s.verifier.ConstructEvent(body, signature)
	if err != nil {
		return nil, fail("Webhook signature verification failed", fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}

	event := model.NewEvent(se)
	log := s.logger.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	// the audit record is written before dispatch and survives handler failure
	created, err := s.webhookEventRepo.Append(ctx, &model.WebhookEvent{
		EventID:        event.ID,
		EventType:      string(event.Type),
		Type:           event.Type.Namespace(),
		Data:           datatypes.JSON(event.Raw),
		EventCreatedAt: event.Created,
		ReceivedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Error("failed to record webhook event", zap.Error(err))
		return nil, fail("Failed to record webhook event", err)
	}
	if !created {
		log.Info("redelivered event, reprocessing")
	}

	result := &dto.WebhookResult{
		EventID:   event.ID,
		EventType: string(event.Type),
	}

	if err := event.Decode(); err != nil {
		procErr := fail("Malformed event payload", fmt.Errorf("%w: %v", ErrMalformedPayload, err))
		s.markProcessed(ctx, log, event.ID, procErr)
		return nil, procErr
	}

	err = s.dispatch(ctx, log, event, result)
	s.markProcessed(ctx, log, event.ID, err)
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err))
		return nil, err
	}

	log.Info("webhook processed", zap.String("result", result.Message))
	return result, nil
}

// dispatch routes a decoded event to exactly one handler. Types without a
// handler are acknowledged.
func (s *webhookServiceImpl) dispatch(ctx context.Context, log *zap.Logger, event *model.Event, result *dto.WebhookResult) error {
	switch payload := event.Payload.(type) {
	case *model.SubscriptionObject:
		switch event.Type {
		case model.EventSubscriptionCreated:
			return s.handleSubscriptionCreated(ctx, log, payload, result)
		case model.EventSubscriptionUpdated:
			return s.handleSubscriptionUpdated(ctx, log, payload, result)
		case model.EventSubscriptionDeleted:
			return s.handleSubscriptionDeleted(ctx, log, payload, result)
		}
	case *model.CheckoutSessionObject:
		return s.handleCheckoutCompleted(ctx, log, payload, result)
	case *model.InvoiceObject:
		return s.handleInvoice(ctx, log, event, payload, result)
	case *model.PaymentIntentObject:
		switch event.Type {
		case model.EventPaymentIntentSuccess:
			return s.handlePaymentIntentSucceeded(ctx, log, payload, result)
		case model.EventPaymentIntentFailure:
			return s.handlePaymentIntentFailed(ctx, log, payload, result)
		}
	}

	log.Info("unhandled event type")
	result.Message = fmt.Sprintf("Unhandled event type: %s", event.Type)
	return nil
}

func (s *webhookServiceImpl) markProcessed(ctx context.Context, log *zap.Logger, eventID string, procErr error) {
	if err := s.webhookEventRepo.MarkProcessed(ctx, eventID, procErr); err != nil {
		log.Warn("failed to mark webhook event processed", zap.Error(err))
	}
}
