package service

import (
	"context"
	"errors"

	"stripe-webhook-reconciler/internal/dto"
	"stripe-webhook-reconciler/internal/model"
	"stripe-webhook-reconciler/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// handleInvoice annotates the event's audit record with the invoice outcome.
// A failed invoice also moves the subscription to past_due. Lookup misses
// are recorded, never escalated.
func (s *webhookServiceImpl) handleInvoice(ctx context.Context, log *zap.Logger, event *model.Event, invoice *model.InvoiceObject, result *dto.WebhookResult) error {
	paid := event.Type == model.EventInvoicePaid
	subscriptionID := invoice.SubscriptionID()
	log = log.With(zap.String("invoice_id", invoice.ID), zap.String("subscription_id", subscriptionID))

	annotation := map[string]interface{}{
		"invoiceId":      invoice.ID,
		"subscriptionId": subscriptionID,
		"currency":       invoice.Currency,
		"email":          s.invoiceEmail(ctx, log, subscriptionID, invoice),
	}
	if paid {
		annotation["amountPaid"] = model.MinorToDecimal(invoice.AmountPaid, invoice.Currency).String()
		annotation["status"] = model.PaymentSucceeded
	} else {
		annotation["amountDue"] = model.MinorToDecimal(invoice.AmountDue, invoice.Currency).String()
		annotation["status"] = model.PaymentFailed
	}

	if err := s.webhookEventRepo.Annotate(ctx, event.ID, annotation); err != nil {
		log.Warn("failed to annotate invoice event", zap.Error(err))
	}

	result.SubscriptionID = subscriptionID
	if paid {
		result.Message = "Invoice payment succeeded"
		return nil
	}

	if subscriptionID != "" {
		found, err := s.subscriptionRepo.SetStatus(ctx, subscriptionID, model.SubscriptionPastDue)
		switch {
		case errors.Is(err, repository.ErrSubscriptionCanceled):
			log.Info("failed invoice for canceled subscription, status kept")
		case err != nil:
			return fail("Failed to process failed payment", err)
		case !found:
			log.Warn("failed invoice for unknown subscription")
		}
	}

	result.Message = "Invoice payment failed"
	return nil
}

// invoiceEmail prefers the subscription owner's email over the invoice's.
func (s *webhookServiceImpl) invoiceEmail(ctx context.Context, log *zap.Logger, subscriptionID string, invoice *model.InvoiceObject) string {
	if subscriptionID == "" {
		return invoice.CustomerEmail
	}

	sub, err := s.subscriptionRepo.GetByStripeID(ctx, subscriptionID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("failed to look up invoice subscription", zap.Error(err))
		}
		return invoice.CustomerEmail
	}
	if sub.UserID == nil {
		return invoice.CustomerEmail
	}

	user, err := s.userRepo.GetByID(ctx, *sub.UserID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("failed to look up subscription owner", zap.Error(err))
		}
		return invoice.CustomerEmail
	}

	return user.Email
}
