package service

import (
	"context"
	"errors"
	"time"

	"stripe-webhook-reconciler/internal/dto"
	"stripe-webhook-reconciler/internal/model"
	"stripe-webhook-reconciler/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *webhookServiceImpl) handleSubscriptionCreated(ctx context.Context, log *zap.Logger, sub *model.SubscriptionObject, result *dto.WebhookResult) error {
	log = log.With(zap.String("subscription_id", sub.ID))

	userID, err := s.resolveSubscriptionOwner(ctx, sub)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return fail("Unable to find associated user", err)
		}
		return fail("Failed to resolve subscription owner", err)
	}

	start, end := sub.Period()
	startedAt := model.UnixTime(sub.StartDate)
	if startedAt == nil {
		now := time.Now().UTC()
		startedAt = &now
	}

	row := &model.Subscription{
		StripeID:           sub.ID,
		UserID:             &userID,
		CustomerID:         sub.Customer.String(),
		PriceID:            sub.PriceID(),
		Currency:           sub.Currency,
		BillingInterval:    sub.Interval(),
		Status:             model.SubscriptionStatus(sub.Status),
		CurrentPeriodStart: model.UnixTime(start),
		CurrentPeriodEnd:   model.UnixTime(end),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Amount:             sub.Amount(),
		StartedAt:          startedAt,
		CanceledAt:         model.UnixTime(sub.CanceledAt),
		EndedAt:            model.UnixTime(sub.EndedAt),
		Metadata:           sub.Metadata.JSONMap(),
	}
	if err := s.subscriptionRepo.Upsert(ctx, row); err != nil {
		return fail("Failed to create subscription", err)
	}

	log.Info("subscription stored",
		zap.String("id", row.ID),
		zap.String("user_id", userID),
		zap.String("status", string(row.Status)),
	)
	result.Message = "Subscription created successfully"
	result.SubscriptionID = sub.ID
	return nil
}

// handleSubscriptionUpdated overwrites mutable fields only. An update that
// arrives before the matching create is acknowledged without writing; the
// create event carries the full row.
func (s *webhookServiceImpl) handleSubscriptionUpdated(ctx context.Context, log *zap.Logger, sub *model.SubscriptionObject, result *dto.WebhookResult) error {
	log = log.With(zap.String("subscription_id", sub.ID))

	start, end := sub.Period()
	found, err := s.subscriptionRepo.Update(ctx, sub.ID, &repository.SubscriptionUpdate{
		Status:             model.SubscriptionStatus(sub.Status),
		CurrentPeriodStart: model.UnixTime(start),
		CurrentPeriodEnd:   model.UnixTime(end),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         model.UnixTime(sub.CanceledAt),
		EndedAt:            model.UnixTime(sub.EndedAt),
		Metadata:           sub.Metadata.JSONMap(),
	})
	result.SubscriptionID = sub.ID
	if errors.Is(err, repository.ErrSubscriptionCanceled) {
		log.Info("update for canceled subscription ignored", zap.String("status", sub.Status))
		result.Message = "Subscription already canceled, update ignored"
		return nil
	}
	if err != nil {
		return fail("Failed to update subscription", err)
	}

	if !found {
		log.Warn("subscription update for unknown subscription ignored")
		result.Message = "Subscription not found, update ignored"
		return nil
	}

	log.Info("subscription updated", zap.String("status", sub.Status))
	result.Message = "Subscription updated successfully"
	return nil
}

func (s *webhookServiceImpl) handleSubscriptionDeleted(ctx context.Context, log *zap.Logger, sub *model.SubscriptionObject, result *dto.WebhookResult) error {
	log = log.With(zap.String("subscription_id", sub.ID))

	found, err := s.subscriptionRepo.SetStatus(ctx, sub.ID, model.SubscriptionCanceled)
	if err != nil {
		return fail("Failed to process subscription deletion", err)
	}
	if !found {
		log.Warn("deleted subscription has no stored row")
	}

	if email := sub.Metadata.First("email"); email != "" {
		err := s.userRepo.ClearSubscription(ctx, email)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			log.Warn("no user to detach subscription from", zap.String("email", email))
		case err != nil:
			log.Error("failed to clear user subscription", zap.String("email", email), zap.Error(err))
		}
	}

	log.Info("subscription canceled")
	result.Message = "Subscription deleted successfully"
	result.SubscriptionID = sub.ID
	return nil
}

// handleCheckoutCompleted trusts the processor over the session snapshot:
// the subscription is fetched again before the row is written.
func (s *webhookServiceImpl) handleCheckoutCompleted(ctx context.Context, log *zap.Logger, session *model.CheckoutSessionObject, result *dto.WebhookResult) error {
	subscriptionID := session.Subscription.String()
	if subscriptionID == "" {
		log.Info("checkout session without subscription", zap.String("session_id", session.ID))
		result.Message = "No subscription in checkout session"
		return nil
	}
	log = log.With(zap.String("subscription_id", subscriptionID), zap.String("session_id", session.ID))

	current, err := s.stripeClient.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fail("Failed to process checkout completion", err)
	}

	metadata := make(map[string]string, len(session.Metadata)+1)
	for k, v := range session.Metadata {
		metadata[k] = v
	}
	metadata["checkoutSessionId"] = session.ID

	if err := s.stripeClient.UpdateSubscriptionMetadata(ctx, subscriptionID, metadata); err != nil {
		return fail("Failed to process checkout completion", err)
	}

	found, err := s.subscriptionRepo.ApplyCheckout(ctx, subscriptionID, &repository.CheckoutUpdate{
		Status:             model.SubscriptionStatus(current.Status),
		CurrentPeriodStart: current.CurrentPeriodStart,
		CurrentPeriodEnd:   current.CurrentPeriodEnd,
		CancelAtPeriodEnd:  current.CancelAtPeriodEnd,
		Metadata:           model.Metadata(metadata).JSONMap(),
		UserID:             session.Metadata.First(userIDKeys...),
	})
	if err != nil {
		return fail("Failed to process checkout completion", err)
	}
	if !found {
		log.Warn("checkout completed for subscription without stored row")
	}

	log.Info("checkout applied to subscription", zap.String("status", current.Status))
	result.Message = "Checkout session completed successfully"
	result.SubscriptionID = subscriptionID
	return nil
}
