package service

import (
	"context"
	"errors"
	"fmt"

	"stripe-webhook-reconciler/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var userIDKeys = []string{"user_id", "userId"}

// resolveSubscriptionOwner maps a subscription to a user: metadata first,
// then the processor customer's email against the users table. A miss is
// ErrUserNotFound; processor or store outages are returned as is.
func (s *webhookServiceImpl) resolveSubscriptionOwner(ctx context.Context, sub *model.SubscriptionObject) (string, error) {
	if userID := sub.Metadata.First(userIDKeys...); userID != "" {
		return userID, nil
	}

	if sub.Customer == "" {
		return "", fmt.Errorf("%w: subscription %s has no customer", ErrUserNotFound, sub.ID)
	}

	email, err := s.stripeClient.GetCustomerEmail(ctx, sub.Customer.String())
	if err != nil {
		return "", err
	}
	if email == "" {
		return "", fmt.Errorf("%w: customer %s has no email", ErrUserNotFound, sub.Customer)
	}

	userID, err := s.userRepo.FindIDByEmail(ctx, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: no user with email %s", ErrUserNotFound, email)
	}
	if err != nil {
		return "", fmt.Errorf("find user by email: %w", err)
	}

	return userID, nil
}

type payer struct {
	UserID *string
	Email  string
}

// resolvePayer never fails: the payment is already settled at the
// processor, so a missing identity only leaves the columns empty.
func (s *webhookServiceImpl) resolvePayer(ctx context.Context, log *zap.Logger, pi *model.PaymentIntentObject) payer {
	p := payer{Email: pi.ReceiptEmail}
	if userID := pi.Metadata.First(userIDKeys...); userID != "" {
		p.UserID = &userID
	}
	if p.UserID != nil && p.Email != "" {
		return p
	}

	if p.Email == "" && pi.Customer != "" {
		email, err := s.stripeClient.GetCustomerEmail(ctx, pi.Customer.String())
		if err != nil {
			log.Warn("failed to retrieve customer", zap.String("customer_id", pi.Customer.String()), zap.Error(err))
		}
		p.Email = email
	}

	if p.UserID == nil && p.Email != "" {
		userID, err := s.userRepo.FindIDByEmail(ctx, p.Email)
		switch {
		case err == nil:
			p.UserID = &userID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			log.Warn("failed to look up user by email", zap.Error(err))
		}
	}

	return p
}
