package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stripe-webhook-reconciler/internal/config"
	"stripe-webhook-reconciler/internal/model"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

// WebhookVerifier turns a raw request body plus its Stripe-Signature header
// into a trusted event.
type WebhookVerifier interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// StripeClient is the subset of the processor API the reconciler calls.
type StripeClient interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*model.ProcessorSubscription, error)
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
	GetCustomerEmail(ctx context.Context, customerID string) (string, error)
}

type StripeError struct {
	Message        string
	Code           string
	HTTPStatusCode int
	RequestID      string
	OriginalError  error
}

func (e *StripeError) Error() string {
	return fmt.Sprintf("stripe error (status=%d code=%s request=%s): %s", e.HTTPStatusCode, e.Code, e.RequestID, e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

type stripeClientImpl struct {
	sc *stripe.Client
}

func NewStripeClient(cfg *config.Stripe) StripeClient {
	return &stripeClientImpl{
		sc: stripe.NewClient(cfg.SecretKey),
	}
}

func (c *stripeClientImpl) GetSubscription(ctx context.Context, subscriptionID string) (*model.ProcessorSubscription, error) {
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, &stripe.SubscriptionRetrieveParams{})
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, wrapStripeError(err))
	}

	out := &model.ProcessorSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.CurrentPeriodStart = model.UnixTime(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = model.UnixTime(item.CurrentPeriodEnd)
	}

	return out, nil
}

func (c *stripeClientImpl) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	params := &stripe.SubscriptionUpdateParams{}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	if _, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, params); err != nil {
		return fmt.Errorf("update subscription %s metadata: %w", subscriptionID, wrapStripeError(err))
	}
	return nil
}

func (c *stripeClientImpl) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, &stripe.CustomerRetrieveParams{})
	if err != nil {
		return "", fmt.Errorf("retrieve customer %s: %w", customerID, wrapStripeError(err))
	}
	if cust.Deleted {
		return "", nil
	}
	return cust.Email, nil
}

type webhookVerifierImpl struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookVerifier(cfg *config.Stripe) WebhookVerifier {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &webhookVerifierImpl{
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
	}
}

// ConstructEvent must be given the body exactly as received; any
// re-encoding invalidates the signature.
func (v *webhookVerifierImpl) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return err
	}

	return &StripeError{
		Message:        stripeErr.Msg,
		Code:           string(stripeErr.Code),
		HTTPStatusCode: stripeErr.HTTPStatusCode,
		RequestID:      stripeErr.RequestID,
		OriginalError:  err,
	}
}
