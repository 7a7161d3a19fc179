package service

import (
	"context"
	"encoding/json"
	"strings"

	"stripe-webhook-reconciler/internal/dto"
	"stripe-webhook-reconciler/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// handlePaymentIntentSucceeded records the payment, then the donation or
// order it paid for. Only the payment write can fail the delivery; the
// bookkeeping after it is logged and skipped on error.
func (s *webhookServiceImpl) handlePaymentIntentSucceeded(ctx context.Context, log *zap.Logger, pi *model.PaymentIntentObject, result *dto.WebhookResult) error {
	log = log.With(zap.String("payment_intent_id", pi.ID))

	p := s.resolvePayer(ctx, log, pi)
	amount := model.MinorToDecimal(pi.Amount, pi.Currency)

	err := s.paymentRepo.Upsert(ctx, &model.Payment{
		PaymentIntentID: pi.ID,
		UserID:          p.UserID,
		Email:           p.Email,
		Amount:          amount,
		Currency:        pi.Currency,
		Status:          model.PaymentSucceeded,
		PaymentMethod:   pi.PaymentMethod.String(),
		Metadata:        pi.Metadata.JSONMap(),
	})
	if err != nil {
		return fail("Failed to process payment intent", err)
	}

	switch paymentType := pi.Metadata.First("payment_type"); paymentType {
	case model.PaymentTypeDonation:
		s.recordDonation(ctx, log, pi, p, amount)
	case model.PaymentTypeProductPurchase:
		s.recordOrder(ctx, log, pi, p, amount)
	case "":
	default:
		log.Info("payment type has no bookkeeping", zap.String("payment_type", paymentType))
	}

	log.Info("payment recorded", zap.String("amount", amount.StringFixed(2)), zap.String("currency", pi.Currency))
	result.Message = "Payment intent processed successfully"
	return nil
}

func (s *webhookServiceImpl) handlePaymentIntentFailed(ctx context.Context, log *zap.Logger, pi *model.PaymentIntentObject, result *dto.WebhookResult) error {
	log = log.With(zap.String("payment_intent_id", pi.ID))

	errorMessage := "Payment failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
		errorMessage = pi.LastPaymentError.Message
	}

	// resolved as on success; both events write the same user and email
	p := s.resolvePayer(ctx, log, pi)

	err := s.paymentRepo.Upsert(ctx, &model.Payment{
		PaymentIntentID: pi.ID,
		UserID:          p.UserID,
		Email:           p.Email,
		Amount:          model.MinorToDecimal(pi.Amount, pi.Currency),
		Currency:        pi.Currency,
		Status:          model.PaymentFailed,
		PaymentMethod:   pi.PaymentMethod.String(),
		ErrorMessage:    &errorMessage,
		Metadata:        pi.Metadata.JSONMap(),
	})
	if err != nil {
		return fail("Failed to process payment intent failure", err)
	}

	log.Info("failed payment recorded", zap.String("reason", errorMessage))
	result.Message = "Failed payment intent recorded"
	return nil
}

func (s *webhookServiceImpl) recordDonation(ctx context.Context, log *zap.Logger, pi *model.PaymentIntentObject, p payer, amount decimal.Decimal) {
	created, err := s.donationRepo.Create(ctx, &model.Donation{
		PaymentIntentID: pi.ID,
		UserID:          p.UserID,
		DonorName:       pi.Metadata.First("donor_name", "display_name"),
		Email:           p.Email,
		Amount:          amount,
		Currency:        pi.Currency,
		Message:         pi.Metadata["message"],
		IsAnonymous:     pi.Metadata["is_anonymous"] == "true",
		PaymentStatus:   model.PaymentSucceeded,
	})
	if err != nil {
		log.Error("failed to store donation", zap.Error(err))
		return
	}
	if !created {
		log.Info("donation already recorded")
	}
}

// recordOrder creates the order once per payment intent. Line items and
// inventory decrements are attempted per item; one failing item does not
// stop the rest, and the resulting drift is only logged.
func (s *webhookServiceImpl) recordOrder(ctx context.Context, log *zap.Logger, pi *model.PaymentIntentObject, p payer, amount decimal.Decimal) {
	items, err := parseOrderItems(pi.Metadata["order_items"])
	if err != nil {
		log.Error("invalid order_items metadata", zap.Error(err))
		return
	}

	order := &model.Order{
		PaymentIntentID: pi.ID,
		UserID:          p.UserID,
		Email:           p.Email,
		TotalAmount:     amount,
		Currency:        pi.Currency,
		Status:          model.OrderPaid,
		ShippingAddress: shippingAddress(pi.Metadata["shipping_address"]),
	}
	created, err := s.orderRepo.Create(ctx, order)
	if err != nil {
		log.Error("failed to create order", zap.Error(err))
		return
	}
	if !created {
		log.Info("order already recorded, skipping items and inventory")
		return
	}

	log = log.With(zap.String("order_id", order.ID))
	for i, item := range items {
		itemLog := log.With(zap.Int("item", i), zap.String("product_id", item.ProductID), zap.Int32("quantity", item.Quantity))
		if item.ProductID == "" || item.Quantity <= 0 {
			itemLog.Warn("skipping invalid order item")
			continue
		}

		unitPrice, name := item.Price, item.Name
		if unitPrice.IsZero() || name == "" {
			product, err := s.productRepo.FindByID(ctx, item.ProductID)
			if err != nil {
				itemLog.Warn("failed to look up product", zap.Error(err))
			} else {
				if unitPrice.IsZero() {
					unitPrice = product.Price
				}
				if name == "" {
					name = product.Name
				}
			}
		}

		err := s.orderRepo.CreateOrderItem(ctx, &model.OrderItem{
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
			Name:      name,
		})
		if err != nil {
			itemLog.Error("failed to create order item", zap.Error(err))
		}

		if err := s.inventoryRepo.Decrement(ctx, item.ProductID, item.Quantity); err != nil {
			itemLog.Error("failed to decrement inventory", zap.Error(err))
		}
	}

	log.Info("order recorded", zap.Int("items", len(items)))
}

func parseOrderItems(raw string) ([]model.OrderItemInput, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var items []model.OrderItemInput
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// shippingAddress keeps structured addresses as JSON and wraps anything
// else as a JSON string.
func shippingAddress(raw string) datatypes.JSON {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return datatypes.JSON(raw)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
