package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExpandableID is a reference the processor sends either as a bare id or,
// when expanded, as an object carrying an "id" field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}

	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = ExpandableID(id)
		return nil
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func (e ExpandableID) String() string {
	return string(e)
}

type Metadata map[string]string

// First returns the first non-empty value among keys.
func (m Metadata) First(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func (m Metadata) JSONMap() map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Price struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type Plan struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Interval string `json:"interval"`
}

type SubscriptionItem struct {
	ID                 string `json:"id"`
	Price              *Price `json:"price"`
	Plan               *Plan  `json:"plan"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

type SubscriptionObject struct {
	ID                 string       `json:"id"`
	Customer           ExpandableID `json:"customer"`
	Status             string       `json:"status"`
	Currency           string       `json:"currency"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	StartDate          int64        `json:"start_date"`
	CanceledAt         int64        `json:"canceled_at"`
	EndedAt            int64        `json:"ended_at"`
	Metadata           Metadata     `json:"metadata"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

func (s *SubscriptionObject) firstItem() *SubscriptionItem {
	if len(s.Items.Data) == 0 {
		return nil
	}
	return &s.Items.Data[0]
}

// Period returns the billing period. Newer API versions only carry it on
// the subscription items.
func (s *SubscriptionObject) Period() (start, end int64) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	if item := s.firstItem(); item != nil {
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	return start, end
}

func (s *SubscriptionObject) PriceID() string {
	item := s.firstItem()
	if item == nil {
		return ""
	}
	if item.Price != nil && item.Price.ID != "" {
		return item.Price.ID
	}
	if item.Plan != nil {
		return item.Plan.ID
	}
	return ""
}

func (s *SubscriptionObject) Interval() string {
	item := s.firstItem()
	if item == nil {
		return ""
	}
	if item.Plan != nil && item.Plan.Interval != "" {
		return item.Plan.Interval
	}
	if item.Price != nil && item.Price.Recurring != nil {
		return item.Price.Recurring.Interval
	}
	return ""
}

// Amount is the recurring amount in minor units.
func (s *SubscriptionObject) Amount() int64 {
	item := s.firstItem()
	if item == nil {
		return 0
	}
	if item.Plan != nil && item.Plan.Amount != 0 {
		return item.Plan.Amount
	}
	if item.Price != nil {
		return item.Price.UnitAmount
	}
	return 0
}

type CheckoutSessionObject struct {
	ID              string       `json:"id"`
	Mode            string       `json:"mode"`
	Subscription    ExpandableID `json:"subscription"`
	Customer        ExpandableID `json:"customer"`
	CustomerEmail   string       `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata Metadata `json:"metadata"`
}

type InvoiceObject struct {
	ID            string       `json:"id"`
	Subscription  ExpandableID `json:"subscription"`
	Customer      ExpandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID resolves the related subscription across API versions.
func (i *InvoiceObject) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription.String()
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

type PaymentIntentObject struct {
	ID               string       `json:"id"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	Status           string       `json:"status"`
	Customer         ExpandableID `json:"customer"`
	ReceiptEmail     string       `json:"receipt_email"`
	PaymentMethod    ExpandableID `json:"payment_method"`
	Created          int64        `json:"created"`
	Metadata         Metadata     `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

const (
	PaymentTypeDonation        = "donation"
	PaymentTypeProductPurchase = "product_purchase"
)

// OrderItemInput is one entry of the order_items metadata list.
type OrderItemInput struct {
	ProductID string          `json:"product_id"`
	Quantity  int32           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Name      string          `json:"name"`
}

// ProcessorSubscription is the authoritative subscription state fetched
// from the processor API.
type ProcessorSubscription struct {
	ID                 string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// zero-decimal currencies per the processor's currency table
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorToDecimal converts an amount in minor units into major units.
func MinorToDecimal(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

// UnixTime returns nil for a zero timestamp.
func UnixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
