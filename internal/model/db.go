package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
)

type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
	OrderFailed  OrderStatus = "failed"
)

const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

type User struct {
	ID    string `gorm:"primaryKey;size:36"`
	Email string `gorm:"size:255;uniqueIndex;not null"`
	// Subscription caches the processor subscription id of the user's membership.
	Subscription *string `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

type Product struct {
	ID             string          `gorm:"primaryKey;size:64;not null"` // product sku
	Name           string          `gorm:"size:255"`
	Price          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency       string          `gorm:"size:8;not null"`
	InventoryCount int32           `gorm:"not null;default:0;check:chk_products_inventory,inventory_count >= 0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Subscription struct {
	ID                 string             `gorm:"primaryKey;size:36"`
	StripeID           string             `gorm:"size:64;uniqueIndex;not null"` // processor subscription id
	UserID             *string            `gorm:"size:36;index"`
	CustomerID         string             `gorm:"size:64;index"`
	PriceID            string             `gorm:"size:64"`
	Currency           string             `gorm:"size:8"`
	BillingInterval    string             `gorm:"size:16"`
	Status             SubscriptionStatus `gorm:"size:32;index;not null"`
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool  `gorm:"not null;default:false"`
	Amount             int64 `gorm:"not null;default:0"` // minor units
	StartedAt          *time.Time
	CanceledAt         *time.Time
	EndedAt            *time.Time
	Metadata           datatypes.JSONMap
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

type Order struct {
	ID              string          `gorm:"primaryKey;size:36"`
	PaymentIntentID string          `gorm:"size:64;uniqueIndex;not null"`
	UserID          *string         `gorm:"size:36;index"`
	Email           string          `gorm:"size:255"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency        string          `gorm:"size:8;not null"`
	Status          OrderStatus     `gorm:"size:32;index;not null"`
	ShippingAddress datatypes.JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Items []OrderItem `gorm:"foreignKey:OrderID"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

type OrderItem struct {
	ID uint `gorm:"primaryKey"`
	// FK → orders.id
	OrderID string `gorm:"size:36;index;not null"`
	// FK → products.id
	ProductID string          `gorm:"size:64;index;not null"`
	Quantity  int32           `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Name      string          `gorm:"size:255"`
	CreatedAt time.Time
}

type Payment struct {
	ID              uint            `gorm:"primaryKey"`
	PaymentIntentID string          `gorm:"size:64;uniqueIndex;not null"`
	UserID          *string         `gorm:"size:36;index"`
	Email           string          `gorm:"size:255"`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency        string          `gorm:"size:8;not null"`
	Status          string          `gorm:"size:32;index;not null"`
	PaymentMethod   string          `gorm:"size:64"`
	ErrorMessage    *string         `gorm:"size:1024"`
	Metadata        datatypes.JSONMap
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Donation struct {
	ID              uint            `gorm:"primaryKey"`
	PaymentIntentID string          `gorm:"size:64;uniqueIndex;not null"`
	UserID          *string         `gorm:"size:36;index"`
	DonorName       string          `gorm:"size:255"`
	Email           string          `gorm:"size:255"`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency        string          `gorm:"size:8;not null"`
	Message         string          `gorm:"size:2048"`
	IsAnonymous     bool            `gorm:"not null;default:false"`
	PaymentStatus   string          `gorm:"size:32;not null"`
	CreatedAt       time.Time
}

// WebhookEvent is the audit record written for every verified delivery.
type WebhookEvent struct {
	EventID         string `gorm:"primaryKey;size:128;not null"` // processor event id
	EventType       string `gorm:"size:64;index;not null"`       // e.g. customer.subscription.created
	Type            string `gorm:"size:32;index"`                // namespace, e.g. customer
	Data            datatypes.JSON
	Annotation      datatypes.JSONMap
	EventCreatedAt  time.Time
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	ProcessingError string `gorm:"size:1024"`
}
