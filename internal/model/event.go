package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
)

type EventType string

const (
	EventSubscriptionCreated  EventType = "customer.subscription.created"
	EventSubscriptionUpdated  EventType = "customer.subscription.updated"
	EventSubscriptionDeleted  EventType = "customer.subscription.deleted"
	EventCheckoutCompleted    EventType = "checkout.session.completed"
	EventInvoicePaid          EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventPaymentIntentSuccess EventType = "payment_intent.succeeded"
	EventPaymentIntentFailure EventType = "payment_intent.payment_failed"
)

// Namespace is the leading segment of the type tag ("customer", "invoice", ...).
func (t EventType) Namespace() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Payload is one of *SubscriptionObject, *CheckoutSessionObject,
// *InvoiceObject, *PaymentIntentObject or UnknownPayload.
type Payload interface {
	payload()
}

func (*SubscriptionObject) payload()    {}
func (*CheckoutSessionObject) payload() {}
func (*InvoiceObject) payload()         {}
func (*PaymentIntentObject) payload()   {}

// UnknownPayload carries event types this service does not act on.
type UnknownPayload struct{}

func (UnknownPayload) payload() {}

// Event is a verified processor event.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time
	Raw     json.RawMessage
	Payload Payload
}

// NewEvent copies the envelope of a verified stripe.Event. The payload is
// filled in by Decode.
func NewEvent(se stripe.Event) *Event {
	ev := &Event{
		ID:      se.ID,
		Type:    EventType(se.Type),
		Created: time.Unix(se.Created, 0).UTC(),
	}
	if se.Data != nil {
		ev.Raw = se.Data.Raw
	}
	return ev
}

// Decode classifies the event by its type tag. Unknown tags decode to
// UnknownPayload and are never an error.
func (e *Event) Decode() error {
	var p Payload
	switch e.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		p = &SubscriptionObject{}
	case EventCheckoutCompleted:
		p = &CheckoutSessionObject{}
	case EventInvoicePaid, EventInvoicePaymentFailed:
		p = &InvoiceObject{}
	case EventPaymentIntentSuccess, EventPaymentIntentFailure:
		p = &PaymentIntentObject{}
	default:
		e.Payload = UnknownPayload{}
		return nil
	}

	if len(e.Raw) == 0 {
		return fmt.Errorf("event %s (%s) has no data object", e.ID, e.Type)
	}
	if err := json.Unmarshal(e.Raw, p); err != nil {
		return fmt.Errorf("decode %s object: %w", e.Type, err)
	}
	e.Payload = p
	return nil
}
