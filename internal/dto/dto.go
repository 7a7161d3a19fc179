package dto

// WebhookResult describes an accepted delivery.
type WebhookResult struct {
	EventID   string
	EventType string
	Message   string

	// SubscriptionID is set when the delivery touched a subscription.
	SubscriptionID string
}

type WebhookResponse struct {
	Received       bool   `json:"received"`
	Message        string `json:"message,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
