package service

import "errors"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrUserNotFound     = errors.New("unable to find associated user")
)

// WebhookError is returned by HandleWebhook when a delivery is not
// accepted. Message is the short text reported back to the processor.
type WebhookError struct {
	Message string
	Err     error
}

func (e *WebhookError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *WebhookError) Unwrap() error {
	return e.Err
}

func fail(message string, err error) error {
	return &WebhookError{Message: message, Err: err}
}

// IsClientError reports whether err should be answered with a 400-class
// status. Redelivering such an event cannot succeed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUserNotFound)
}
