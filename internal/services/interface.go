package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one chat message sent to the AI provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderRequest is the payload of one generation request.
type ProviderRequest struct {
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ProviderResponse is the generated text.
type ProviderResponse struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// Provider is an interface for communicating with the external AI provider.
type Provider interface {
	// Invoke runs one generation. The context carries timeout and cancellation.
	Invoke(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
}

// CRM is the narrow surface of the CRM gateway that step actions use.
// Every write carries an idempotency key so retried steps do not repeat
// side effects.
type CRM interface {
	SendMessage(ctx context.Context, entityID, text, idempotencyKey string) error
	UpdateField(ctx context.Context, entityID, field, value, idempotencyKey string) error
	TagEntity(ctx context.Context, entityID, tag, idempotencyKey string) error
	// LastInboundAt returns when the entity last wrote to us, nil if never.
	LastInboundAt(ctx context.Context, entityID string) (*time.Time, error)
}

// StatusError is a non-2xx answer from a collaborator.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying (429 and 5xx).
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetryable reports whether err is a retryable collaborator error.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return false
}
