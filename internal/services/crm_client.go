package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// HTTPCRM talks to the CRM gateway. When a token URL is configured requests
// are authenticated with OAuth2 client credentials.
type HTTPCRM struct {
	baseURL string
	client  *http.Client
}

// CRMOptions configures NewHTTPCRM.
type CRMOptions struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// NewHTTPCRM creates a new HTTPCRM. ctx bounds token fetches.
func NewHTTPCRM(ctx context.Context, opts CRMOptions) *HTTPCRM {
	client := &http.Client{Timeout: 30 * time.Second}
	if opts.TokenURL != "" {
		cfg := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
		}
		client = cfg.Client(ctx)
		client.Timeout = 30 * time.Second
	}
	return &HTTPCRM{baseURL: strings.TrimRight(opts.URL, "/"), client: client}
}

func (c *HTTPCRM) entityURL(entityID string, parts ...string) string {
	segments := append([]string{c.baseURL, "entities", url.PathEscape(entityID)}, parts...)
	return strings.Join(segments, "/")
}

func (c *HTTPCRM) do(ctx context.Context, method, target, idempotencyKey string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Service: "crm", StatusCode: resp.StatusCode, Body: string(msg)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response body: %w", err)
		}
	}
	return nil
}

// SendMessage posts a message into the entity's conversation.
func (c *HTTPCRM) SendMessage(ctx context.Context, entityID, text, idempotencyKey string) error {
	return c.do(ctx, http.MethodPost, c.entityURL(entityID, "messages"), idempotencyKey,
		map[string]string{"text": text}, nil)
}

// UpdateField sets one CRM field of the entity.
func (c *HTTPCRM) UpdateField(ctx context.Context, entityID, field, value, idempotencyKey string) error {
	return c.do(ctx, http.MethodPut, c.entityURL(entityID, "fields", url.PathEscape(field)), idempotencyKey,
		map[string]string{"value": value}, nil)
}

// TagEntity adds a tag to the entity.
func (c *HTTPCRM) TagEntity(ctx context.Context, entityID, tag, idempotencyKey string) error {
	return c.do(ctx, http.MethodPost, c.entityURL(entityID, "tags"), idempotencyKey,
		map[string]string{"tag": tag}, nil)
}

// LastInboundAt returns the time of the entity's latest inbound message.
func (c *HTTPCRM) LastInboundAt(ctx context.Context, entityID string) (*time.Time, error) {
	var out struct {
		LastInboundAt *time.Time `json:"last_inbound_at"`
	}
	if err := c.do(ctx, http.MethodGet, c.entityURL(entityID, "last-inbound"), "", nil, &out); err != nil {
		return nil, err
	}
	return out.LastInboundAt, nil
}
