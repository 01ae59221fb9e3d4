package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProvider is an HTTP implementation of the Provider interface against
// an OpenAI-compatible chat-completions endpoint.
type HTTPProvider struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewHTTPProvider creates a new HTTPProvider.
func NewHTTPProvider(url, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		model:  model,
		client: &http.Client{},
	}
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Invoke sends one chat-completion request.
func (c *HTTPProvider) Invoke(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/chat/completions", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Service: "provider", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	return &ProviderResponse{Text: completion.Choices[0].Message.Content, Model: completion.Model}, nil
}
