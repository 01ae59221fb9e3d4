package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chainflow/pkg/models"
)

// client talks to the chainflow REST API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError carries the problem details of a failed call.
type apiError struct {
	Status  int
	Problem models.ProblemDetails
}

func (e *apiError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Problem.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Problem)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) stats(ctx context.Context) (*models.OperationalStats, error) {
	var stats models.OperationalStats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *client) runs(ctx context.Context, filter models.RunFilter) ([]*models.ChainRun, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.ChainID != "" {
		query.Set("chain_id", filter.ChainID)
	}
	if filter.EntityID != "" {
		query.Set("entity_id", filter.EntityID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out []*models.ChainRun
	err := c.do(ctx, http.MethodGet, "/runs", query, nil, &out)
	return out, err
}

func (c *client) cancelRun(ctx context.Context, id string) (*models.ChainRun, error) {
	var run models.ChainRun
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/cancel", nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *client) deadLetters(ctx context.Context, limit int) ([]*models.WebhookJob, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []*models.WebhookJob
	err := c.do(ctx, http.MethodGet, "/webhooks/dead", query, nil, &out)
	return out, err
}

func (c *client) requeue(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/webhooks/dead/"+url.PathEscape(id)+"/requeue", nil, nil, nil)
}
