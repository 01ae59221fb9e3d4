package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// CRMCall is one recorded effect against MemoryCRM.
type CRMCall struct {
	Op             string
	EntityID       string
	Args           []string
	IdempotencyKey string
}

// MemoryCRM is an in-process CRM for development mode and tests. Effects
// with an idempotency key already seen are ignored.
type MemoryCRM struct {
	mu      sync.Mutex
	calls   []CRMCall
	seen    map[string]bool
	inbound map[string]time.Time
	fail    map[string]error
}

// NewMemoryCRM creates a new MemoryCRM.
func NewMemoryCRM() *MemoryCRM {
	return &MemoryCRM{
		seen:    make(map[string]bool),
		inbound: make(map[string]time.Time),
		fail:    make(map[string]error),
	}
}

// SetInbound records that entityID wrote to us at t.
func (m *MemoryCRM) SetInbound(entityID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound[entityID] = t
}

// FailOp makes every call of op return err until cleared with a nil err.
func (m *MemoryCRM) FailOp(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Calls returns a copy of the recorded effects.
func (m *MemoryCRM) Calls() []CRMCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CRMCall(nil), m.calls...)
}

func (m *MemoryCRM) record(op, entityID, key string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[op]; err != nil {
		return fmt.Errorf("%s %s: %w", op, entityID, err)
	}
	if key != "" {
		if m.seen[key] {
			return nil
		}
		m.seen[key] = true
	}
	m.calls = append(m.calls, CRMCall{Op: op, EntityID: entityID, Args: args, IdempotencyKey: key})
	return nil
}

// SendMessage records a message.
func (m *MemoryCRM) SendMessage(ctx context.Context, entityID, text, idempotencyKey string) error {
	return m.record("send_message", entityID, idempotencyKey, text)
}

// UpdateField records a field update.
func (m *MemoryCRM) UpdateField(ctx context.Context, entityID, field, value, idempotencyKey string) error {
	return m.record("update_field", entityID, idempotencyKey, field, value)
}

// TagEntity records a tag.
func (m *MemoryCRM) TagEntity(ctx context.Context, entityID, tag, idempotencyKey string) error {
	return m.record("tag_entity", entityID, idempotencyKey, tag)
}

// LastInboundAt returns the recorded inbound time.
func (m *MemoryCRM) LastInboundAt(ctx context.Context, entityID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["last_inbound_at"]; err != nil {
		return nil, err
	}
	t, ok := m.inbound[entityID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// EchoProvider answers every request with its last user message. It
// stands in for the AI provider when none is configured.
type EchoProvider struct{}

// Invoke returns the last message content.
func (EchoProvider) Invoke(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return &ProviderResponse{}, nil
	}
	return &ProviderResponse{Text: strings.TrimSpace(req.Messages[len(req.Messages)-1].Content), Model: "echo"}, nil
}
