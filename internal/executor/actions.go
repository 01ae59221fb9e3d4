package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"chainflow/internal/services"
	"chainflow/pkg/models"
)

// ErrUnknownAction is returned for action types with no registered handler.
var ErrUnknownAction = errors.New("unknown action type")

// ErrActionPanic wraps a panic raised by an action handler.
var ErrActionPanic = errors.New("action handler panicked")

// StopError asks the executor to cancel the run instead of continuing.
type StopError struct {
	Reason string
}

func (e *StopError) Error() string { return "run stopped: " + e.Reason }

// ActionContext is everything a handler knows about the action it runs.
type ActionContext struct {
	Chain     *models.Chain
	Run       *models.ChainRun
	StepIndex int
	Action    models.ChainStepAction
	// IdempotencyKey is runID:stepIndex:actionOrder, stable across retries.
	IdempotencyKey string
}

// Handler executes one action type.
type Handler interface {
	Execute(ctx context.Context, ac ActionContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ac ActionContext) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, ac ActionContext) error { return f(ctx, ac) }

// Dispatcher submits generation requests; *dispatch.Pool implements it.
type Dispatcher interface {
	Submit(ctx context.Context, req services.ProviderRequest) (*services.ProviderResponse, error)
}

// templateData is what instruction templates can reference.
type templateData struct {
	EntityID  string
	RunID     string
	ChainID   string
	ChainName string
	Step      int
	Params    map[string]string
}

func renderInstruction(ac ActionContext) (string, error) {
	tmpl, err := template.New("instruction").Option("missingkey=zero").Parse(ac.Action.Instruction)
	if err != nil {
		return "", fmt.Errorf("parse instruction: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, templateData{
		EntityID:  ac.Run.EntityID,
		RunID:     ac.Run.ID,
		ChainID:   ac.Chain.ID,
		ChainName: ac.Chain.Name,
		Step:      ac.StepIndex + 1,
		Params:    ac.Action.Params,
	})
	if err != nil {
		return "", fmt.Errorf("render instruction: %w", err)
	}
	return buf.String(), nil
}

const composePrompt = "You write one short outbound message to a CRM contact. Reply with the message text only."

func sendMessage(crm services.CRM, dispatcher Dispatcher) HandlerFunc {
	return func(ctx context.Context, ac ActionContext) error {
		text, err := renderInstruction(ac)
		if err != nil {
			return err
		}
		if ac.Action.Params["mode"] != "verbatim" {
			resp, err := dispatcher.Submit(ctx, services.ProviderRequest{
				Model: ac.Action.Params["model"],
				Messages: []services.Message{
					{Role: "system", Content: composePrompt},
					{Role: "user", Content: text},
				},
			})
			if err != nil {
				return fmt.Errorf("generate message: %w", err)
			}
			text = resp.Text
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return errors.New("message text is empty")
		}
		return crm.SendMessage(ctx, ac.Run.EntityID, text, ac.IdempotencyKey)
	}
}

func waitForReply(crm services.CRM) HandlerFunc {
	return func(ctx context.Context, ac ActionContext) error {
		last, err := crm.LastInboundAt(ctx, ac.Run.EntityID)
		if err != nil {
			return fmt.Errorf("check last inbound: %w", err)
		}
		since := ac.Run.CreatedAt
		if ac.Run.LastFiredAt != nil {
			since = *ac.Run.LastFiredAt
		}
		if last != nil && last.After(since) {
			return &StopError{Reason: models.CancelReasonReply}
		}
		return nil
	}
}

func updateField(crm services.CRM) HandlerFunc {
	return func(ctx context.Context, ac ActionContext) error {
		field := ac.Action.Params["field"]
		if field == "" {
			return errors.New("update_field needs params.field")
		}
		return crm.UpdateField(ctx, ac.Run.EntityID, field, ac.Action.Params["value"], ac.IdempotencyKey)
	}
}

func tagEntity(crm services.CRM) HandlerFunc {
	return func(ctx context.Context, ac ActionContext) error {
		tag := ac.Action.Params["tag"]
		if tag == "" {
			return errors.New("tag_entity needs params.tag")
		}
		return crm.TagEntity(ctx, ac.Run.EntityID, tag, ac.IdempotencyKey)
	}
}
