package models

import (
	"time"
)

// ConditionType controls which CRM stages start a chain
type ConditionType string

const (
	ConditionAny      ConditionType = "any"
	ConditionSpecific ConditionType = "specific"
)

// DelayUnit is the unit of a step delay
type DelayUnit string

const (
	DelayMinute DelayUnit = "minute"
	DelayHour   DelayUnit = "hour"
	DelayDay    DelayUnit = "day"
)

// MaxStepDelay is the longest delay a single step may have.
const MaxStepDelay = 3650 * 24 * time.Hour

// Duration returns one unit; unknown units count as minutes.
func (u DelayUnit) Duration() time.Duration {
	switch u {
	case DelayHour:
		return time.Hour
	case DelayDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// ActionType names a step action handler. The set is open; unknown types
// fail at execution time.
type ActionType string

const (
	ActionSendMessage  ActionType = "send_message"
	ActionWaitForReply ActionType = "wait_for_reply"
	ActionUpdateField  ActionType = "update_field"
	ActionTagEntity    ActionType = "tag_entity"
)

// Chain is a tenant-defined multi-step automation triggered by a CRM condition.
type Chain struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agent_id"`
	Name           string           `json:"name"`
	Active         bool             `json:"active"`
	ConditionType  ConditionType    `json:"condition_type"`
	ExcludeMatched bool             `json:"exclude_matched"`
	RunLimit       int              `json:"run_limit"`
	Timezone       string           `json:"timezone"`
	Conditions     []ChainCondition `json:"conditions"`
	Steps          []ChainStep      `json:"steps"`
	Schedule       []ChainSchedule  `json:"schedule"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	DeletedAt      *time.Time       `json:"-"`
}

// ChainCondition ties a chain to a CRM stage
type ChainCondition struct {
	ChainID string `json:"chain_id,omitempty"`
	StageID string `json:"stage_id"`
}

// ChainStep is an ordered, delayed stage of a chain
type ChainStep struct {
	ID         string            `json:"id"`
	ChainID    string            `json:"chain_id,omitempty"`
	Order      int               `json:"order"`
	DelayValue int               `json:"delay_value"`
	DelayUnit  DelayUnit         `json:"delay_unit"`
	Actions    []ChainStepAction `json:"actions"`
}

// Delay returns the step delay as a duration. Values beyond MaxStepDelay
// are clamped to it.
func (s ChainStep) Delay() time.Duration {
	unit := s.DelayUnit.Duration()
	if int64(s.DelayValue) > int64(MaxStepDelay/unit) {
		return MaxStepDelay
	}
	return time.Duration(s.DelayValue) * unit
}

// ChainStepAction is one scripted action of a step
type ChainStepAction struct {
	ID          string            `json:"id"`
	StepID      string            `json:"step_id,omitempty"`
	Order       int               `json:"order"`
	Type        ActionType        `json:"type"`
	Instruction string            `json:"instruction"`
	Params      map[string]string `json:"params,omitempty"`
}

// ChainSchedule is the allowed firing window for one weekday (Mon=0..Sun=6).
// Times are HH:MM in the chain timezone.
type ChainSchedule struct {
	ChainID   string `json:"chain_id,omitempty"`
	Weekday   int    `json:"weekday"`
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// DefaultSchedule returns the every-day 08:00-22:00 schedule.
func DefaultSchedule() []ChainSchedule {
	schedule := make([]ChainSchedule, 7)
	for day := range schedule {
		schedule[day] = ChainSchedule{
			Weekday:   day,
			Enabled:   true,
			StartTime: "08:00",
			EndTime:   "22:00",
		}
	}
	return schedule
}

// StepAt returns the step at a zero-based index, or false past the last step.
func (c *Chain) StepAt(index int) (ChainStep, bool) {
	if index < 0 || index >= len(c.Steps) {
		return ChainStep{}, false
	}
	return c.Steps[index], true
}

// HasStage reports whether stageID is one of the chain's conditions.
func (c *Chain) HasStage(stageID string) bool {
	for _, cond := range c.Conditions {
		if cond.StageID == stageID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the chain graph.
func (c *Chain) Clone() *Chain {
	if c == nil {
		return nil
	}
	out := *c
	out.Conditions = append([]ChainCondition(nil), c.Conditions...)
	out.Schedule = append([]ChainSchedule(nil), c.Schedule...)
	out.Steps = make([]ChainStep, len(c.Steps))
	for i, step := range c.Steps {
		step.Actions = append([]ChainStepAction(nil), step.Actions...)
		for j, action := range step.Actions {
			if action.Params != nil {
				params := make(map[string]string, len(action.Params))
				for k, v := range action.Params {
					params[k] = v
				}
				step.Actions[j].Params = params
			}
		}
		out.Steps[i] = step
	}
	if c.DeletedAt != nil {
		deleted := *c.DeletedAt
		out.DeletedAt = &deleted
	}
	return &out
}
