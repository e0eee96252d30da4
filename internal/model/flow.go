package model

import (
	"time"

	"github.com/google/uuid"
)

// FlowStatus is the activation state of a flow.
type FlowStatus string

const (
	FlowStatusActive   FlowStatus = "active"
	FlowStatusInactive FlowStatus = "inactive"
)

// TriggerType is how a flow's runs are started.
type TriggerType string

const (
	TriggerOnce    TriggerType = "once"
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
)

// IsRecurring reports whether the trigger can start more than one run.
func (t TriggerType) IsRecurring() bool {
	return t == TriggerCron || t == TriggerWebhook
}

// Trigger is one way a flow is started. Spec is a cron expression for cron
// triggers and empty otherwise.
type Trigger struct {
	Type TriggerType `json:"type"`
	Spec string      `json:"spec,omitempty"`
}

// Flow is a user-defined task whose runs the engine executes.
type Flow struct {
	ID        uuid.UUID  `json:"id"`
	AccountID string     `json:"account_id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Task      string     `json:"task"`
	Status    FlowStatus `json:"status"`
	Triggers  []Trigger  `json:"triggers"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasRecurringTrigger reports whether the flow should stay active after a run.
func (f Flow) HasRecurringTrigger() bool {
	for _, t := range f.Triggers {
		if t.Type.IsRecurring() {
			return true
		}
	}
	return false
}
