package hibiki

import (
	"encoding/json"
	"time"
)

// ProposedAction is the public representation of one action within a plan.
// It is a curated view of internal/action.Action for use in extension
// interfaces. No internal package imports — safe to use from outside the
// module.
type ProposedAction struct {
	Type        string
	Description string
	Params      json.RawMessage
	// Privilege is the sensitivity tier: safe | privileged | dangerous.
	Privilege string
	// Status is the action's fate after resolution:
	// pending | executed | failed | skipped.
	Status string
}

// Plan is the public representation of a pending or resolved action batch.
type Plan struct {
	ID string
	// Short is the abbreviated handle shown to operators ("approve a1b2c3").
	Short          string
	ConversationID string
	Summary        string
	Actions        []ProposedAction
	// Status is the plan's lifecycle state:
	// pending | approved | executed | rejected | expired.
	Status string
	// MessageID is the approval-channel message carrying the plan's
	// controls, empty when no channel is configured.
	MessageID  string
	CreatedAt  time.Time
	ResolvedAt time.Time // zero while pending
}

// Turn is the outcome of one user message.
type Turn struct {
	// Reply is the assistant's text with action markers stripped.
	Reply string
	// Plan is the pending plan created for this turn, nil when the reply
	// proposed no actions.
	Plan *Plan
}

// Resolution is the outcome of an approve or reject call.
type Resolution struct {
	// Plan is the plan after resolution and, when approved, execution.
	Plan Plan
	// Won is false when another resolution got there first; the plan then
	// reflects the earlier verdict and nothing was re-executed.
	Won bool
	// Ack is a one-line acknowledgment for the resolver.
	Ack string
	// Report is the full execution report, empty for lost races.
	Report string
}
