// Package action extracts approval-gated actions from assistant text and
// classifies their privilege level.
//
// The assistant marks side effects it wants performed with inline markers of
// the form [NEEDS_APPROVAL: {"type":...,"description":...,"params":{...}}].
// Nothing in a marker is trusted: extraction is purely syntactic and every
// action goes through classification before anything runs.
package action

import (
	"encoding/json"
	"fmt"
)

// Known action types.
const (
	TypeSendEmail     = "send_email"
	TypeSendMessage   = "send_message"
	TypeAddTask       = "add_task"
	TypeSetReminder   = "set_reminder"
	TypeCheckCalendar = "check_calendar"
	TypeRunCommand    = "run_command"
)

// Action is one side effect proposed by the assistant.
type Action struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// Param returns the named string parameter, or "" when absent or not a
// string.
func (a Action) Param(key string) string {
	var m map[string]any
	if err := json.Unmarshal(a.Params, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// String renders the action for logs and approval prompts.
func (a Action) String() string {
	if a.Description != "" {
		return fmt.Sprintf("%s: %s", a.Type, a.Description)
	}
	return a.Type
}

// Privilege is the risk tier of an action type.
type Privilege int

const (
	// Safe actions read or record information the operator already owns.
	Safe Privilege = iota
	// Privileged actions communicate on the operator's behalf.
	Privileged
	// Dangerous actions run arbitrary code or are not recognized at all.
	Dangerous
)

func (p Privilege) String() string {
	switch p {
	case Safe:
		return "safe"
	case Privileged:
		return "privileged"
	case Dangerous:
		return "dangerous"
	default:
		return fmt.Sprintf("privilege(%d)", int(p))
	}
}

// Classify maps an action type onto its privilege tier. Unrecognized types
// are dangerous: a typo'd or novel type must never slip through as safe.
func Classify(actionType string) Privilege {
	switch actionType {
	case TypeAddTask, TypeSetReminder, TypeCheckCalendar:
		return Safe
	case TypeSendEmail, TypeSendMessage:
		return Privileged
	case TypeRunCommand:
		return Dangerous
	default:
		return Dangerous
	}
}

// Known reports whether the action type has an executor binding.
func Known(actionType string) bool {
	switch actionType {
	case TypeSendEmail, TypeSendMessage, TypeAddTask, TypeSetReminder, TypeCheckCalendar, TypeRunCommand:
		return true
	default:
		return false
	}
}
