// Package plan stores pending action plans between extraction and
// resolution. A plan is the unit of approval: the operator approves or
// rejects it once, and exactly one resolution wins no matter how many
// callbacks, reactions, or console commands race.
package plan

import (
	"errors"
	"strings"
	"time"

	"github.com/ashita-ai/hibiki/internal/action"
)

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool { return s != StatusPending }

// ActionStatus tracks one action's fate within a plan.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
	ActionSkipped  ActionStatus = "skipped"
)

// Plan is a batch of proposed actions awaiting one approval decision.
type Plan struct {
	ID             string
	ConversationID string
	Summary        string
	Actions        []action.Action
	ActionStatuses []ActionStatus
	Status         Status
	MessageID      string
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

// suffixLen is how many trailing id characters form the short handle shown
// to operators.
const suffixLen = 6

// ShortID returns the short handle for a plan id: the last characters with
// hyphens ignored.
func ShortID(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) <= suffixLen {
		return compact
	}
	return compact[len(compact)-suffixLen:]
}

// Short returns the plan's short handle.
func (p *Plan) Short() string { return ShortID(p.ID) }

// Clone returns a copy safe to hand outside the store.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Actions = append([]action.Action(nil), p.Actions...)
	cp.ActionStatuses = append([]ActionStatus(nil), p.ActionStatuses...)
	return &cp
}

// Store errors.
var (
	ErrNotFound  = errors.New("plan: not found")
	ErrAmbiguous = errors.New("plan: short id is ambiguous")
	ErrExists    = errors.New("plan: already exists")
)

// Store persists plans and guarantees single-winner resolution.
type Store interface {
	// Put registers a new pending plan under its id, conversation, and
	// short handle.
	Put(p *Plan) error
	// BindMessage indexes the plan under the approval message that
	// announces it.
	BindMessage(planID, messageID string) error
	// Get looks a plan up by full id.
	Get(planID string) (*Plan, error)
	// GetByShort looks a pending plan up by its short handle.
	GetByShort(short string) (*Plan, error)
	// GetByConversation returns the most recent pending plan in a
	// conversation.
	GetByConversation(conversationID string) (*Plan, error)
	// GetByMessage looks a pending plan up by its approval message.
	GetByMessage(messageID string) (*Plan, error)
	// Resolve moves a pending plan to status atomically. The first caller
	// wins and gets won=true; later callers get the already resolved plan
	// and won=false.
	Resolve(planID string, status Status) (p *Plan, won bool, err error)
	// SetActionStatus records the fate of one action after resolution.
	SetActionStatus(planID string, idx int, status ActionStatus) error
	// MarkExecuted advances an approved plan to executed once its
	// execution pass has finished. Plans in any other state are left
	// unchanged.
	MarkExecuted(planID string) error
	// Pending lists pending plans, newest first.
	Pending() ([]*Plan, error)
	// Close releases store resources.
	Close() error
}
