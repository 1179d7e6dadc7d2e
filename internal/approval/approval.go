// Package approval carries plans to the operator and decodes their verdict.
// A plan is announced as one message with approve/reject buttons; the
// operator may press a button, react with an emoji, or answer through the
// console. Every path converges on the same decision type.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/hibiki/internal/plan"
)

// Decision is the operator's verdict on a plan.
type Decision int

const (
	Approve Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Approve {
		return "approve"
	}
	return "reject"
}

// Channel delivers approval prompts and notifications to the operator.
type Channel interface {
	// PostPlan announces a pending plan and returns the id of the message
	// carrying the approve/reject controls.
	PostPlan(ctx context.Context, p *plan.Plan) (messageID string, err error)
	// Notify sends a plain informational message.
	Notify(ctx context.Context, text string) error
	// MarkResolved rewrites the plan message after resolution so its
	// controls stop inviting clicks.
	MarkResolved(ctx context.Context, messageID, verdict string) error
}

// EncodeCallback builds the button payload for a decision on a plan.
func EncodeCallback(d Decision, planID string) string {
	return d.String() + ":" + planID
}

// ErrReview marks a callback that asks to see the plan again instead of
// deciding it. DecodeCallback still returns the plan id alongside it.
var ErrReview = errors.New("approval: review requested")

// DecodeCallback parses a button payload. The plan id is whatever follows
// the first colon, so ids containing colons survive. The verb vocabulary
// folds onto the two decisions: approve, approve-all, execute, and run all
// accept; reject, reject-all, and cancel all decline. review yields
// ErrReview with the plan id.
func DecodeCallback(data string) (Decision, string, error) {
	verb, planID, ok := strings.Cut(data, ":")
	if !ok || planID == "" {
		return 0, "", fmt.Errorf("approval: malformed callback %q", data)
	}
	switch verb {
	case "approve", "approve-all", "execute", "run":
		return Approve, planID, nil
	case "reject", "reject-all", "cancel":
		return Reject, planID, nil
	case "review":
		return 0, planID, ErrReview
	default:
		return 0, "", fmt.Errorf("approval: unknown callback verb %q", verb)
	}
}

// Emoji families that read as a verdict. Skin-tone and presentation variants
// are normalized away before lookup.
var (
	positiveReactions = map[string]struct{}{
		"\U0001F44D": {}, // thumbs up
		"\U0001F44C": {}, // ok hand
		"✅":     {}, // check mark button
		"✔":     {}, // heavy check mark
		"\U0001F4AA": {}, // flexed biceps
	}
	negativeReactions = map[string]struct{}{
		"\U0001F44E": {}, // thumbs down
		"❌":     {}, // cross mark
		"\U0001F6AB": {}, // prohibited
		"\U0001F645": {}, // person gesturing no
	}
)

// DecisionFromReaction maps a reaction emoji onto a verdict. The second
// return is false for reactions that mean nothing here.
func DecisionFromReaction(emoji string) (Decision, bool) {
	base := normalizeEmoji(emoji)
	if _, ok := positiveReactions[base]; ok {
		return Approve, true
	}
	if _, ok := negativeReactions[base]; ok {
		return Reject, true
	}
	return 0, false
}

// normalizeEmoji strips skin-tone modifiers (U+1F3FB..U+1F3FF), variation
// selectors, zero-width joiners, and gender signs so 👍🏽 reads as 👍 and
// 🙅‍♀️ reads as 🙅.
func normalizeEmoji(emoji string) string {
	var b strings.Builder
	for _, r := range emoji {
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone modifier
		case r == 0xFE0E || r == 0xFE0F: // variation selectors
		case r == 0x200D: // zero-width joiner
		case r == 0x2640 || r == 0x2642: // gender signs
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
