package approval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/action"
	"github.com/ashita-ai/hibiki/internal/plan"
)

func TestCallbackRoundTrip(t *testing.T) {
	data := EncodeCallback(Approve, "plan-123")
	assert.Equal(t, "approve:plan-123", data)

	d, id, err := DecodeCallback(data)
	require.NoError(t, err)
	assert.Equal(t, Approve, d)
	assert.Equal(t, "plan-123", id)

	d, id, err = DecodeCallback("reject:11111111-2222")
	require.NoError(t, err)
	assert.Equal(t, Reject, d)
	assert.Equal(t, "11111111-2222", id)
}

func TestDecodeCallbackVerbAliases(t *testing.T) {
	for _, verb := range []string{"approve-all", "execute", "run"} {
		d, id, err := DecodeCallback(verb + ":plan-1")
		require.NoError(t, err, "verb=%q", verb)
		assert.Equal(t, Approve, d, "verb=%q", verb)
		assert.Equal(t, "plan-1", id)
	}
	for _, verb := range []string{"reject-all", "cancel"} {
		d, id, err := DecodeCallback(verb + ":plan-1")
		require.NoError(t, err, "verb=%q", verb)
		assert.Equal(t, Reject, d, "verb=%q", verb)
		assert.Equal(t, "plan-1", id)
	}
}

func TestDecodeCallbackReview(t *testing.T) {
	_, id, err := DecodeCallback("review:plan-9")
	require.ErrorIs(t, err, ErrReview)
	assert.Equal(t, "plan-9", id)
}

func TestDecodeCallbackRejectsGarbage(t *testing.T) {
	for _, data := range []string{"", "approve", "approve:", "nuke:plan-1", "plan-1"} {
		_, _, err := DecodeCallback(data)
		assert.Error(t, err, "data=%q", data)
	}
}

func TestDecisionFromReaction(t *testing.T) {
	cases := []struct {
		emoji    string
		decision Decision
		ok       bool
	}{
		{"\U0001F44D", Approve, true},                    // 👍
		{"\U0001F44D\U0001F3FD", Approve, true},          // 👍🏽 medium skin tone
		{"\U0001F44D\U0001F3FF", Approve, true},          // 👍🏿 dark skin tone
		{"✅", Approve, true},                        // ✅
		{"✔️", Approve, true},                  // ✔️ with variation selector
		{"\U0001F44C\U0001F3FB", Approve, true},          // 👌🏻
		{"\U0001F44E", Reject, true},                     // 👎
		{"\U0001F44E\U0001F3FC", Reject, true},           // 👎🏼
		{"❌", Reject, true},                         // ❌
		{"\U0001F6AB", Reject, true},                     // 🚫
		{"\U0001F645‍♀️", Reject, true},   // 🙅‍♀️ gendered variant
		{"\U0001F389", 0, false},                         // 🎉 means nothing
		{"❤️", 0, false},                       // ❤️ means nothing
		{"", 0, false},
	}
	for _, tc := range cases {
		d, ok := DecisionFromReaction(tc.emoji)
		assert.Equal(t, tc.ok, ok, "emoji=%q", tc.emoji)
		if tc.ok {
			assert.Equal(t, tc.decision, d, "emoji=%q", tc.emoji)
		}
	}
}

func makePlan() *plan.Plan {
	return &plan.Plan{
		ID:             "00000000-0000-0000-0000-000000abc123",
		ConversationID: "conv-1",
		Summary:        "Send the notes and tidy up.",
		Actions: []action.Action{
			{Type: action.TypeSendEmail, Description: "Email Bob the notes", Params: json.RawMessage(`{"to":"bob@example.com"}`)},
			{Type: action.TypeRunCommand, Description: "Show git status", Params: json.RawMessage(`{"command":"git status"}`)},
			{Type: action.TypeAddTask, Description: "Water plants"},
		},
		ActionStatuses: []plan.ActionStatus{plan.ActionPending, plan.ActionPending, plan.ActionPending},
		Status:         plan.StatusPending,
	}
}

func TestFormatPlanMessage(t *testing.T) {
	msg := FormatPlanMessage(makePlan())
	assert.Contains(t, msg, "[abc123]")
	assert.Contains(t, msg, "1. send_email: Email Bob the notes ✳️")
	assert.Contains(t, msg, "2. run_command: Show git status ⚠️")
	assert.Contains(t, msg, "Runs without asking once approved:\n3. add_task: Water plants\n")
	assert.Contains(t, msg, "approve abc123")
	assert.Contains(t, msg, "all 3 action(s)")
}

func TestFormatReport(t *testing.T) {
	p := makePlan()
	p.Status = plan.StatusApproved
	p.ActionStatuses = []plan.ActionStatus{plan.ActionExecuted, plan.ActionFailed, plan.ActionSkipped}

	report := FormatReport(p, []string{"mail queued", "", ""})
	assert.Contains(t, report, "approved")
	assert.Contains(t, report, "done ✅: mail queued")
	assert.Contains(t, report, "failed ❌")
	assert.Contains(t, report, "skipped")

	p.Status = plan.StatusExecuted
	report = FormatReport(p, []string{"mail queued", "", ""})
	assert.Contains(t, report, "approved and executed")

	p.Status = plan.StatusRejected
	report = FormatReport(p, nil)
	assert.Contains(t, report, "nothing was executed")
}
