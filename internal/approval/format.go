package approval

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/hibiki/internal/action"
	"github.com/ashita-ai/hibiki/internal/plan"
)

// FormatPlanMessage renders the approval prompt for a plan. Dangerous
// actions are flagged loudly; the short handle lets the operator answer
// from the console as well.
func FormatPlanMessage(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed [%s]\n", p.Short())
	if p.Summary != "" {
		b.WriteString(p.Summary)
		b.WriteString("\n")
	}
	var auto []string
	for i, act := range p.Actions {
		switch action.Classify(act.Type) {
		case action.Dangerous:
			fmt.Fprintf(&b, "%d. %s ⚠️\n", i+1, act.String())
		case action.Privileged:
			fmt.Fprintf(&b, "%d. %s ✳️\n", i+1, act.String())
		default:
			auto = append(auto, fmt.Sprintf("%d. %s", i+1, act.String()))
		}
	}
	if len(auto) > 0 {
		b.WriteString("Runs without asking once approved:\n")
		for _, line := range auto {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "Approve or reject all %d action(s): tap a button, react 👍/👎, or type `approve %s`.", len(p.Actions), p.Short())
	return b.String()
}

// FormatReport renders the post-execution summary for a resolved plan.
func FormatReport(p *plan.Plan, outputs []string) string {
	var b strings.Builder
	switch p.Status {
	case plan.StatusExecuted:
		fmt.Fprintf(&b, "Plan [%s] approved and executed.\n", p.Short())
	case plan.StatusApproved:
		fmt.Fprintf(&b, "Plan [%s] approved.\n", p.Short())
	case plan.StatusRejected:
		fmt.Fprintf(&b, "Plan [%s] rejected; nothing was executed.\n", p.Short())
	case plan.StatusExpired:
		fmt.Fprintf(&b, "Plan [%s] expired without a decision.\n", p.Short())
	default:
		fmt.Fprintf(&b, "Plan [%s]:\n", p.Short())
	}
	for i, act := range p.Actions {
		status := plan.ActionPending
		if i < len(p.ActionStatuses) {
			status = p.ActionStatuses[i]
		}
		fmt.Fprintf(&b, "%d. %s — %s", i+1, act.String(), statusGlyph(status))
		if i < len(outputs) && outputs[i] != "" {
			fmt.Fprintf(&b, ": %s", truncate(outputs[i], 200))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusGlyph(s plan.ActionStatus) string {
	switch s {
	case plan.ActionExecuted:
		return "done ✅"
	case plan.ActionFailed:
		return "failed ❌"
	case plan.ActionSkipped:
		return "skipped"
	default:
		return "pending"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
