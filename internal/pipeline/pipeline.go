// Package pipeline orchestrates one assistant turn end to end: stream the
// reply, lift out approval-gated actions, park them as a plan, collect the
// operator's verdict, and run or skip the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/action"
	"github.com/ashita-ai/hibiki/internal/approval"
	"github.com/ashita-ai/hibiki/internal/executor"
	"github.com/ashita-ai/hibiki/internal/gateway"
	"github.com/ashita-ai/hibiki/internal/plan"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// Stream is one turn's pull stream of assistant output.
type Stream interface {
	Next(ctx context.Context) (gateway.StreamItem, error)
	Close() error
}

// Streamer opens turn streams against the gateway.
type Streamer interface {
	StreamTurn(ctx context.Context, sessionKey, message string, opts gateway.TurnOptions) (Stream, error)
}

// Config tunes the pipeline.
type Config struct {
	SessionKey  string
	TurnTimeout time.Duration
	TurnOptions gateway.TurnOptions
}

// Pipeline wires the subsystems together. The approval channel is optional;
// without one, plans are resolved through the console only.
type Pipeline struct {
	cfg     Config
	gw      Streamer
	store   plan.Store
	channel approval.Channel
	exec    *executor.Executor
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New assembles a pipeline.
func New(cfg Config, gw Streamer, store plan.Store, channel approval.Channel, exec *executor.Executor, metrics *telemetry.Metrics, logger *slog.Logger) (*Pipeline, error) {
	if gw == nil || store == nil || exec == nil {
		return nil, fmt.Errorf("pipeline: streamer, store, and executor are required")
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = "main"
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		var err error
		metrics, err = telemetry.NewMetrics()
		if err != nil {
			return nil, err
		}
	}
	return &Pipeline{
		cfg:     cfg,
		gw:      gw,
		store:   store,
		channel: channel,
		exec:    exec,
		metrics: metrics,
		logger:  logger.With("component", "pipeline"),
	}, nil
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	// Reply is the assistant's text with action markers stripped.
	Reply string
	// Plan is the pending plan created for this turn, nil when the reply
	// proposed no actions.
	Plan *plan.Plan
}

// RunTurn sends one user message and consumes the reply stream. onDelta, if
// set, observes raw text increments as they arrive. When the reply proposes
// actions a pending plan is stored and announced.
func (pl *Pipeline) RunTurn(ctx context.Context, conversationID, message string, onDelta func(string)) (*TurnResult, error) {
	pl.metrics.TurnsStarted.Add(ctx, 1)

	turnCtx, cancel := context.WithTimeout(ctx, pl.cfg.TurnTimeout)
	defer cancel()

	stream, err := pl.gw.StreamTurn(turnCtx, pl.cfg.SessionKey, message, pl.cfg.TurnOptions)
	if err != nil {
		pl.metrics.TurnsFailed.Add(ctx, 1)
		return nil, err
	}
	defer stream.Close()

	var text strings.Builder
	for {
		item, err := stream.Next(turnCtx)
		if err != nil {
			pl.metrics.TurnsFailed.Add(ctx, 1)
			return nil, err
		}
		if item.Err != nil {
			pl.metrics.TurnsFailed.Add(ctx, 1)
			return nil, item.Err
		}
		if item.Done {
			break
		}
		text.WriteString(item.Delta)
		if onDelta != nil {
			onDelta(item.Delta)
		}
	}

	actions, reply, malformed := action.Extract(text.String())
	for _, m := range malformed {
		pl.logger.Warn("skipping malformed approval marker", "offset", m.Offset, "reason", m.Reason)
	}
	result := &TurnResult{Reply: reply}
	if len(actions) == 0 {
		return result, nil
	}

	p := &plan.Plan{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Summary:        summarize(reply),
		Actions:        actions,
	}
	if err := pl.store.Put(p); err != nil {
		return nil, fmt.Errorf("pipeline: store plan: %w", err)
	}
	pl.metrics.PlansCreated.Add(ctx, 1)
	pl.logger.Info("plan created", "plan", p.Short(), "actions", len(actions))

	// A plan of purely safe actions needs no one's blessing.
	if !needsApproval(actions) {
		outcome, err := pl.Decide(ctx, p.ID, approval.Approve)
		if err != nil {
			return nil, fmt.Errorf("pipeline: auto-run plan: %w", err)
		}
		result.Plan = outcome.Plan
		return result, nil
	}

	if pl.channel != nil {
		// Announcement failures are not fatal: the console can still
		// resolve the plan by its short handle.
		msgID, err := pl.channel.PostPlan(ctx, p)
		if err != nil {
			pl.logger.Warn("plan announcement failed", "plan", p.Short(), "error", err)
		} else if err := pl.store.BindMessage(p.ID, msgID); err != nil {
			pl.logger.Warn("plan message binding failed", "plan", p.Short(), "error", err)
		}
	}

	stored, err := pl.store.Get(p.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: reload plan: %w", err)
	}
	result.Plan = stored
	return result, nil
}

// needsApproval reports whether any action sits above the safe tier.
func needsApproval(actions []action.Action) bool {
	for _, act := range actions {
		if action.Classify(act.Type) != action.Safe {
			return true
		}
	}
	return false
}

// summarize keeps the first line of the reply as the plan summary.
func summarize(reply string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(reply), "\n")
	if r := []rune(line); len(r) > 140 {
		line = string(r[:140])
	}
	return line
}

// HandleCallback resolves a plan from an approval button press. The
// returned text is surfaced as the press acknowledgment.
func (pl *Pipeline) HandleCallback(ctx context.Context, messageID, data string) string {
	decision, planID, err := approval.DecodeCallback(data)
	if errors.Is(err, approval.ErrReview) {
		p, lookErr := pl.store.Get(planID)
		if lookErr != nil {
			return "This plan is gone."
		}
		return fmt.Sprintf("Plan [%s] is %s: %s", p.Short(), p.Status, p.Summary)
	}
	if err != nil {
		pl.logger.Warn("dropping malformed callback", "data", data, "error", err)
		return ""
	}
	outcome, err := pl.Decide(ctx, planID, decision)
	if err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			return "This plan is gone."
		}
		pl.logger.Error("callback resolution failed", "plan", planID, "error", err)
		return "Something went wrong."
	}
	return outcome.Ack
}

// HandleReaction resolves a plan from an emoji reaction on its announcement
// message. Reactions that carry no verdict are ignored.
func (pl *Pipeline) HandleReaction(ctx context.Context, messageID, emoji string) {
	decision, ok := approval.DecisionFromReaction(emoji)
	if !ok {
		return
	}
	p, err := pl.store.GetByMessage(messageID)
	if err != nil {
		// Reactions on old or foreign messages are routine noise.
		pl.logger.Debug("reaction without a pending plan", "message", messageID)
		return
	}
	if _, err := pl.Decide(ctx, p.ID, decision); err != nil {
		pl.logger.Error("reaction resolution failed", "plan", p.ID, "error", err)
	}
}

// Outcome reports a resolution attempt.
type Outcome struct {
	// Plan is the plan after resolution and, when approved, execution.
	Plan *plan.Plan
	// Won is false when another resolution got there first.
	Won bool
	// Ack is a one-line acknowledgment for the resolver.
	Ack string
	// Report is the full execution report, empty for lost races.
	Report string
}

// Resolve looks a plan up by reference and applies the decision. The
// reference may be a full plan id, a short handle, or a conversation id (the
// newest pending plan in it).
func (pl *Pipeline) Resolve(ctx context.Context, ref string, decision approval.Decision) (*Outcome, error) {
	p, err := pl.findPlan(ref)
	if err != nil {
		return nil, err
	}
	return pl.Decide(ctx, p.ID, decision)
}

// Lookup finds a plan by full id, short handle, or conversation id without
// deciding it.
func (pl *Pipeline) Lookup(ref string) (*plan.Plan, error) {
	return pl.findPlan(ref)
}

func (pl *Pipeline) findPlan(ref string) (*plan.Plan, error) {
	if p, err := pl.store.Get(ref); err == nil {
		return p, nil
	}
	if p, err := pl.store.GetByShort(ref); err == nil {
		return p, nil
	} else if errors.Is(err, plan.ErrAmbiguous) {
		return nil, err
	}
	return pl.store.GetByConversation(ref)
}

// Decide applies a verdict to the plan with the given id. Exactly one
// decision wins; the rest observe the winner's result.
func (pl *Pipeline) Decide(ctx context.Context, planID string, decision approval.Decision) (*Outcome, error) {
	status := plan.StatusApproved
	if decision == approval.Reject {
		status = plan.StatusRejected
	}
	p, won, err := pl.store.Resolve(planID, status)
	if err != nil {
		return nil, err
	}
	if !won {
		return &Outcome{
			Plan: p,
			Ack:  fmt.Sprintf("Plan [%s] was already %s.", p.Short(), p.Status),
		}, nil
	}
	pl.metrics.PlansResolved.Add(ctx, 1)
	pl.logger.Info("plan resolved", "plan", p.Short(), "status", string(p.Status))

	var outputs []string
	if decision == approval.Approve {
		p, outputs = pl.executePlan(ctx, p)
	} else {
		p = pl.skipPlan(p)
	}

	report := approval.FormatReport(p, outputs)
	pl.announceResolution(ctx, p, report)

	ack := fmt.Sprintf("Plan [%s] approved.", p.Short())
	if decision == approval.Reject {
		ack = fmt.Sprintf("Plan [%s] rejected.", p.Short())
	}
	return &Outcome{Plan: p, Won: true, Ack: ack, Report: report}, nil
}

func (pl *Pipeline) executePlan(ctx context.Context, p *plan.Plan) (*plan.Plan, []string) {
	results := pl.exec.Execute(ctx, p)
	outputs := make([]string, len(results))
	for _, res := range results {
		outputs[res.Index] = res.Output
		if err := pl.store.SetActionStatus(p.ID, res.Index, res.Status); err != nil {
			pl.logger.Warn("action status update failed", "plan", p.Short(), "index", res.Index, "error", err)
		}
		switch res.Status {
		case plan.ActionExecuted:
			pl.metrics.ActionsExecuted.Add(ctx, 1)
		case plan.ActionFailed:
			pl.metrics.ActionsFailed.Add(ctx, 1)
			pl.logger.Warn("action failed", "plan", p.Short(), "type", res.Action.Type, "error", res.Err)
		}
	}
	if err := pl.store.MarkExecuted(p.ID); err != nil {
		pl.logger.Warn("plan status update failed", "plan", p.Short(), "error", err)
	}
	refreshed, err := pl.store.Get(p.ID)
	if err != nil {
		return p, outputs
	}
	return refreshed, outputs
}

// skipPlan annotates every unexecuted action of a rejected plan.
func (pl *Pipeline) skipPlan(p *plan.Plan) *plan.Plan {
	for i, status := range p.ActionStatuses {
		if status != plan.ActionPending {
			continue
		}
		if err := pl.store.SetActionStatus(p.ID, i, plan.ActionSkipped); err != nil {
			pl.logger.Warn("action status update failed", "plan", p.Short(), "index", i, "error", err)
		}
	}
	refreshed, err := pl.store.Get(p.ID)
	if err != nil {
		return p
	}
	return refreshed
}

func (pl *Pipeline) announceResolution(ctx context.Context, p *plan.Plan, report string) {
	if pl.channel == nil {
		return
	}
	if p.MessageID != "" {
		if err := pl.channel.MarkResolved(ctx, p.MessageID, report); err != nil {
			pl.logger.Warn("resolution announcement failed", "plan", p.Short(), "error", err)
		}
		return
	}
	if err := pl.channel.Notify(ctx, report); err != nil {
		pl.logger.Warn("resolution notification failed", "plan", p.Short(), "error", err)
	}
}

// Fallback renders a turn failure as something fit to say out loud.
func Fallback(err error) string {
	switch {
	case gateway.IsAuthError(err):
		return "I couldn't authenticate with the assistant. Check the gateway credentials."
	case gateway.IsTimeout(err):
		return "The assistant is taking too long to answer. Try again in a moment."
	case errors.Is(err, context.DeadlineExceeded):
		return "The assistant is taking too long to answer. Try again in a moment."
	default:
		return "I couldn't reach the assistant just now. Try again in a moment."
	}
}
