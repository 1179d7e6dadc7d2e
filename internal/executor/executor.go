// Package executor turns approved actions into external command invocations.
// Each action type maps to one helper command; free-form commands are gated
// by an allow-list checked here, at the last moment before execution, so no
// upstream bug can smuggle a command past it.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/hibiki/internal/action"
	"github.com/ashita-ai/hibiki/internal/plan"
)

// CommandRunner abstracts process execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Result is the outcome of one action.
type Result struct {
	Index  int
	Action action.Action
	Status plan.ActionStatus
	Output string
	Err    error
}

// Config tunes the executor.
type Config struct {
	// CommandTimeout bounds each helper invocation.
	CommandTimeout time.Duration
	// AllowedCommands are the permitted prefixes for run_command actions.
	// A command passes when it equals a prefix or continues one with
	// further arguments.
	AllowedCommands []string
}

// Executor runs a resolved plan's actions.
type Executor struct {
	cfg    Config
	runner CommandRunner
	logger *slog.Logger
}

// New creates an executor. A nil runner uses the real process runner.
func New(cfg Config, runner CommandRunner, logger *slog.Logger) *Executor {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if runner == nil {
		runner = &ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, runner: runner, logger: logger.With("component", "executor")}
}

// Execute runs every still-pending action in the plan and returns one result
// per action, in order. A failing action never aborts the batch; its result
// records the failure and the rest proceed. Actions already marked (for
// example skipped on rejection) are reported as-is without running.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) []Result {
	results := make([]Result, len(p.Actions))
	for i, act := range p.Actions {
		status := plan.ActionPending
		if i < len(p.ActionStatuses) {
			status = p.ActionStatuses[i]
		}
		if status != plan.ActionPending {
			results[i] = Result{Index: i, Action: act, Status: status}
			continue
		}
		results[i] = e.runAction(ctx, i, act)
		e.logger.Info("action finished",
			"plan", p.Short(),
			"type", act.Type,
			"status", string(results[i].Status),
		)
	}
	return results
}

func (e *Executor) runAction(ctx context.Context, idx int, act action.Action) Result {
	name, args, err := e.bind(act)
	if err != nil {
		return Result{Index: idx, Action: act, Status: plan.ActionFailed, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()
	out, err := e.runner.Run(runCtx, name, args...)
	if err != nil {
		return Result{Index: idx, Action: act, Status: plan.ActionFailed, Output: out, Err: fmt.Errorf("executor: %s: %w", act.Type, err)}
	}
	return Result{Index: idx, Action: act, Status: plan.ActionExecuted, Output: out}
}

// bind maps an action onto a helper command invocation.
func (e *Executor) bind(act action.Action) (string, []string, error) {
	switch act.Type {
	case action.TypeSendEmail:
		return optArgs(act, "send-mail", map[string]string{
			"to": "--to", "subject": "--subject", "body": "--body",
		}, "to")
	case action.TypeSendMessage:
		return optArgs(act, "send-message", map[string]string{
			"to": "--to", "message": "--message", "channel": "--channel",
		}, "to")
	case action.TypeAddTask:
		return optArgs(act, "add-task", map[string]string{
			"title": "--title", "due": "--due", "notes": "--notes",
		}, "title")
	case action.TypeSetReminder:
		return optArgs(act, "set-reminder", map[string]string{
			"text": "--text", "when": "--when",
		}, "text")
	case action.TypeCheckCalendar:
		return optArgs(act, "check-calendar", map[string]string{
			"date": "--date", "range": "--range",
		}, "")
	case action.TypeRunCommand:
		cmd := strings.TrimSpace(act.Param("command"))
		if cmd == "" {
			return "", nil, fmt.Errorf("executor: run_command without a command")
		}
		if !e.commandAllowed(cmd) {
			return "", nil, fmt.Errorf("executor: command %q is not on the allow-list", firstToken(cmd))
		}
		return "sh", []string{"-c", cmd}, nil
	default:
		return "", nil, fmt.Errorf("executor: no binding for action type %q", act.Type)
	}
}

// commandAllowed checks the free-form command against the configured
// prefixes. An empty allow-list permits nothing.
func (e *Executor) commandAllowed(cmd string) bool {
	for _, prefix := range e.cfg.AllowedCommands {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if cmd == prefix || strings.HasPrefix(cmd, prefix+" ") {
			return true
		}
	}
	return false
}

func firstToken(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

// optArgs builds the helper invocation from the action params named in
// flags, refusing when the required param is absent.
func optArgs(act action.Action, name string, flags map[string]string, required string) (string, []string, error) {
	if required != "" && act.Param(required) == "" {
		return "", nil, fmt.Errorf("executor: %s requires param %q", act.Type, required)
	}
	var args []string
	// Stable order keeps invocations reproducible in tests and logs.
	for _, key := range []string{"to", "subject", "body", "message", "channel", "title", "due", "notes", "text", "when", "date", "range"} {
		flag, ok := flags[key]
		if !ok {
			continue
		}
		if v := act.Param(key); v != "" {
			args = append(args, flag, v)
		}
	}
	return name, args, nil
}
