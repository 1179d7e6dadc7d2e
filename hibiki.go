// Package hibiki is the public API for embedding the Hibiki assistant client.
//
// Consumers import this package to construct and extend the client without
// forking it:
//
//	app, err := hibiki.New(
//	    hibiki.WithVersion(version),
//	    hibiki.WithLogger(logger),
//	    hibiki.WithCredentialSource(myVault),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: hibiki (root) imports
// internal/*, but internal/* never imports hibiki (root). Public types
// (Plan, Action, etc.) are standalone structs with no internal imports;
// conversion helpers (toPublicPlan, toPublicAction) live here because this
// is the only file that sees both sides of the boundary.
package hibiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/hibiki/internal/action"
	"github.com/ashita-ai/hibiki/internal/approval"
	"github.com/ashita-ai/hibiki/internal/auth"
	"github.com/ashita-ai/hibiki/internal/config"
	"github.com/ashita-ai/hibiki/internal/executor"
	"github.com/ashita-ai/hibiki/internal/gateway"
	"github.com/ashita-ai/hibiki/internal/pipeline"
	"github.com/ashita-ai/hibiki/internal/plan"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// App is the Hibiki client lifecycle. Construct with New(), run with Run().
// App has no public fields. Use New() options to configure it.
type App struct {
	cfg          config.Config
	gw           *gateway.Manager
	store        plan.Store
	telegram     *approval.TelegramChannel // nil when Telegram is not configured
	pipe         *pipeline.Pipeline
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Hibiki client. It loads configuration, mints or loads
// the device identity, and wires all subsystems into a ready-to-run App.
// It does NOT start any goroutines or open gateway connections — the first
// turn dials on demand, and Run() starts the approval poller.
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.gatewayURL != "" {
		cfg.GatewayURL = o.gatewayURL
	}
	if o.sessionKey != "" {
		cfg.SessionKey = o.sessionKey
	}
	if o.planStorePath != "" {
		cfg.PlanStorePath = o.planStorePath
	}
	if o.allowedCommands != nil {
		cfg.AllowedCommands = o.allowedCommands
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hibiki starting", "version", version, "gateway", cfg.GatewayURL)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Credentials — external override takes priority, then a static token,
	// then a device-held Ed25519 identity.
	var creds gateway.CredentialSource
	var deviceID string
	switch {
	case o.creds != nil:
		creds = &credentialAdapter{src: o.creds}
	case cfg.GatewayToken != "":
		creds = auth.StaticToken(cfg.GatewayToken)
	default:
		identity, idErr := auth.NewDeviceIdentity(cfg.DeviceKeyPath, cfg.DeviceName, cfg.TokenExpiration)
		if idErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: %w", idErr)
		}
		creds = identity
		deviceID = identity.DeviceID()
	}

	// Gateway connection manager.
	gw, err := gateway.NewManager(gateway.Config{
		URL: cfg.GatewayURL,
		ClientInfo: gateway.ClientInfo{
			Name:     cfg.DeviceName,
			Version:  version,
			Platform: runtime.GOOS,
			DeviceID: deviceID,
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
		RequestTimeout:   cfg.RequestTimeout,
	}, creds, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("gateway: %w", err)
	}

	// Plan store: SQLite when a path is configured, in-memory otherwise.
	var store plan.Store
	if cfg.PlanStorePath != "" {
		store, err = plan.NewSQLiteStore(cfg.PlanStorePath, cfg.PlanMaxAge, cfg.PlanSweepInterval, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("plan store: %w", err)
		}
		logger.Info("plan store: sqlite", "path", cfg.PlanStorePath)
	} else {
		store = plan.NewMemoryStore(cfg.PlanMaxAge, cfg.PlanSweepInterval, logger)
		logger.Info("plan store: memory (plans lost on restart)")
	}

	// Approval channel — external override takes priority over Telegram.
	var channel approval.Channel
	var telegram *approval.TelegramChannel
	switch {
	case o.channel != nil:
		channel = &channelAdapter{ch: o.channel}
	case cfg.TelegramToken != "":
		telegram, err = approval.NewTelegramChannel(approval.TelegramConfig{
			Token:   cfg.TelegramToken,
			ChatID:  cfg.TelegramChatID,
			BaseURL: cfg.TelegramBaseURL,
		}, logger)
		if err != nil {
			_ = store.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("telegram: %w", err)
		}
		channel = telegram
		logger.Info("approval channel: telegram", "chat_id", cfg.TelegramChatID)
	default:
		logger.Info("approval channel: console only (no HIBIKI_TELEGRAM_TOKEN)")
	}

	// Executor — external runner override takes priority over real processes.
	var runner executor.CommandRunner = &executor.ExecRunner{}
	if o.runner != nil {
		runner = &runnerAdapter{r: o.runner}
	}
	exec := executor.New(executor.Config{
		CommandTimeout:  cfg.CommandTimeout,
		AllowedCommands: cfg.AllowedCommands,
	}, runner, logger)

	// Metrics.
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// Turn pipeline.
	pipe, err := pipeline.New(pipeline.Config{
		SessionKey:  cfg.SessionKey,
		TurnTimeout: cfg.TurnTimeout,
		TurnOptions: gateway.TurnOptions{
			Thinking: cfg.Thinking,
			Model:    cfg.Model,
		},
	}, &streamerAdapter{gw: gw}, store, channel, exec, metrics, logger)
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &App{
		cfg:          cfg,
		gw:           gw,
		store:        store,
		telegram:     telegram,
		pipe:         pipe,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the Telegram approval poller (when configured) and blocks until
// ctx is cancelled. On return, Shutdown is called automatically — callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	if a.telegram != nil {
		go func() {
			err := a.telegram.Poll(ctx, approval.Events{
				Callback: a.pipe.HandleCallback,
				Reaction: a.pipe.HandleReaction,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown releases the gateway link, the plan store, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hibiki shutting down")

	if err := a.gw.Close(); err != nil {
		a.logger.Error("gateway close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("plan store close error", "error", err)
	}
	_ = a.otelShutdown(ctx)

	a.logger.Info("hibiki stopped")
	return nil
}

// Ask sends one user message and returns the assistant's reply. onDelta, if
// non-nil, observes raw text increments as they stream in. When the reply
// proposes actions, the returned Turn carries the pending plan.
func (a *App) Ask(ctx context.Context, conversationID, message string, onDelta func(string)) (*Turn, error) {
	res, err := a.pipe.RunTurn(ctx, conversationID, message, onDelta)
	if err != nil {
		return nil, err
	}
	t := &Turn{Reply: res.Reply}
	if res.Plan != nil {
		p := toPublicPlan(res.Plan)
		t.Plan = &p
	}
	return t, nil
}

// Approve resolves the referenced plan as approved and executes its actions.
// ref may be a full plan id, a short handle, or a conversation id.
func (a *App) Approve(ctx context.Context, ref string) (*Resolution, error) {
	return a.resolve(ctx, ref, approval.Approve)
}

// Reject resolves the referenced plan as rejected; all its actions are skipped.
func (a *App) Reject(ctx context.Context, ref string) (*Resolution, error) {
	return a.resolve(ctx, ref, approval.Reject)
}

func (a *App) resolve(ctx context.Context, ref string, d approval.Decision) (*Resolution, error) {
	out, err := a.pipe.Resolve(ctx, ref, d)
	if err != nil {
		return nil, err
	}
	p := toPublicPlan(out.Plan)
	return &Resolution{
		Plan:   p,
		Won:    out.Won,
		Ack:    out.Ack,
		Report: out.Report,
	}, nil
}

// Pending lists plans still awaiting a verdict, newest first.
func (a *App) Pending() ([]Plan, error) {
	plans, err := a.store.Pending()
	if err != nil {
		return nil, err
	}
	out := make([]Plan, len(plans))
	for i, p := range plans {
		out[i] = toPublicPlan(p)
	}
	return out, nil
}

// Status returns the referenced plan's current state.
func (a *App) Status(ref string) (*Plan, error) {
	p, err := a.pipe.Lookup(ref)
	if err != nil {
		return nil, err
	}
	pub := toPublicPlan(p)
	return &pub, nil
}

// Fallback renders a turn failure as a message fit to show the user.
func Fallback(err error) string {
	return pipeline.Fallback(err)
}

// IsNotFound reports whether err means no plan matched the reference.
func IsNotFound(err error) bool { return errors.Is(err, plan.ErrNotFound) }

// IsAmbiguous reports whether err means the reference matched more than one
// pending plan.
func IsAmbiguous(err error) bool { return errors.Is(err, plan.ErrAmbiguous) }

// ── Adapters (defined here because this file imports both sides) ───────────────

// streamerAdapter narrows *gateway.Manager to the pipeline.Streamer interface.
type streamerAdapter struct {
	gw *gateway.Manager
}

func (a *streamerAdapter) StreamTurn(ctx context.Context, sessionKey, message string, opts gateway.TurnOptions) (pipeline.Stream, error) {
	return a.gw.StreamTurn(ctx, sessionKey, message, opts)
}

// credentialAdapter wraps a hibiki.CredentialSource to satisfy gateway.CredentialSource.
type credentialAdapter struct {
	src CredentialSource
}

func (a *credentialAdapter) Token(ctx context.Context) (string, error) {
	return a.src.Token(ctx)
}

// channelAdapter wraps a hibiki.ApprovalChannel to satisfy approval.Channel.
// It converts internal plan types to public hibiki types at the boundary.
type channelAdapter struct {
	ch ApprovalChannel
}

func (a *channelAdapter) PostPlan(ctx context.Context, p *plan.Plan) (string, error) {
	return a.ch.PostPlan(ctx, toPublicPlan(p))
}

func (a *channelAdapter) Notify(ctx context.Context, text string) error {
	return a.ch.Notify(ctx, text)
}

func (a *channelAdapter) MarkResolved(ctx context.Context, messageID, verdict string) error {
	return a.ch.MarkResolved(ctx, messageID, verdict)
}

// runnerAdapter wraps a hibiki.CommandRunner to satisfy executor.CommandRunner.
type runnerAdapter struct {
	r CommandRunner
}

func (a *runnerAdapter) Run(ctx context.Context, name string, args ...string) (string, error) {
	return a.r.Run(ctx, name, args...)
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicPlan converts an internal plan.Plan to the public hibiki.Plan.
// Lives here because this is the only file that imports both sides of the boundary.
func toPublicPlan(p *plan.Plan) Plan {
	actions := make([]ProposedAction, len(p.Actions))
	for i, act := range p.Actions {
		actions[i] = ProposedAction{
			Type:        act.Type,
			Description: act.Description,
			Params:      act.Params,
			Privilege:   actionPrivilege(act.Type),
		}
		if i < len(p.ActionStatuses) {
			actions[i].Status = string(p.ActionStatuses[i])
		}
	}
	return Plan{
		ID:             p.ID,
		Short:          p.Short(),
		ConversationID: p.ConversationID,
		Summary:        p.Summary,
		Actions:        actions,
		Status:         string(p.Status),
		MessageID:      p.MessageID,
		CreatedAt:      p.CreatedAt,
		ResolvedAt:     p.ResolvedAt,
	}
}

func actionPrivilege(actionType string) string {
	return action.Classify(actionType).String()
}
