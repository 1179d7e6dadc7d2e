package hibiki

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	gatewayURL      string
	sessionKey      string
	planStorePath   string
	allowedCommands []string
	logger          *slog.Logger
	version         string
	creds           CredentialSource
	channel         ApprovalChannel
	runner          CommandRunner
}

// WithGatewayURL overrides the gateway WebSocket URL from config
// (HIBIKI_GATEWAY_URL env var).
func WithGatewayURL(url string) Option {
	return func(o *resolvedOptions) { o.gatewayURL = url }
}

// WithSessionKey overrides the chat session key from config
// (HIBIKI_SESSION_KEY env var).
func WithSessionKey(key string) Option {
	return func(o *resolvedOptions) { o.sessionKey = key }
}

// WithPlanStorePath overrides the SQLite plan store path from config
// (HIBIKI_PLAN_DB env var). An empty path keeps plans in memory.
func WithPlanStorePath(path string) Option {
	return func(o *resolvedOptions) { o.planStorePath = path }
}

// WithAllowedCommands overrides the run_command allow-list from config
// (HIBIKI_ALLOWED_COMMANDS env var). An empty list blocks all run_command
// actions.
func WithAllowedCommands(cmds []string) Option {
	return func(o *resolvedOptions) { o.allowedCommands = cmds }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported to the gateway and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCredentialSource replaces the built-in credential chain (static token,
// then device-held Ed25519 identity). Only the last call wins.
func WithCredentialSource(src CredentialSource) Option {
	return func(o *resolvedOptions) { o.creds = src }
}

// WithApprovalChannel replaces the Telegram approval channel. The App no
// longer polls Telegram when an external channel is set; the caller is
// responsible for feeding verdicts back through Approve and Reject.
func WithApprovalChannel(ch ApprovalChannel) Option {
	return func(o *resolvedOptions) { o.channel = ch }
}

// WithCommandRunner replaces process execution for approved actions.
// Helper commands and allow-listed shell commands are routed through the
// provided runner instead of os/exec.
func WithCommandRunner(r CommandRunner) Option {
	return func(o *resolvedOptions) { o.runner = r }
}
