package hibiki

import "context"

// CredentialSource supplies bearer tokens for the gateway handshake.
// When provided via WithCredentialSource, replaces the built-in static-token
// and device-identity chain. Token is called on every connect, so rotating
// credentials are picked up without a restart.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// ApprovalChannel delivers approval prompts and notifications to the
// operator. When provided via WithApprovalChannel, replaces the Telegram
// channel. PostPlan returns the id of the message carrying the plan's
// controls; that id becomes a lookup handle for later verdicts.
type ApprovalChannel interface {
	PostPlan(ctx context.Context, p Plan) (messageID string, err error)
	Notify(ctx context.Context, text string) error
	MarkResolved(ctx context.Context, messageID, verdict string) error
}

// CommandRunner executes one helper command and returns its output.
// When provided via WithCommandRunner, replaces os/exec process execution
// for approved actions. The context carries the per-action timeout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}
