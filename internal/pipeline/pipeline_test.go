package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/approval"
	"github.com/ashita-ai/hibiki/internal/executor"
	"github.com/ashita-ai/hibiki/internal/gateway"
	"github.com/ashita-ai/hibiki/internal/plan"
)

type scriptedStream struct {
	items []gateway.StreamItem
	pos   int
}

func (s *scriptedStream) Next(ctx context.Context) (gateway.StreamItem, error) {
	if s.pos >= len(s.items) {
		return gateway.StreamItem{}, gateway.ErrStreamDone
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *scriptedStream) Close() error { return nil }

type fakeStreamer struct {
	items []gateway.StreamItem
	err   error

	mu       sync.Mutex
	messages []string
}

func (f *fakeStreamer) StreamTurn(ctx context.Context, sessionKey, message string, opts gateway.TurnOptions) (Stream, error) {
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &scriptedStream{items: f.items}, nil
}

type fakeChannel struct {
	mu        sync.Mutex
	posted    []*plan.Plan
	notified  []string
	resolved  []string
	postErr   error
	nextMsgID int
}

func (c *fakeChannel) PostPlan(ctx context.Context, p *plan.Plan) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return "", c.postErr
	}
	c.posted = append(c.posted, p)
	c.nextMsgID++
	return fmt.Sprintf("msg-%d", c.nextMsgID), nil
}

func (c *fakeChannel) Notify(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, text)
	return nil
}

func (c *fakeChannel) MarkResolved(ctx context.Context, messageID, verdict string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, messageID+": "+verdict)
	return nil
}

type countingRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *countingRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	err := r.fail[name]
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "ran " + name, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	pl      *Pipeline
	store   plan.Store
	channel *fakeChannel
	runner  *countingRunner
}

func deltas(parts ...string) []gateway.StreamItem {
	items := make([]gateway.StreamItem, 0, len(parts)+1)
	for _, p := range parts {
		items = append(items, gateway.StreamItem{Delta: p})
	}
	return append(items, gateway.StreamItem{Done: true})
}

func newFixture(t *testing.T, streamer Streamer) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := plan.NewMemoryStore(time.Hour, 0, logger)
	t.Cleanup(func() { store.Close() })
	channel := &fakeChannel{}
	runner := &countingRunner{}
	exec := executor.New(executor.Config{AllowedCommands: []string{"uptime"}}, runner, logger)
	pl, err := New(Config{SessionKey: "main"}, streamer, store, channel, exec, nil, logger)
	require.NoError(t, err)
	return &fixture{pl: pl, store: store, channel: channel, runner: runner}
}

const markerText = `I'd do two things. ` +
	`[NEEDS_APPROVAL: {"type":"send_email","description":"Email Bob","params":{"to":"bob@example.com"}}]` +
	`[NEEDS_APPROVAL: {"type":"run_command","description":"Check uptime","params":{"command":"uptime"}}]`

const safeMarkerText = `On it. ` +
	`[NEEDS_APPROVAL: {"type":"add_task","description":"Water plants","params":{"title":"Water plants"}}]`

func TestRunTurnAutoRunsSafePlan(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(safeMarkerText)})

	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "note it", nil)
	require.NoError(t, err)
	assert.Equal(t, "On it.", res.Reply)
	require.NotNil(t, res.Plan)
	assert.Equal(t, plan.StatusExecuted, res.Plan.Status)
	require.Len(t, res.Plan.ActionStatuses, 1)
	assert.Equal(t, plan.ActionExecuted, res.Plan.ActionStatuses[0])
	assert.Equal(t, 1, fx.runner.count())

	// No prompt was posted; only the execution report went out.
	assert.Empty(t, fx.channel.posted)
	require.Len(t, fx.channel.notified, 1)
	assert.Contains(t, fx.channel.notified[0], "approved and executed")
}

func TestRunTurnPlainReply(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas("Hello ", "there")})

	var seen []string
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "hi", func(d string) { seen = append(seen, d) })
	require.NoError(t, err)
	assert.Equal(t, "Hello there", res.Reply)
	assert.Nil(t, res.Plan)
	assert.Equal(t, []string{"Hello ", "there"}, seen)
	assert.Empty(t, fx.channel.posted)
}

func TestRunTurnCreatesAndAnnouncesPlan(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})

	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "help me", nil)
	require.NoError(t, err)
	assert.Equal(t, "I'd do two things.", res.Reply)
	require.NotNil(t, res.Plan)
	assert.Equal(t, plan.StatusPending, res.Plan.Status)
	require.Len(t, res.Plan.Actions, 2)
	assert.Equal(t, "msg-1", res.Plan.MessageID)

	// The pending plan is reachable by every index.
	byMsg, err := fx.store.GetByMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, res.Plan.ID, byMsg.ID)
	byConv, err := fx.store.GetByConversation("conv-1")
	require.NoError(t, err)
	assert.Equal(t, res.Plan.ID, byConv.ID)
	byShort, err := fx.store.GetByShort(res.Plan.Short())
	require.NoError(t, err)
	assert.Equal(t, res.Plan.ID, byShort.ID)
}

func TestRunTurnMarkersSplitAcrossDeltas(t *testing.T) {
	// The marker arrives in pieces; extraction sees the assembled text.
	fx := newFixture(t, &fakeStreamer{items: deltas(
		`Sure. [NEEDS_APP`,
		`ROVAL: {"type":"add_task","descri`,
		`ption":"Water plants","params":{"title":"water"}}]`,
	)})

	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "plants", nil)
	require.NoError(t, err)
	assert.Equal(t, "Sure.", res.Reply)
	require.NotNil(t, res.Plan)
	require.Len(t, res.Plan.Actions, 1)
	assert.Equal(t, "add_task", res.Plan.Actions[0].Type)
}

func TestRunTurnStreamFailure(t *testing.T) {
	want := errors.New("gateway exploded")
	fx := newFixture(t, &fakeStreamer{err: want})

	_, err := fx.pl.RunTurn(context.Background(), "conv-1", "hi", nil)
	assert.ErrorIs(t, err, want)
}

func TestDecideApproveExecutes(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	out, err := fx.pl.Decide(context.Background(), res.Plan.ID, approval.Approve)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, plan.StatusExecuted, out.Plan.Status)
	assert.Equal(t, plan.ActionExecuted, out.Plan.ActionStatuses[0])
	assert.Equal(t, plan.ActionExecuted, out.Plan.ActionStatuses[1])
	assert.Equal(t, 2, fx.runner.count())
	assert.Contains(t, out.Report, "done ✅")

	// The announcement message is rewritten with the report.
	require.Len(t, fx.channel.resolved, 1)
	assert.Contains(t, fx.channel.resolved[0], "msg-1")
}

func TestDecideRejectSkipsEverything(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	out, err := fx.pl.Decide(context.Background(), res.Plan.ID, approval.Reject)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, plan.StatusRejected, out.Plan.Status)
	for _, st := range out.Plan.ActionStatuses {
		assert.Equal(t, plan.ActionSkipped, st)
	}
	assert.Zero(t, fx.runner.count())
	assert.Contains(t, out.Report, "nothing was executed")
}

func TestDecideIsIdempotent(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	first, err := fx.pl.Decide(context.Background(), res.Plan.ID, approval.Approve)
	require.NoError(t, err)
	assert.True(t, first.Won)

	second, err := fx.pl.Decide(context.Background(), res.Plan.ID, approval.Reject)
	require.NoError(t, err)
	assert.False(t, second.Won)
	assert.Equal(t, plan.StatusExecuted, second.Plan.Status)
	assert.Contains(t, second.Ack, "already")
	// Nothing ran twice, nothing was skipped retroactively.
	assert.Equal(t, 2, fx.runner.count())
}

func TestConcurrentAcceptRejectSingleWinner(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	const racers = 10
	outcomes := make([]*Outcome, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision := approval.Approve
			if i%2 == 1 {
				decision = approval.Reject
			}
			out, err := fx.pl.Decide(context.Background(), res.Plan.ID, decision)
			if err == nil {
				outcomes[i] = out
			}
		}()
	}
	wg.Wait()

	winners := 0
	for _, out := range outcomes {
		require.NotNil(t, out)
		if out.Won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	// Actions ran at most once regardless of who won.
	assert.LessOrEqual(t, fx.runner.count(), 2)
}

func TestHandleCallback(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	ack := fx.pl.HandleCallback(context.Background(), "msg-1", approval.EncodeCallback(approval.Approve, res.Plan.ID))
	assert.Contains(t, ack, "approved")

	got, err := fx.store.Get(res.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, got.Status)

	assert.Empty(t, fx.pl.HandleCallback(context.Background(), "msg-1", "garbage"))
	assert.Contains(t, fx.pl.HandleCallback(context.Background(), "msg-1", "approve:unknown-plan"), "gone")
}

func TestHandleCallbackReview(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	ack := fx.pl.HandleCallback(context.Background(), "msg-1", "review:"+res.Plan.ID)
	assert.Contains(t, ack, res.Plan.Short())
	assert.Contains(t, ack, "pending")

	// Review does not decide the plan.
	got, err := fx.store.Get(res.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, got.Status)

	assert.Contains(t, fx.pl.HandleCallback(context.Background(), "msg-1", "review:unknown-plan"), "gone")
}

func TestHandleReaction(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	// A party popper carries no verdict.
	fx.pl.HandleReaction(context.Background(), "msg-1", "\U0001F389")
	got, err := fx.store.Get(res.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, got.Status)

	// A skin-toned thumbs down rejects.
	fx.pl.HandleReaction(context.Background(), "msg-1", "\U0001F44E\U0001F3FD")
	got, err = fx.store.Get(res.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRejected, got.Status)
	assert.Zero(t, fx.runner.count())
}

func TestResolveByReference(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)

	// Short handle.
	out, err := fx.pl.Resolve(context.Background(), res.Plan.Short(), approval.Approve)
	require.NoError(t, err)
	assert.True(t, out.Won)

	// Conversation id finds the newest pending plan.
	res2, err := fx.pl.RunTurn(context.Background(), "conv-1", "again", nil)
	require.NoError(t, err)
	out, err = fx.pl.Resolve(context.Background(), "conv-1", approval.Reject)
	require.NoError(t, err)
	assert.True(t, out.Won)
	assert.Equal(t, res2.Plan.ID, out.Plan.ID)

	_, err = fx.pl.Resolve(context.Background(), "no-such-ref", approval.Approve)
	assert.ErrorIs(t, err, plan.ErrNotFound)
}

func TestPlanSurvivesAnnouncementFailure(t *testing.T) {
	fx := newFixture(t, &fakeStreamer{items: deltas(markerText)})
	fx.channel.postErr = errors.New("telegram down")

	res, err := fx.pl.RunTurn(context.Background(), "conv-1", "go", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	assert.Empty(t, res.Plan.MessageID)

	// Console resolution still works without the announcement.
	out, err := fx.pl.Resolve(context.Background(), res.Plan.Short(), approval.Approve)
	require.NoError(t, err)
	assert.True(t, out.Won)
	// The report falls back to a plain notification.
	require.Len(t, fx.channel.notified, 1)
}

func TestFallbackMessages(t *testing.T) {
	assert.Contains(t, Fallback(&gateway.AuthError{Code: "auth_failed"}), "authenticate")
	assert.Contains(t, Fallback(&gateway.TimeoutError{Method: "chat.send"}), "too long")
	assert.Contains(t, Fallback(context.DeadlineExceeded), "too long")
	assert.Contains(t, Fallback(errors.New("boom")), "couldn't reach")
}
