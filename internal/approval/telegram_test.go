package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBotAPI implements just enough of the Bot API surface.
type fakeBotAPI struct {
	ts *httptest.Server

	mu       sync.Mutex
	requests map[string][]json.RawMessage
	updates  []json.RawMessage
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{requests: make(map[string][]json.RawMessage)}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.requests[method] = append(f.requests[method], body)
		f.mu.Unlock()

		switch method {
		case "sendMessage":
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":4242}}`)
		case "getUpdates":
			f.mu.Lock()
			pending := f.updates
			f.updates = nil
			f.mu.Unlock()
			out, _ := json.Marshal(pending)
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, out)
		case "failPlease":
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: nope"}`)
		default:
			fmt.Fprint(w, `{"ok":true,"result":true}`)
		}
	}))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeBotAPI) queueUpdate(t *testing.T, raw string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, json.RawMessage(raw))
}

func (f *fakeBotAPI) calls(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.requests[method]...)
}

func (f *fakeBotAPI) channel(t *testing.T) *TelegramChannel {
	t.Helper()
	c, err := NewTelegramChannel(TelegramConfig{
		Token:       "test-token",
		ChatID:      99,
		BaseURL:     f.ts.URL,
		PollTimeout: 50 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestNewTelegramChannelValidates(t *testing.T) {
	_, err := NewTelegramChannel(TelegramConfig{ChatID: 1}, nil)
	assert.Error(t, err)
	_, err = NewTelegramChannel(TelegramConfig{Token: "x"}, nil)
	assert.Error(t, err)
}

func TestPostPlanSendsButtons(t *testing.T) {
	api := newFakeBotAPI(t)
	c := api.channel(t)

	p := makePlan()
	msgID, err := c.PostPlan(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "4242", msgID)

	sends := api.calls("sendMessage")
	require.Len(t, sends, 1)
	var req struct {
		ChatID      int64  `json:"chat_id"`
		Text        string `json:"text"`
		ReplyMarkup struct {
			InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
		} `json:"reply_markup"`
	}
	require.NoError(t, json.Unmarshal(sends[0], &req))
	assert.Equal(t, int64(99), req.ChatID)
	assert.Contains(t, req.Text, "Approval needed")
	require.Len(t, req.ReplyMarkup.InlineKeyboard, 1)
	require.Len(t, req.ReplyMarkup.InlineKeyboard[0], 2)
	assert.Equal(t, "approve:"+p.ID, req.ReplyMarkup.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "reject:"+p.ID, req.ReplyMarkup.InlineKeyboard[0][1].CallbackData)
}

func TestCallSurfacesAPIErrors(t *testing.T) {
	api := newFakeBotAPI(t)
	c := api.channel(t)

	err := c.call(context.Background(), "failPlease", map[string]any{}, nil)
	var tgErr *TelegramError
	require.ErrorAs(t, err, &tgErr)
	assert.Equal(t, 400, tgErr.Code)
	assert.Contains(t, tgErr.Description, "nope")
}

func TestPollDispatchesCallbacksAndReactions(t *testing.T) {
	api := newFakeBotAPI(t)
	c := api.channel(t)

	api.queueUpdate(t, `{"update_id":7,"callback_query":{"id":"cb1","data":"approve:plan-1","message":{"message_id":4242}}}`)
	api.queueUpdate(t, `{"update_id":8,"message_reaction":{"message_id":4242,"new_reaction":[{"type":"emoji","emoji":"👍"}]}}`)

	type cbEvent struct{ messageID, data string }
	type reEvent struct{ messageID, emoji string }
	cbs := make(chan cbEvent, 1)
	res := make(chan reEvent, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Poll(ctx, Events{
		Callback: func(ctx context.Context, messageID, data string) string {
			cbs <- cbEvent{messageID, data}
			return "Approved"
		},
		Reaction: func(ctx context.Context, messageID, emoji string) {
			res <- reEvent{messageID, emoji}
		},
	})

	select {
	case got := <-cbs:
		assert.Equal(t, "4242", got.messageID)
		assert.Equal(t, "approve:plan-1", got.data)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never dispatched")
	}
	select {
	case got := <-res:
		assert.Equal(t, "4242", got.messageID)
		assert.Equal(t, "👍", got.emoji)
	case <-time.After(2 * time.Second):
		t.Fatal("reaction never dispatched")
	}
	cancel()

	// The callback press must be acknowledged with the verdict toast.
	require.Eventually(t, func() bool {
		return len(api.calls("answerCallbackQuery")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	var ack struct {
		CallbackQueryID string `json:"callback_query_id"`
		Text            string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(api.calls("answerCallbackQuery")[0], &ack))
	assert.Equal(t, "cb1", ack.CallbackQueryID)
	assert.Equal(t, "Approved", ack.Text)

	// Offsets advance so updates are consumed exactly once.
	polls := api.calls("getUpdates")
	require.NotEmpty(t, polls)
	var last struct {
		Offset int64 `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(polls[len(polls)-1], &last))
	assert.GreaterOrEqual(t, last.Offset, int64(9))
}

func TestMarkResolvedClearsButtons(t *testing.T) {
	api := newFakeBotAPI(t)
	c := api.channel(t)

	require.NoError(t, c.MarkResolved(context.Background(), "4242", "Plan approved"))
	assert.Len(t, api.calls("editMessageReplyMarkup"), 1)
	assert.Len(t, api.calls("sendMessage"), 1)

	assert.Error(t, c.MarkResolved(context.Background(), "not-a-number", "x"))
}
