package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/hibiki/internal/plan"
)

// TelegramConfig configures the Telegram approval channel.
type TelegramConfig struct {
	Token      string
	ChatID     int64
	BaseURL    string
	HTTPClient *http.Client
	// PollTimeout is the long-poll window for updates.
	PollTimeout time.Duration
}

// TelegramChannel posts approval prompts to a Telegram chat and long-polls
// for button presses and reactions.
type TelegramChannel struct {
	cfg    TelegramConfig
	http   *http.Client
	logger *slog.Logger
	offset int64
}

// TelegramError is a failure reported by the Bot API.
type TelegramError struct {
	Method      string
	Code        int
	Description string
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// NewTelegramChannel validates cfg and returns the channel.
func NewTelegramChannel(cfg TelegramConfig, logger *slog.Logger) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.PollTimeout + 15*time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "telegram"),
	}, nil
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// PostPlan sends the approval prompt with approve/reject buttons and returns
// the message id as the plan's routing key.
func (c *TelegramChannel) PostPlan(ctx context.Context, p *plan.Plan) (string, error) {
	params := map[string]any{
		"chat_id": c.cfg.ChatID,
		"text":    FormatPlanMessage(p),
		"reply_markup": inlineKeyboard{InlineKeyboard: [][]inlineButton{{
			{Text: "✅ Approve", CallbackData: EncodeCallback(Approve, p.ID)},
			{Text: "❌ Reject", CallbackData: EncodeCallback(Reject, p.ID)},
		}}},
	}
	var msg sentMessage
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// Notify sends a plain text message to the operator chat.
func (c *TelegramChannel) Notify(ctx context.Context, text string) error {
	params := map[string]any{"chat_id": c.cfg.ChatID, "text": text}
	return c.call(ctx, "sendMessage", params, nil)
}

// MarkResolved appends the verdict to the plan message and removes its
// buttons.
func (c *TelegramChannel) MarkResolved(ctx context.Context, messageID, verdict string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", messageID, err)
	}
	params := map[string]any{
		"chat_id":      c.cfg.ChatID,
		"message_id":   id,
		"reply_markup": inlineKeyboard{InlineKeyboard: [][]inlineButton{}},
	}
	if err := c.call(ctx, "editMessageReplyMarkup", params, nil); err != nil {
		return err
	}
	return c.Notify(ctx, verdict)
}

// Events receives decoded operator input from the poll loop.
type Events struct {
	// Callback handles a button press on messageID; the returned text is
	// shown as the press acknowledgment.
	Callback func(ctx context.Context, messageID, data string) string
	// Reaction handles an emoji reaction added to messageID.
	Reaction func(ctx context.Context, messageID, emoji string)
}

type update struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			MessageID int64 `json:"message_id"`
		} `json:"message"`
	} `json:"callback_query"`
	MessageReaction *struct {
		MessageID   int64 `json:"message_id"`
		NewReaction []struct {
			Type  string `json:"type"`
			Emoji string `json:"emoji"`
		} `json:"new_reaction"`
	} `json:"message_reaction"`
}

// Poll long-polls the Bot API and dispatches updates until ctx is canceled.
// Transient API failures are logged and retried with a short pause.
func (c *TelegramChannel) Poll(ctx context.Context, events Events) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("poll failed, retrying", "error", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, u := range updates {
			c.offset = u.UpdateID + 1
			c.dispatch(ctx, u, events)
		}
	}
}

func (c *TelegramChannel) getUpdates(ctx context.Context) ([]update, error) {
	params := map[string]any{
		"offset":          c.offset,
		"timeout":         int(c.cfg.PollTimeout.Seconds()),
		"allowed_updates": []string{"callback_query", "message_reaction"},
	}
	var updates []update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *TelegramChannel) dispatch(ctx context.Context, u update, events Events) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil || events.Callback == nil {
			return
		}
		ack := events.Callback(ctx, strconv.FormatInt(cq.Message.MessageID, 10), cq.Data)
		params := map[string]any{"callback_query_id": cq.ID}
		if ack != "" {
			params["text"] = ack
		}
		if err := c.call(ctx, "answerCallbackQuery", params, nil); err != nil {
			c.logger.Warn("callback ack failed", "error", err)
		}
	case u.MessageReaction != nil:
		mr := u.MessageReaction
		if events.Reaction == nil {
			return
		}
		for _, r := range mr.NewReaction {
			if r.Type != "emoji" || r.Emoji == "" {
				continue
			}
			events.Reaction(ctx, strconv.FormatInt(mr.MessageID, 10), r.Emoji)
		}
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *TelegramChannel) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !api.OK {
		return &TelegramError{Method: method, Code: api.ErrorCode, Description: api.Description}
	}
	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}
