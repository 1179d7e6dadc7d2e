package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// streamBuffer is the per-turn event buffer. The link's read loop blocks
// when it fills, so no frame is ever dropped between arrival and the next
// Next call.
const streamBuffer = 256

// ErrStreamDone is returned by Next after the terminal item has been
// consumed.
var ErrStreamDone = errors.New("gateway: stream done")

// StreamItem is one element of a chat turn stream. Exactly one terminal
// item (Done or Err set) ends every stream.
type StreamItem struct {
	Delta string
	Done  bool
	Err   error
}

// Terminal reports whether the item ends the stream.
func (it StreamItem) Terminal() bool { return it.Done || it.Err != nil }

// TurnOptions tune a single chat turn.
type TurnOptions struct {
	Thinking  string
	Model     string
	TimeoutMs int
}

type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	Model          string `json:"model,omitempty"`
}

// ChatStream adapts the gateway's event firehose for one run into an
// ordered pull stream of deltas with a single terminal item.
type ChatStream struct {
	link      *Link
	events    <-chan *Event
	cancelSub func()
	runID     string

	contentSeen bool
	pendingDone bool
	finished    bool
}

// StreamTurn sends one user message on a fresh link and returns the stream
// of assistant output for that run. The caller must drain the stream to a
// terminal item or call Close.
func (m *Manager) StreamTurn(ctx context.Context, sessionKey, message string, opts TurnOptions) (*ChatStream, error) {
	link, err := m.Acquire(ctx, Fresh)
	if err != nil {
		return nil, err
	}
	events, cancelSub := link.Subscribe(streamBuffer)

	params := sendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: uuid.NewString(),
		TimeoutMs:      opts.TimeoutMs,
		Thinking:       opts.Thinking,
		Model:          opts.Model,
	}
	payload, err := link.Call(ctx, "chat.send", params)
	if err != nil {
		cancelSub()
		_ = link.Close()
		return nil, err
	}

	var ack struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil || ack.RunID == "" {
		cancelSub()
		_ = link.Close()
		return nil, &ProtocolError{Reason: "chat.send response missing runId", Err: err}
	}

	return &ChatStream{
		link:      link,
		events:    events,
		cancelSub: cancelSub,
		runID:     ack.RunID,
	}, nil
}

// RunID identifies the turn on the gateway.
func (s *ChatStream) RunID() string { return s.runID }

// Next blocks until the next item is available. After a terminal item it
// returns ErrStreamDone. A canceled context returns the context error
// without consuming the stream.
func (s *ChatStream) Next(ctx context.Context) (StreamItem, error) {
	if s.finished {
		return StreamItem{}, ErrStreamDone
	}
	if s.pendingDone {
		s.pendingDone = false
		s.finished = true
		return StreamItem{Done: true}, nil
	}
	for {
		select {
		case <-ctx.Done():
			return StreamItem{}, fmt.Errorf("gateway: stream next: %w", ctx.Err())
		case ev, ok := <-s.events:
			if !ok {
				// Link closed without a terminal event. Content already
				// delivered means the turn effectively completed.
				s.finished = true
				if s.contentSeen {
					return StreamItem{Done: true}, nil
				}
				err := s.link.Err()
				if err == nil {
					err = &TransportError{Op: "stream", Err: ErrLinkClosed}
				}
				return StreamItem{Err: err}, nil
			}
			item, terminal, emit := s.translate(ev)
			if !emit {
				continue
			}
			if terminal {
				s.finished = true
			}
			return item, nil
		}
	}
}

// translate maps one gateway event onto a stream item. Events for other
// runs and non-text sub-events are skipped.
func (s *ChatStream) translate(ev *Event) (item StreamItem, terminal, emit bool) {
	switch ev.Event {
	case EventAgent:
		p, err := ParseAgentPayload(ev.Payload)
		if err != nil || p.RunID != s.runID {
			return StreamItem{}, false, false
		}
		if p.Data.Delta == "" {
			return StreamItem{}, false, false
		}
		s.contentSeen = true
		return StreamItem{Delta: p.Data.Delta}, false, true
	case EventChat:
		p, err := ParseChatPayload(ev.Payload)
		if err != nil || p.RunID != s.runID {
			return StreamItem{}, false, false
		}
		switch p.State {
		case ChatStateDelta:
			// Text rides on agent deltas; chat deltas only repeat the
			// accumulated message.
			return StreamItem{}, false, false
		case ChatStateFinal:
			if !s.contentSeen {
				if text := p.Message.Text(); text != "" {
					// A turn short enough to skip deltas still yields
					// its text, as one delta before done.
					s.contentSeen = true
					s.pendingDone = true
					return StreamItem{Delta: text}, false, true
				}
			}
			return StreamItem{Done: true}, true, true
		case ChatStateAborted:
			return StreamItem{Err: fmt.Errorf("gateway: run %s aborted", s.runID)}, true, true
		case ChatStateError:
			msg := p.ErrorMessage
			if msg == "" {
				msg = "unspecified gateway error"
			}
			return StreamItem{Err: &RPCError{Method: "chat", Code: "run_error", Message: msg}}, true, true
		}
	}
	return StreamItem{}, false, false
}

// Close releases the stream's dedicated link. Idempotent; safe to call
// after the terminal item.
func (s *ChatStream) Close() error {
	s.finished = true
	s.cancelSub()
	return s.link.Close()
}
