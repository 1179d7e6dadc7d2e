// Package gateway implements the client side of the agent gateway protocol:
// JSON frames over a persistent WebSocket, a challenge/authenticate handshake,
// request/response correlation, and per-turn event streaming.
//
// The wire protocol has exactly three frame kinds. Requests carry a
// caller-chosen id and expect exactly one response with the same id; events
// are unsolicited and may recur. Frames are decoded into a closed set of
// variants so an unexpected shape is a decode error, not a stray map access.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame kind discriminators as they appear on the wire.
const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

// Frame is one protocol message. Exactly one of Request, Response, or Event
// is implemented by the concrete types below.
type Frame interface {
	frameType() string
}

// Request is an outbound RPC call frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one prior Request, matched by ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// Event is an unsolicited frame. Events that belong to a chat turn carry a
// runId inside their payload.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (*Request) frameType() string  { return frameTypeRequest }
func (*Response) frameType() string { return frameTypeResponse }
func (*Event) frameType() string    { return frameTypeEvent }

// WireError is the error object carried by a failed Response.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is the superset shape used for encoding and decoding. The type tag
// decides which fields are meaningful.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	var env envelope
	switch v := f.(type) {
	case *Request:
		if v.ID == "" || v.Method == "" {
			return nil, &ProtocolError{Reason: "request requires id and method"}
		}
		env = envelope{Type: frameTypeRequest, ID: v.ID, Method: v.Method, Params: v.Params}
	case *Response:
		if v.ID == "" {
			return nil, &ProtocolError{Reason: "response requires id"}
		}
		ok := v.OK
		env = envelope{Type: frameTypeResponse, ID: v.ID, OK: &ok, Payload: v.Payload, Error: v.Error}
	case *Event:
		if v.Event == "" {
			return nil, &ProtocolError{Reason: "event requires event name"}
		}
		env = envelope{Type: frameTypeEvent, Event: v.Event, Payload: v.Payload}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %T", f)}
	}
	return json.Marshal(env)
}

// DecodeFrame parses one wire message into its frame variant, validating the
// fields required by that variant.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	switch env.Type {
	case frameTypeRequest:
		if env.ID == "" || env.Method == "" {
			return nil, &ProtocolError{Reason: "request frame missing id or method"}
		}
		return &Request{ID: env.ID, Method: env.Method, Params: env.Params}, nil
	case frameTypeResponse:
		if env.ID == "" {
			return nil, &ProtocolError{Reason: "response frame missing id"}
		}
		if env.OK == nil {
			return nil, &ProtocolError{Reason: "response frame missing ok"}
		}
		resp := &Response{ID: env.ID, OK: *env.OK, Payload: env.Payload, Error: env.Error}
		if !resp.OK && resp.Error == nil {
			resp.Error = &WireError{Code: "unknown", Message: "remote reported failure without detail"}
		}
		return resp, nil
	case frameTypeEvent:
		if env.Event == "" {
			return nil, &ProtocolError{Reason: "event frame missing event name"}
		}
		return &Event{Event: env.Event, Payload: env.Payload}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", env.Type)}
	}
}

// Well-known event names.
const (
	EventConnectChallenge = "connect.challenge"
	EventAgent            = "agent"
	EventChat             = "chat"
)

// ChatState is the lifecycle state carried by a chat event.
type ChatState string

const (
	ChatStateDelta   ChatState = "delta"
	ChatStateFinal   ChatState = "final"
	ChatStateAborted ChatState = "aborted"
	ChatStateError   ChatState = "error"
)

// AgentPayload is the payload of an "agent" event: incremental output from
// the agent for one run.
type AgentPayload struct {
	RunID  string    `json:"runId"`
	Stream string    `json:"stream"`
	Data   AgentData `json:"data"`
}

// AgentData carries the per-event slice of agent output.
type AgentData struct {
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`
	Phase string `json:"phase,omitempty"`
}

// ChatPayload is the payload of a "chat" event: turn lifecycle transitions.
type ChatPayload struct {
	RunID        string       `json:"runId"`
	SessionKey   string       `json:"sessionKey,omitempty"`
	State        ChatState    `json:"state"`
	Message      *ChatMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// ChatMessage is the structured message attached to delta/final chat events.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ChatContent `json:"content"`
}

// ChatContent is one part of a chat message.
type ChatContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text concatenates the text parts of the message.
func (m *ChatMessage) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, part := range m.Content {
		if part.Text == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += part.Text
	}
	return out
}

// ParseAgentPayload decodes an agent event payload.
func ParseAgentPayload(raw json.RawMessage) (AgentPayload, error) {
	var p AgentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return AgentPayload{}, &ProtocolError{Reason: "malformed agent payload", Err: err}
	}
	if p.RunID == "" {
		return AgentPayload{}, &ProtocolError{Reason: "agent payload missing runId"}
	}
	return p, nil
}

// ParseChatPayload decodes a chat event payload.
func ParseChatPayload(raw json.RawMessage) (ChatPayload, error) {
	var p ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ChatPayload{}, &ProtocolError{Reason: "malformed chat payload", Err: err}
	}
	if p.RunID == "" {
		return ChatPayload{}, &ProtocolError{Reason: "chat payload missing runId"}
	}
	switch p.State {
	case ChatStateDelta, ChatStateFinal, ChatStateAborted, ChatStateError:
	default:
		return ChatPayload{}, &ProtocolError{Reason: fmt.Sprintf("unknown chat state %q", p.State)}
	}
	return p, nil
}
