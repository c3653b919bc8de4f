package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/store"
)

// Event names exchanged over the realtime channel.
const (
	EventConnected       = "connected"
	EventJoin            = "join"
	EventChatMessage     = "chat message"
	EventEditMessage     = "edit message"
	EventMessageEdited   = "message edited"
	EventAlarm           = "alarm"
	EventAddReaction     = "add reaction"
	EventRemoveReaction  = "remove reaction"
	EventReactionUpdated = "reaction updated"
	EventUsersList       = "users list"
	EventUserJoined      = "user joined"
	EventUserLeft        = "user left"
	EventError           = "error"
)

// Error codes carried by the error event and by HTTP error bodies.
const (
	CodeNotFound       = "not_found"
	CodeAlreadyExists  = "already_exists"
	CodeRateLimited    = "rate_limited"
	CodeInvalidPayload = "invalid_payload"
	CodeUnauthorized   = "unauthorized"
	CodeUnavailable    = "unavailable"
)

// System messages that omit sender or color get these.
const (
	SystemSender = "System"
	SystemColor  = "#FFD700"
)

// Frame is the envelope of every realtime message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: data})
}

// JoinRequest is the payload of a join event.
type JoinRequest struct {
	Room  string `json:"room"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// ChatRequest is the payload of an inbound chat message event.
type ChatRequest struct {
	Room            string `json:"room"`
	Msg             string `json:"msg"`
	Sender          string `json:"sender,omitempty"`
	Color           string `json:"color,omitempty"`
	IsSystemMessage bool   `json:"isSystemMessage,omitempty"`
}

// EditRequest is the payload of an edit message event.
type EditRequest struct {
	Room    string `json:"room"`
	Sender  string `json:"sender"`
	NewText string `json:"newText"`
}

// AlarmRequest is the payload of an alarm event. Timestamp is relayed as sent.
type AlarmRequest struct {
	Room      string          `json:"room"`
	Sender    string          `json:"sender"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// ReactionRequest is the payload of add reaction and remove reaction.
type ReactionRequest struct {
	Room        string      `json:"room"`
	MessageTime MessageTime `json:"messageTime"`
	Emoji       string      `json:"emoji"`
	User        string      `json:"user"`
}

// ChatMessage is the outbound chat message payload, used for live messages
// and for history replay.
type ChatMessage struct {
	Text            string          `json:"text"`
	Sender          string          `json:"sender"`
	Color           string          `json:"color"`
	Timestamp       time.Time       `json:"timestamp"`
	IsSystemMessage bool            `json:"isSystemMessage"`
	Reactions       store.Reactions `json:"reactions,omitempty"`
}

func chatMessageFrom(m store.Message) ChatMessage {
	return ChatMessage{
		Text:            m.Text,
		Sender:          m.Sender,
		Color:           m.Color,
		Timestamp:       m.Timestamp,
		IsSystemMessage: m.IsSystemMessage,
		Reactions:       m.Reactions,
	}
}

// UsersList maps connection ids to display identities.
type UsersList map[string]presence.Identity

// UserPresence is the payload of user joined and user left.
type UserPresence struct {
	SocketID string `json:"socketId"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
}

// MessageEdited is the payload of message edited.
type MessageEdited struct {
	Sender  string `json:"sender"`
	NewText string `json:"newText"`
}

// Alarm is the outbound alarm payload.
type Alarm struct {
	Sender    string          `json:"sender"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// ReactionUpdated carries the full reaction map of one message after a change.
type ReactionUpdated struct {
	MessageTime MessageTime     `json:"messageTime"`
	Emoji       string          `json:"emoji"`
	User        string          `json:"user"`
	Reactions   store.Reactions `json:"reactions"`
}

// Connected greets a new connection with its id.
type Connected struct {
	SocketID string `json:"socketId"`
}

// ErrorPayload reports a rejected request to its originator only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageTime identifies a message by its timestamp. Clients echo back the
// RFC 3339 string they received; unix milliseconds are accepted too. The raw
// form is kept so replies carry exactly what the client sent.
type MessageTime struct {
	Time time.Time
	raw  json.RawMessage
}

var errBadMessageTime = errors.New("messageTime must be an RFC 3339 string or unix milliseconds")

// UnmarshalJSON accepts a quoted timestamp or a number of milliseconds.
func (t *MessageTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	t.raw = append(json.RawMessage(nil), data...)

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return errBadMessageTime
		}
		t.Time = parsed
		return nil
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errBadMessageTime
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON writes back the original form, or RFC 3339 when there is none.
func (t MessageTime) MarshalJSON() ([]byte, error) {
	if len(t.raw) > 0 {
		return t.raw, nil
	}
	return json.Marshal(t.Time)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
