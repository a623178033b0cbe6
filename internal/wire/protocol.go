// Package wire defines the JSON frames exchanged with the message server.
//
// Every websocket text frame is an Envelope: {"type": "...", "payload": {...}}.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Outbound command names.
const (
	CmdAuthenticate        = "authenticate"
	CmdSendMessage         = "send-message"
	CmdOperatorSendMessage = "operator-send-message"
	CmdTypingStart         = "typing-start"
	CmdTypingStop          = "typing-stop"
	CmdJoinRoom            = "join-room"
	CmdLeaveRoom           = "leave-room"
	CmdMarkRead            = "mark-read"
)

// Inbound push names.
const (
	PushMessageReceived = "message-received"
	PushTyping          = "typing"
	PushMessagesRead    = "messages-read"
	PushAuthenticated   = "authenticated"
	PushAuthError       = "auth-error"
	PushError           = "error"
)

// ErrMalformedFrame is returned for frames that are not a valid envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// Role is the role string issued by the authentication endpoint.
type Role string

// RoleClass is how the message server routes a role.
type RoleClass string

const (
	ClassParticipant RoleClass = "PARTICIPANT"
	ClassOperator    RoleClass = "OPERATOR"
)

// Class maps the concrete role to the routing class. Students and tutors
// are participants; support staff are operators.
func (r Role) Class() RoleClass {
	switch strings.ToUpper(strings.TrimSpace(string(r))) {
	case "OPERATOR", "ADMIN", "SUPPORT":
		return ClassOperator
	}
	return ClassParticipant
}

// Identity is the authenticated principal a connection is opened for.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Token  string `json:"token"`
}

// Envelope is the framing for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses one text frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// Command is an outbound frame before encoding.
type Command struct {
	Type    string
	Payload any
}

// Encode renders the command as an envelope.
func (c Command) Encode() ([]byte, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", c.Type, err)
	}
	return json.Marshal(Envelope{Type: c.Type, Payload: payload})
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

// AuthenticatePayload is the body of the authenticate command.
type AuthenticatePayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// SendMessagePayload is the body of send-message and operator-send-message.
type SendMessagePayload struct {
	RoomID        string `json:"roomId"`
	Content       string `json:"content"`
	Kind          Kind   `json:"kind"`
	CorrelationID string `json:"correlationId"`
}

// MarkReadPayload is the body of mark-read.
type MarkReadPayload struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

func Authenticate(id Identity) Command {
	return Command{Type: CmdAuthenticate, Payload: AuthenticatePayload{Token: id.Token, UserID: id.UserID, Role: id.Role}}
}

// SendMessage picks the command name from the sender's role class.
func SendMessage(class RoleClass, p SendMessagePayload) Command {
	name := CmdSendMessage
	if class == ClassOperator {
		name = CmdOperatorSendMessage
	}
	return Command{Type: name, Payload: p}
}

func TypingStart(roomID string) Command {
	return Command{Type: CmdTypingStart, Payload: roomPayload{RoomID: roomID}}
}

func TypingStop(roomID string) Command {
	return Command{Type: CmdTypingStop, Payload: roomPayload{RoomID: roomID}}
}

func JoinRoom(roomID string) Command {
	return Command{Type: CmdJoinRoom, Payload: roomPayload{RoomID: roomID}}
}

func LeaveRoom(roomID string) Command {
	return Command{Type: CmdLeaveRoom, Payload: roomPayload{RoomID: roomID}}
}

func MarkRead(roomID string, ids []string) Command {
	return Command{Type: CmdMarkRead, Payload: MarkReadPayload{RoomID: roomID, MessageIDs: ids}}
}

// MessageReceived is pushed for every new or acknowledged message. For an
// acknowledgment of our own send, CorrelationID carries the id we sent.
type MessageReceived struct {
	RoomID        string  `json:"roomId"`
	Message       Message `json:"message"`
	CorrelationID string  `json:"correlationId,omitempty"`
}

// Normalize copies envelope-level fields into the message when the
// server left them out of the nested object. A push whose two room ids
// disagree is malformed.
func (m *MessageReceived) Normalize() error {
	if m.RoomID != "" && m.Message.RoomID != "" && m.RoomID != m.Message.RoomID {
		return fmt.Errorf("%w: room %q carries message for room %q", ErrMalformedFrame, m.RoomID, m.Message.RoomID)
	}
	if m.Message.RoomID == "" {
		m.Message.RoomID = m.RoomID
	}
	if m.RoomID == "" {
		m.RoomID = m.Message.RoomID
	}
	if m.Message.CorrelationID == "" {
		m.Message.CorrelationID = m.CorrelationID
	}
	return nil
}

// Typing is a remote typing indicator.
type Typing struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

func (t *Typing) UnmarshalJSON(data []byte) error {
	type plain Typing
	var raw struct {
		plain
		UserID flexibleID `json:"userId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Typing(raw.plain)
	t.UserID = string(raw.UserID)
	return nil
}

// MessagesRead reports messages the server now considers read.
type MessagesRead struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

func (m *MessagesRead) UnmarshalJSON(data []byte) error {
	var raw struct {
		RoomID     string       `json:"roomId"`
		MessageIDs []flexibleID `json:"messageIds"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.RoomID = raw.RoomID
	m.MessageIDs = nil
	for _, id := range raw.MessageIDs {
		m.MessageIDs = append(m.MessageIDs, string(id))
	}
	return nil
}

// Authenticated acknowledges the authenticate command.
type Authenticated struct {
	UserID string `json:"userId"`
}

func (a *Authenticated) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID flexibleID `json:"userId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.UserID = string(raw.UserID)
	return nil
}

// AuthError rejects the authenticate command.
type AuthError struct {
	Reason string `json:"reason"`
}

// ServerError is a non-fatal error pushed by the server.
type ServerError struct {
	Message string `json:"message"`
}
