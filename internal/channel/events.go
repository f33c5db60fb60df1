package channel

import (
	"encoding/json"
	"fmt"

	"github.com/xaenox/supportchat/internal/models"
)

type EventKind string

const (
	// outbound intents
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
	EventSend  EventKind = "send"

	// inbound events
	EventMessageAck       EventKind = "message:ack"
	EventNewUserMessage   EventKind = "new_user_message"
	EventAgentMessageSent EventKind = "agent_message_sent"
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type MembershipPayload struct {
	SessionID string `json:"session_id"`
}

type SendPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id,omitempty"`
	IsAgent   bool   `json:"is_agent,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// AckPayload is a committed bot or agent reply.
type AckPayload struct {
	SessionID string            `json:"session_id"`
	MessageID string            `json:"message_id,omitempty"`
	Response  string            `json:"response"`
	Timestamp string            `json:"timestamp,omitempty"`
	Ticket    *models.RawTicket `json:"ticket,omitempty"`
}

type UserMessagePayload struct {
	SessionID   string `json:"session_id"`
	MessageID   string `json:"message_id"`
	UserMessage string `json:"user_message"`
	Timestamp   string `json:"timestamp"`
}

type AgentMessagePayload struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// Event is one inbound notification as handed to handlers.
type Event struct {
	Kind      EventKind
	SessionID string
	Data      json.RawMessage
}

// Handler runs on the read goroutine. Events of a connection are handled one
// at a time in arrival order.
type Handler func(Event)

func (e Event) Ack() (AckPayload, error) {
	var p AckPayload
	return p, e.decode(&p)
}

func (e Event) UserMessage() (UserMessagePayload, error) {
	var p UserMessagePayload
	return p, e.decode(&p)
}

func (e Event) AgentMessage() (AgentMessagePayload, error) {
	var p AgentMessagePayload
	return p, e.decode(&p)
}

func (e Event) decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("error decoding %s payload: %w", e.Kind, err)
	}
	return nil
}

func encodeFrame(kind EventKind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error encoding %s payload: %w", kind, err)
	}
	return json.Marshal(Frame{Event: kind, Data: data})
}
