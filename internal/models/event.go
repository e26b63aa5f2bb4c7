package models

import (
	"encoding/json"
	"errors"
)

const (
	EventNewMessage = "new_message"
	EventTyping     = "typing"
)

var (
	ErrMissingEventType = errors.New("event has no type")
	ErrMissingMessage   = errors.New("new_message event has no message")
)

// Event is a frame exchanged over the push channel. Only the fields that
// belong to Type are populated.
type Event struct {
	Type           string     `json:"type"`
	Message        *Message   `json:"message,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	IsTyping       bool       `json:"is_typing"`
	Timestamp      *Timestamp `json:"timestamp,omitempty"`
}

// TypingEvent is the outbound typing indicator frame.
type TypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func NewTypingEvent(conversationID string, isTyping bool) TypingEvent {
	return TypingEvent{Type: EventTyping, ConversationID: conversationID, IsTyping: isTyping}
}

// NewMessageEvent wraps m for delivery to a peer.
func NewMessageEvent(m Message) Event {
	return Event{Type: EventNewMessage, Message: &m}
}

// ParseEvent decodes a frame. Unknown types are returned as-is so callers
// can ignore them; frames that are not JSON objects, have no type, or
// are new_message frames without a message are rejected.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		return Event{}, ErrMissingEventType
	}
	if ev.Type == EventNewMessage && ev.Message == nil {
		return Event{}, ErrMissingMessage
	}
	return ev, nil
}
