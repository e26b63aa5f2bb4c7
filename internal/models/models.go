package models

import (
	"strings"
	"time"
)

// TombstoneText is displayed in place of a deleted message's content.
const TombstoneText = "Message deleted"

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// ParticipantInfo is the denormalized profile shipped with a conversation.
type ParticipantInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

type Conversation struct {
	ID              string            `json:"id"`
	Participants    []string          `json:"participants"`
	ParticipantInfo []ParticipantInfo `json:"participant_info"`
	LastMessage     string            `json:"last_message"`
	LastMessageAt   Timestamp         `json:"last_message_at"`
	UnreadCount     int               `json:"unread_count"`
	CreatedAt       Timestamp         `json:"created_at"`
}

// OtherParticipant returns the participant that is not self. For a
// conversation a user holds with themselves it returns self.
func (c Conversation) OtherParticipant(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return self
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// DisplayName picks the best label for the peer of self.
func (c Conversation) DisplayName(self string) string {
	other := c.OtherParticipant(self)
	for _, info := range c.ParticipantInfo {
		if info.ID != other {
			continue
		}
		if info.DisplayName != "" {
			return info.DisplayName
		}
		if info.Username != "" {
			return info.Username
		}
	}
	return other
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	SenderPic      string    `json:"sender_pic,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at"`
	IsRead         bool      `json:"is_read"`
	IsDeleted      bool      `json:"is_deleted"`
	Status         string    `json:"status,omitempty"`
}

// DisplayContent is what a UI may render for the message.
func (m Message) DisplayContent() string {
	if m.IsDeleted {
		return TombstoneText
	}
	return m.Content
}

// Preview truncates content the way the backend stores last_message.
func Preview(content string, max int) string {
	if max <= 0 {
		return content
	}
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max])
}

// SortedPair returns the two ids in lexicographic order.
func SortedPair(a, b string) [2]string {
	if strings.Compare(a, b) > 0 {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// Now is the UTC wall clock used for server-assigned timestamps.
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC()}
}
