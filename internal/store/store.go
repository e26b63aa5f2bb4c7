package store

import (
	"errors"

	"github.com/openly/messenger/internal/models"
)

var (
	// ErrNotFound is returned when a user, conversation or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotParticipant is returned when a user acts on a conversation they
	// are not part of.
	ErrNotParticipant = errors.New("not a participant in this conversation")
)

// Page bounds a message history query. A zero Before means the latest page.
type Page struct {
	Limit  int
	Before models.Timestamp
}

type Store interface {
	// User operations
	UpsertUser(user *models.User) error
	GetUserByID(id string) (*models.User, error)
	SearchUsers(query string) ([]models.User, error)

	// Conversation operations
	GetOrCreateConversation(userID, targetID string) (*models.Conversation, error)
	GetConversation(id, viewerID string) (*models.Conversation, error)
	GetUserConversations(userID string) ([]models.Conversation, error)
	MarkRead(conversationID, userID string) error
	UnreadCount(userID string) (int, error)

	// Message operations
	SaveMessage(conversationID, senderID, content string) (*models.Message, error)
	GetMessage(id string) (*models.Message, error)
	GetMessages(conversationID string, page Page) ([]models.Message, error)
	DeleteMessage(id string) error

	Close() error
}
