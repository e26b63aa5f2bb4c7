package api

// Request and response bodies shared by the client and the reference
// backend handlers.

type CreateConversationRequest struct {
	UserID       string `json:"user_id"`
	TargetUserID string `json:"target_user_id"`
}

type SendMessageRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

type MarkReadRequest struct {
	UserID string `json:"user_id"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

type UpsertUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

const (
	StatusMarkedRead = "marked_read"
	StatusDeleted    = "deleted"
	StatusSent       = "sent"

	DefaultPageSize = 50
	MaxPageSize     = 200
)
