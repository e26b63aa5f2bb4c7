package sqlstore

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

const messageColumns = `m.id, m.conversation_id, m.sender_id,
	COALESCE(NULLIF(u.display_name, ''), u.username, ''), COALESCE(u.photo_url, ''),
	m.content, m.created_at, m.is_read, m.is_deleted`

// SaveMessage stores content as sent, moves the conversation preview and
// bumps the other participant's unread counter.
func (s *SQLStore) SaveMessage(conversationID, senderID, content string) (*models.Message, error) {
	conv, err := s.GetConversation(conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, errors.Wrapf(store.ErrNotParticipant, "sender %s", senderID)
	}
	peer := conv.OtherParticipant(senderID)

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      models.Now(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind("INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read, is_deleted) VALUES (?, ?, ?, ?, ?, FALSE, FALSE)"),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	_, err = tx.Exec(s.rebind("UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ?"),
		models.Preview(content, PreviewLength), msg.CreatedAt, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "update preview")
	}
	if peer != senderID {
		_, err = tx.Exec(s.rebind("UPDATE conversation_unread SET unread = unread + 1 WHERE conversation_id = ? AND user_id = ?"),
			conversationID, peer)
		if err != nil {
			return nil, errors.Wrap(err, "bump unread counter")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit message")
	}

	if sender, err := s.GetUserByID(senderID); err == nil {
		msg.SenderName = sender.DisplayName
		if msg.SenderName == "" {
			msg.SenderName = sender.Username
		}
		msg.SenderPic = sender.PhotoURL
	}
	return msg, nil
}

func (s *SQLStore) GetMessage(id string) (*models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`)
	msg, err := scanMessage(s.db.QueryRow(query, id))
	if err != nil {
		return nil, notFound(err, "message "+id)
	}
	return msg, nil
}

// GetMessages returns one page of history in ascending order. Deleted
// messages are included with their content cleared.
func (s *SQLStore) GetMessages(conversationID string, page store.Page) ([]models.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	args := []any{conversationID}
	where := "m.conversation_id = ?"
	if !page.Before.IsZero() {
		where += " AND m.created_at < ?"
		args = append(args, page.Before)
	}
	args = append(args, limit)

	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE ` + where + `
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list messages")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteMessage soft-deletes a message and drops its content. When it was
// the conversation's latest message the stored preview becomes the
// tombstone text.
func (s *SQLStore) DeleteMessage(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	var conversationID string
	err = tx.QueryRow(s.rebind("SELECT conversation_id FROM messages WHERE id = ?"), id).Scan(&conversationID)
	if err != nil {
		return notFound(err, "message "+id)
	}

	if _, err := tx.Exec(s.rebind("UPDATE messages SET is_deleted = TRUE, content = '' WHERE id = ?"), id); err != nil {
		return errors.Wrap(err, "delete message")
	}

	var latest string
	err = tx.QueryRow(s.rebind("SELECT id FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1"),
		conversationID).Scan(&latest)
	if err != nil {
		return errors.Wrap(err, "find latest message")
	}
	if latest == id {
		_, err = tx.Exec(s.rebind("UPDATE conversations SET last_message = ? WHERE id = ?"), models.TombstoneText, conversationID)
		if err != nil {
			return errors.Wrap(err, "update preview")
		}
	}

	return errors.Wrap(tx.Commit(), "commit delete")
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.SenderPic,
		&msg.Content, &msg.CreatedAt, &msg.IsRead, &msg.IsDeleted)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		msg.Content = ""
	}
	return &msg, nil
}
