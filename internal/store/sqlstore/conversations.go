package sqlstore

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openly/messenger/internal/models"
)

const conversationColumns = "c.id, c.user_a, c.user_b, c.last_message, c.last_message_at, c.created_at, COALESCE(u.unread, 0)"

// GetOrCreateConversation returns the conversation between the two users,
// creating it on first use. The result is seen from userID.
func (s *SQLStore) GetOrCreateConversation(userID, targetID string) (*models.Conversation, error) {
	pair := models.SortedPair(userID, targetID)

	conv, err := s.conversationByPair(pair, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "find conversation")
	}

	id := uuid.NewString()
	now := models.Now()
	if err := s.insertConversation(id, pair, now); err != nil {
		// Lost a race with the other participant; their row wins.
		if conv, err2 := s.conversationByPair(pair, userID); err2 == nil {
			return conv, nil
		}
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"conversation_id": id, "participants": pair}).Debug("Created conversation")
	return s.GetConversation(id, userID)
}

func (s *SQLStore) insertConversation(id string, pair [2]string, now models.Timestamp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind("INSERT INTO conversations (id, user_a, user_b, last_message, last_message_at, created_at) VALUES (?, ?, ?, '', ?, ?)"),
		id, pair[0], pair[1], now, now)
	if err != nil {
		return errors.Wrap(err, "insert conversation")
	}
	for i, p := range pair {
		if i == 1 && p == pair[0] {
			break
		}
		_, err = tx.Exec(s.rebind("INSERT INTO conversation_unread (conversation_id, user_id, unread) VALUES (?, ?, 0)"), id, p)
		if err != nil {
			return errors.Wrap(err, "insert unread counter")
		}
	}
	return errors.Wrap(tx.Commit(), "commit conversation")
}

func (s *SQLStore) conversationByPair(pair [2]string, viewerID string) (*models.Conversation, error) {
	query := s.rebind(`
		SELECT ` + conversationColumns + `
		FROM conversations c
		LEFT JOIN conversation_unread u ON u.conversation_id = c.id AND u.user_id = ?
		WHERE c.user_a = ? AND c.user_b = ?
	`)
	conv, err := scanConversation(s.db.QueryRow(query, viewerID, pair[0], pair[1]))
	if err != nil {
		return nil, err
	}
	if err := s.attachParticipants(conv, ""); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns the conversation with viewerID's unread count.
func (s *SQLStore) GetConversation(id, viewerID string) (*models.Conversation, error) {
	query := s.rebind(`
		SELECT ` + conversationColumns + `
		FROM conversations c
		LEFT JOIN conversation_unread u ON u.conversation_id = c.id AND u.user_id = ?
		WHERE c.id = ?
	`)
	conv, err := scanConversation(s.db.QueryRow(query, viewerID, id))
	if err != nil {
		return nil, notFound(err, "conversation "+id)
	}
	if err := s.attachParticipants(conv, ""); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetUserConversations lists userID's conversations, most recent first,
// with profile info for the other participant only.
func (s *SQLStore) GetUserConversations(userID string) ([]models.Conversation, error) {
	query := s.rebind(`
		SELECT ` + conversationColumns + `
		FROM conversations c
		LEFT JOIN conversation_unread u ON u.conversation_id = c.id AND u.user_id = ?
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.last_message_at DESC
	`)
	rows, err := s.db.Query(query, userID, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}

	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan conversation")
		}
		convs = append(convs, *conv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}

	// Participant lookups run after the cursor is closed; sqlite has one
	// connection.
	for i := range convs {
		if err := s.attachParticipants(&convs[i], userID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// MarkRead marks the peer's messages read and zeroes userID's counter.
func (s *SQLStore) MarkRead(conversationID, userID string) error {
	if _, err := s.GetConversation(conversationID, userID); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind("UPDATE messages SET is_read = TRUE WHERE conversation_id = ? AND sender_id <> ? AND is_read = FALSE"),
		conversationID, userID)
	if err != nil {
		return errors.Wrap(err, "mark messages read")
	}
	_, err = tx.Exec(s.rebind("UPDATE conversation_unread SET unread = 0 WHERE conversation_id = ? AND user_id = ?"),
		conversationID, userID)
	if err != nil {
		return errors.Wrap(err, "reset unread counter")
	}
	return errors.Wrap(tx.Commit(), "commit mark read")
}

// UnreadCount sums userID's counters across all conversations.
func (s *SQLStore) UnreadCount(userID string) (int, error) {
	var total int
	err := s.db.QueryRow(s.rebind("SELECT COALESCE(SUM(unread), 0) FROM conversation_unread WHERE user_id = ?"), userID).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "unread count")
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv models.Conversation
		a, b string
	)
	err := row.Scan(&conv.ID, &a, &b, &conv.LastMessage, &conv.LastMessageAt, &conv.CreatedAt, &conv.UnreadCount)
	if err != nil {
		return nil, err
	}
	conv.Participants = []string{a, b}
	return &conv, nil
}

// attachParticipants fills ParticipantInfo from the users table. When
// exclude is set that participant is left out. Users that never
// registered a profile are skipped.
func (s *SQLStore) attachParticipants(conv *models.Conversation, exclude string) error {
	conv.ParticipantInfo = []models.ParticipantInfo{}
	seen := map[string]bool{}
	for _, id := range conv.Participants {
		if id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		user, err := s.GetUserByID(id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return err
		}
		conv.ParticipantInfo = append(conv.ParticipantInfo, models.ParticipantInfo{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			PhotoURL:    user.PhotoURL,
		})
	}
	return nil
}
