package sqlstore

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/openly/messenger/internal/models"
)

const searchLimit = 10

// UpsertUser stores the profile the identity provider handed out. The id
// is the provider's and is kept as-is.
func (s *SQLStore) UpsertUser(user *models.User) error {
	if user.ID == "" || user.Username == "" {
		return errors.New("user id and username are required")
	}
	res, err := s.db.Exec(s.rebind("UPDATE users SET username = ?, display_name = ?, photo_url = ? WHERE id = ?"),
		user.Username, user.DisplayName, user.PhotoURL, user.ID)
	if err != nil {
		return errors.Wrap(err, "update user")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.db.Exec(s.rebind("INSERT INTO users (id, username, display_name, photo_url) VALUES (?, ?, ?, ?)"),
		user.ID, user.Username, user.DisplayName, user.PhotoURL)
	return errors.Wrap(err, "insert user")
}

func (s *SQLStore) GetUserByID(id string) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, username, display_name, photo_url FROM users WHERE id = ?")
	err := s.db.QueryRow(query, id).Scan(&user.ID, &user.Username, &user.DisplayName, &user.PhotoURL)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return &user, nil
}

func (s *SQLStore) SearchUsers(queryStr string) ([]models.User, error) {
	pattern := "%" + strings.ToLower(queryStr) + "%"
	query := s.rebind(`
		SELECT id, username, display_name, photo_url FROM users
		WHERE LOWER(username) LIKE ? OR LOWER(display_name) LIKE ?
		ORDER BY username
		LIMIT ?
	`)
	rows, err := s.db.Query(query, pattern, pattern, searchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PhotoURL); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		users = append(users, user)
	}
	return users, errors.Wrap(rows.Err(), "search users")
}
