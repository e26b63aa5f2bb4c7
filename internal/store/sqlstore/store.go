package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openly/messenger/internal/store"
)

// PreviewLength is how much of a message is kept as the conversation's
// last_message.
const PreviewLength = 100

type SQLStore struct {
	db         *sql.DB
	driverName string
	log        *logrus.Entry
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driverName)
	}
	if driverName == "sqlite3" {
		// Each sqlite connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", driverName)
	}

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		log:        logrus.WithFields(logrus.Fields{"component": "sqlstore", "driver": driverName}),
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		last_message TEXT NOT NULL DEFAULT '',
		last_message_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (user_a, user_b)
	);

	CREATE TABLE IF NOT EXISTS conversation_unread (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		unread INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (conversation_id, user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages (conversation_id, created_at);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
	}

	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, "create tables")
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// notFound maps sql.ErrNoRows to store.ErrNotFound and wraps anything else.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(store.ErrNotFound, what)
	}
	return errors.Wrapf(err, "get %s", what)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
