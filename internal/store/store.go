// Package store persists chat messages and the user directory in SQL. It is
// the single source of truth for message ordering: the autoincrement primary
// key is the message id, and inserts into one partition are serialized by
// the router, so ids are strictly increasing within each partition.
//
// Postgres is the production backend; SQLite serves development and tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/venueops/chatcore/internal/protocol"
	"github.com/venueops/chatcore/internal/unread"
)

// DriverPostgres and DriverSQLite are the supported database/sql drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Store is the SQL message store.
type Store struct {
	db     *sql.DB
	driver string
}

// User is a directory entry, upserted whenever a session authenticates.
type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Conversation summarizes one private conversation for the list view.
type Conversation struct {
	PeerID        int64     `json:"peer_id"`
	PeerName      string    `json:"peer_name"`
	Unread        int64     `json:"unread"`
	LastMessage   string    `json:"last_message"`
	LastSenderID  int64     `json:"last_sender_id"`
	LastMessageID int64     `json:"last_message_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	Online        bool      `json:"online"`
}

// Open connects to the database, verifies the connection, and applies any
// pending schema migrations for the driver's dialect.
func Open(driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; a larger pool just produces
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	if err := runMigrations(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, driver: driver}, nil
}

// DB exposes the underlying handle for collaborators that share the store's
// database (the unread tracker).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertUser records or refreshes a directory entry. Called on every
// successful session handshake so conversation previews and the public
// unread fan-out know about the user.
func (s *Store) UpsertUser(ctx context.Context, id int64, displayName, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_users (id, display_name, role, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			last_seen_at = excluded.last_seen_at`,
		id, displayName, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: upsert user %d: %w", id, err)
	}
	return nil
}

// UserName returns the display name for a user id, or "" if unknown.
func (s *Store) UserName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM chat_users WHERE id = $1`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: user name %d: %w", id, err)
	}
	return name, nil
}

// SaveMessage persists a message and increments unread counters for its
// recipients in a single transaction, then returns the message with its
// assigned id. The caller holds the partition lock for the message's
// partition, which makes ids strictly increasing within it.
func (s *Store) SaveMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = protocol.KindText
	}
	partition := msg.Partition()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages (partition_key, sender_id, recipient_id, scope, kind, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		partition, msg.SenderID, msg.RecipientID, msg.Scope, msg.Kind, msg.Content, msg.CreatedAt,
	).Scan(&msg.MessageID)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: insert message: %w", err)
	}

	if err := unread.ApplyTx(tx, msg.SenderID, partition, msg.RecipientID); err != nil {
		return protocol.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return protocol.Message{}, fmt.Errorf("store: commit message: %w", err)
	}
	return msg, nil
}

// PublicHistory returns public-channel messages. With after == 0 it returns
// the most recent limit messages; with a cursor it returns the backlog
// strictly after that id. Results are ascending by id either way.
func (s *Store) PublicHistory(ctx context.Context, after int64, limit int) ([]protocol.Message, error) {
	return s.history(ctx, `m.partition_key = $1`, []interface{}{protocol.PartitionPublic}, after, limit)
}

// PrivateHistory returns messages between two users, same cursor contract
// as PublicHistory.
func (s *Store) PrivateHistory(ctx context.Context, userA, userB, after int64, limit int) ([]protocol.Message, error) {
	partition := protocol.PartitionDM(userA, userB)
	return s.history(ctx, `m.partition_key = $1`, []interface{}{partition}, after, limit)
}

func (s *Store) history(ctx context.Context, where string, args []interface{}, after int64, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	base := `
		SELECT m.id, m.sender_id, COALESCE(u.display_name, ''), m.recipient_id,
		       m.scope, m.kind, m.content, m.created_at
		FROM chat_messages m
		LEFT JOIN chat_users u ON u.id = m.sender_id
		WHERE ` + where

	var query string
	n := len(args)
	if after > 0 {
		query = base + fmt.Sprintf(` AND m.id > $%d ORDER BY m.id ASC LIMIT $%d`, n+1, n+2)
		args = append(args, after, limit)
	} else {
		query = base + fmt.Sprintf(` ORDER BY m.id DESC LIMIT $%d`, n+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.MessageID, &m.SenderID, &m.SenderName, &m.RecipientID,
			&m.Scope, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}

	// The recent-N branch selects newest-first; flip to chronological.
	if after <= 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// Conversations lists the user's private conversations, newest first, each
// with its peer, unread count, and last-message preview.
func (s *Store) Conversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN m.sender_id = $1 THEN m.recipient_id ELSE m.sender_id END,
		       COALESCE(u.display_name, ''),
		       m.id, m.sender_id, m.content, m.created_at,
		       COALESCE(n.count, 0)
		FROM chat_messages m
		JOIN (
			SELECT partition_key, MAX(id) AS max_id
			FROM chat_messages
			WHERE scope = 'private' AND (sender_id = $1 OR recipient_id = $1)
			GROUP BY partition_key
		) last ON last.partition_key = m.partition_key AND last.max_id = m.id
		LEFT JOIN chat_users u
			ON u.id = CASE WHEN m.sender_id = $1 THEN m.recipient_id ELSE m.sender_id END
		LEFT JOIN chat_unread n
			ON n.user_id = $1 AND n.partition_key = m.partition_key
		ORDER BY m.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: conversations user=%d: %w", userID, err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PeerID, &c.PeerName, &c.LastMessageID, &c.LastSenderID,
			&c.LastMessage, &c.LastMessageAt, &c.Unread); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversations user=%d: %w", userID, err)
	}
	return convs, nil
}
