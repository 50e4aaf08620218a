// Package unread maintains per-recipient unread counters, one row per
// (user, conversation partition). Counters are incremented inside the same
// transaction that persists the message, so a crash can never be observed
// between persist and increment.
package unread

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/venueops/chatcore/internal/protocol"
)

// Snapshot is the badge state rendered on login/reconnect without replaying
// history. Total always equals Public plus the sum of Private values.
type Snapshot struct {
	Public  int64           `json:"public_unread"`
	Private map[int64]int64 `json:"private_unread"`
	Total   int64           `json:"total"`
}

// Tracker reads and resets unread counters. Increments go through ApplyTx
// so they share the message-insert transaction.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a Tracker over the message store's database handle.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// ApplyTx increments unread counters for a just-inserted message within the
// caller's transaction. For a private message recipientID is the peer; for
// a public message recipientID is zero and every known user except the
// sender is incremented.
func ApplyTx(tx *sql.Tx, senderID int64, partition string, recipientID int64) error {
	var err error
	if recipientID != 0 {
		_, err = tx.Exec(`
			INSERT INTO chat_unread (user_id, partition_key, count)
			VALUES ($1, $2, 1)
			ON CONFLICT (user_id, partition_key) DO UPDATE SET count = count + 1`,
			recipientID, partition)
	} else {
		_, err = tx.Exec(`
			INSERT INTO chat_unread (user_id, partition_key, count)
			SELECT id, $1, 1 FROM chat_users WHERE id <> $2
			ON CONFLICT (user_id, partition_key) DO UPDATE SET count = count + 1`,
			partition, senderID)
	}
	if err != nil {
		return fmt.Errorf("unread: increment %s: %w", partition, err)
	}
	return nil
}

// Snapshot returns the user's current unread counters.
func (t *Tracker) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT partition_key, count FROM chat_unread
		WHERE user_id = $1 AND count > 0`, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("unread: snapshot user=%d: %w", userID, err)
	}
	defer rows.Close()

	snap := Snapshot{Private: make(map[int64]int64)}
	for rows.Next() {
		var partition string
		var count int64
		if err := rows.Scan(&partition, &count); err != nil {
			return Snapshot{}, fmt.Errorf("unread: scan: %w", err)
		}
		if partition == protocol.PartitionPublic {
			snap.Public = count
		} else if peer, ok := PeerFromPartition(partition, userID); ok {
			snap.Private[peer] = count
		}
		snap.Total += count
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("unread: snapshot user=%d: %w", userID, err)
	}
	return snap, nil
}

// MarkRead resets the user's counter for one partition to zero. It is
// idempotent; marking an unknown conversation is a no-op.
func (t *Tracker) MarkRead(ctx context.Context, userID int64, partition string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE chat_unread SET count = 0
		WHERE user_id = $1 AND partition_key = $2`, userID, partition)
	if err != nil {
		return fmt.Errorf("unread: mark read %s user=%d: %w", partition, userID, err)
	}
	return nil
}

// PeerFromPartition extracts the other participant from a dm partition key.
// Returns false for keys that are not private partitions of userID.
func PeerFromPartition(partition string, userID int64) (int64, bool) {
	rest, ok := strings.CutPrefix(partition, "dm:")
	if !ok {
		return 0, false
	}
	loStr, hiStr, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, false
	}
	lo, err1 := strconv.ParseInt(loStr, 10, 64)
	hi, err2 := strconv.ParseInt(hiStr, 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	switch userID {
	case lo:
		return hi, true
	case hi:
		return lo, true
	}
	return 0, false
}
