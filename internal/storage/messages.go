package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one persisted chat line between two endpoint identities.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertMessage stores m, assigning an ID and creation time when missing,
// and returns the stored row.
func (d *DB) InsertMessage(m Message) (Message, error) {
	m.SenderID = strings.TrimSpace(m.SenderID)
	m.ReceiverID = strings.TrimSpace(m.ReceiverID)
	if m.SenderID == "" || m.ReceiverID == "" {
		return Message{}, errors.New("sender and receiver are required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return Message{}, errors.New("content is empty")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO messages (id, sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// Conversation returns the most recent limit messages exchanged between a and
// b in either direction, oldest first.
func (d *DB) Conversation(a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, sender_id, receiver_id, content, created_at FROM (
			SELECT id, sender_id, receiver_id, content, created_at, rowid AS seq
			FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`,
		a, b, b, a, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
