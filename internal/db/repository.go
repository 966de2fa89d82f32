// Package db is the backend database collaborator: message rows in Postgres,
// realtime push over Redis or NATS, and a polling fallback.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"echochan/internal/chat"
	"echochan/internal/event"
)

const (
	DefaultPollLimit = 100
	DefaultLoadLimit = 500
)

// Row is one stored chat message.
type Row struct {
	ID          string             `json:"id"`
	Room        string             `json:"room"`
	Nick        string             `json:"nick"`
	ClientID    string             `json:"client_id"`
	Author      string             `json:"author"`
	Text        string             `json:"text"`
	Attachments []event.Attachment `json:"attachments"`
	Reply       *event.Reply       `json:"reply,omitempty"`
	Action      bool               `json:"action"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Filter selects rows of one room, returned oldest first. By default the newest
// Limit rows at or after Since are picked; Oldest picks the first Limit instead,
// so a caller walking forward from a cursor never skips rows.
type Filter struct {
	Room   string
	Since  time.Time
	Limit  int
	Oldest bool
}

// RowStore is the database surface the rest of the client needs.
type RowStore interface {
	InsertRow(ctx context.Context, row Row) (Row, error)
	QueryRows(ctx context.Context, f Filter) ([]Row, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertRow stores row and returns it as persisted. Rows with an id already
// present are left untouched and returned as given.
func (r *Repository) InsertRow(ctx context.Context, row Row) (Row, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Attachments == nil {
		row.Attachments = []event.Attachment{}
	}
	attachments, err := json.Marshal(row.Attachments)
	if err != nil {
		return Row{}, fmt.Errorf("encode attachments: %w", err)
	}
	var reply []byte
	if row.Reply != nil {
		if reply, err = json.Marshal(row.Reply); err != nil {
			return Row{}, fmt.Errorf("encode reply: %w", err)
		}
	}

	query := `
		INSERT INTO messages (id, room, nick, client_id, author, text, attachments, reply, action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		row.ID, row.Room, row.Nick, row.ClientID, row.Author, row.Text,
		attachments, reply, row.Action, row.CreatedAt)
	if err != nil {
		return Row{}, fmt.Errorf("insert message: %w", err)
	}
	return row, nil
}

const (
	// newest N, returned oldest first
	queryNewest = `
		SELECT id, room, nick, client_id, author, text, attachments, reply, action, created_at
		FROM (
			SELECT * FROM messages
			WHERE room = $1 AND created_at >= $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC
	`
	queryOldest = `
		SELECT id, room, nick, client_id, author, text, attachments, reply, action, created_at
		FROM messages
		WHERE room = $1 AND created_at >= $2
		ORDER BY created_at ASC
		LIMIT $3
	`
)

func (r *Repository) QueryRows(ctx context.Context, f Filter) ([]Row, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPollLimit
	}
	query := queryNewest
	if f.Oldest {
		query = queryOldest
	}
	rows, err := r.db.QueryContext(ctx, query, f.Room, f.Since, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row         Row
			attachments []byte
			reply       []byte
		)
		if err := rows.Scan(&row.ID, &row.Room, &row.Nick, &row.ClientID, &row.Author, &row.Text,
			&attachments, &reply, &row.Action, &row.CreatedAt); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &row.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments of %s: %w", row.ID, err)
			}
		}
		if len(reply) > 0 {
			row.Reply = &event.Reply{}
			if err := json.Unmarshal(reply, row.Reply); err != nil {
				return nil, fmt.Errorf("decode reply of %s: %w", row.ID, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RowFromMessage converts a locally produced message for storage.
func RowFromMessage(m *chat.Message, clientID string) Row {
	return Row{
		ID:          m.ID,
		Room:        m.Room,
		Nick:        m.Nick,
		ClientID:    clientID,
		Author:      m.Author,
		Text:        m.Text,
		Attachments: m.Attachments,
		Reply:       m.Reply,
		Action:      m.Action,
		CreatedAt:   time.Unix(m.CreatedAt, 0).UTC(),
	}
}

// Message converts a stored row into a pipeline message.
func (r Row) Message(receivedAt time.Time) *chat.Message {
	return &chat.Message{
		ID:          r.ID,
		Room:        r.Room,
		Nick:        r.Nick,
		Author:      r.Author,
		Text:        r.Text,
		Attachments: r.Attachments,
		Reply:       r.Reply,
		Action:      r.Action,
		CreatedAt:   r.CreatedAt.Unix(),
		ReceivedAt:  receivedAt,
		Source:      chat.SourceBackend,
	}
}
