package chat

import (
	"strings"
	"time"

	"echochan/internal/event"
	"echochan/internal/identity"
)

// Message sources.
const (
	SourceLocal   = "local"
	SourceBackend = "backend"
)

// Message is a chat event as held in a room buffer.
type Message struct {
	ID          string             `json:"id"`
	Room        string             `json:"room"`
	Nick        string             `json:"nick"`
	Author      string             `json:"author"`
	Text        string             `json:"text"`
	Attachments []event.Attachment `json:"attachments"`
	Reply       *event.Reply       `json:"reply,omitempty"`
	Action      bool               `json:"action"`
	CreatedAt   int64              `json:"createdAtSec"`
	ReceivedAt  time.Time          `json:"receivedAt"`
	Source      string             `json:"source"` // "local", "backend" or the relay url

	sortKey int64
}

// SortKey is the key the message was ordered by when it was ingested.
func (m *Message) SortKey() int64 { return m.sortKey }

// Payload renders the message as its wire payload.
func (m *Message) Payload(clientID string) event.MessagePayload {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []event.Attachment{}
	}
	return event.MessagePayload{
		Type:         event.TypeMessage,
		Room:         m.Room,
		Nick:         m.Nick,
		ClientID:     clientID,
		CreatedAtSec: m.CreatedAt,
		Text:         m.Text,
		Attachments:  attachments,
		Action:       m.Action,
		Reply:        m.Reply,
	}
}

// DeriveID computes a content id for messages that arrive without one.
func (m *Message) DeriveID() string {
	// Payload structs always marshal.
	content, _ := event.EncodeContent(m.Payload(""))
	return identity.DeriveContentID(m.Author, m.CreatedAt, event.KindMessage, event.RoomTags(m.Room, ""), content)
}

const replyPreviewLen = 140

// ReplyPreview builds the reply reference other messages embed when answering m.
func (m *Message) ReplyPreview() *event.Reply {
	text := m.Text
	if r := []rune(text); len(r) > replyPreviewLen {
		text = string(r[:replyPreviewLen])
	}
	return &event.Reply{ID: m.ID, Nick: m.Nick, Text: text, Ts: m.CreatedAt}
}

// FromEvent builds a message from a verified relay event and its decoded payload.
// The event id is authoritative; the room falls back to the event's room tag.
func FromEvent(ev *event.Event, p *event.MessagePayload, source string, receivedAt time.Time) *Message {
	room := NormalizeRoom(p.Room)
	if room == "" {
		room = NormalizeRoom(ev.TagValue("t"))
	}
	created := p.CreatedAtSec
	if created == 0 {
		created = ev.CreatedAt
	}
	nick := strings.TrimSpace(p.Nick)
	if nick == "" {
		nick = "Anonymous"
	}
	return &Message{
		ID:          ev.ID,
		Room:        room,
		Nick:        nick,
		Author:      ev.PubKey,
		Text:        p.Text,
		Attachments: p.Attachments,
		Reply:       p.Reply,
		Action:      p.Action,
		CreatedAt:   created,
		ReceivedAt:  receivedAt,
		Source:      source,
	}
}

// NormalizeRoom trims a channel name and prefixes it with '#'.
func NormalizeRoom(room string) string {
	trimmed := strings.TrimSpace(room)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "#") {
		return trimmed
	}
	return "#" + trimmed
}

// NormalizeRooms normalizes and de-duplicates a room list, keeping first occurrence order.
func NormalizeRooms(rooms []string) []string {
	out := make([]string, 0, len(rooms))
	seen := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		n := NormalizeRoom(room)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
