// Package event implements the signed event object, the relay wire frames and the
// application payloads carried in event content.
package event

import (
	"encoding/hex"
	"errors"
	"fmt"

	"echochan/internal/identity"
)

const (
	KindMessage = 1
	KindSignal  = 25050
)

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("event signature invalid")
)

// Signer is satisfied by *identity.Keypair.
type Signer interface {
	PublicKeyHex() string
	Sign(payload []byte) (string, error)
}

// Event is the signed envelope published to relays.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// New builds and signs an event. A signing failure is returned to the caller; the
// event is never published unsigned.
func New(signer Signer, kind int, tags [][]string, content string, createdAt int64) (*Event, error) {
	if tags == nil {
		tags = [][]string{}
	}
	ev := &Event{
		PubKey:    signer.PublicKeyHex(),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	ev.ID = identity.DeriveContentID(ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)

	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return nil, fmt.Errorf("decode event id: %w", err)
	}
	sig, err := signer.Sign(idBytes)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	ev.Sig = sig
	return ev, nil
}

// Verify recomputes the content id and checks the signature over it.
func (e *Event) Verify() error {
	if e == nil {
		return ErrInvalidID
	}
	want := identity.DeriveContentID(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
	if want != e.ID {
		return ErrInvalidID
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return ErrInvalidID
	}
	if err := identity.Verify(e.PubKey, idBytes, e.Sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// TagValue returns the first value of the named tag.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value of the named tag.
func (e *Event) TagValues(name string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// RoomTags builds the tag list for a room scoped event, optionally addressed to a peer.
func RoomTags(room, to string) [][]string {
	tags := [][]string{{"t", room}}
	if to != "" {
		tags = append(tags, []string{"p", to})
	}
	return tags
}
