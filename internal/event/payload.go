package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeMessage = "message"
	TypeSignal  = "signal"
)

// Signal kinds exchanged while negotiating a P2P session.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	SignalDecline   = "decline"
	SignalCancel    = "cancel"
)

var ErrUnknownPayload = errors.New("unknown payload type")

// Attachment is an inline (data URL) or linked media descriptor.
type Attachment struct {
	Kind string `json:"kind" validate:"oneof=inline link"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Reply points at an earlier message and carries a denormalized preview of it.
type Reply struct {
	ID   string `json:"id"`
	Nick string `json:"nick"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

type MessagePayload struct {
	Type         string       `json:"type"`
	Room         string       `json:"room"`
	Nick         string       `json:"nick"`
	ClientID     string       `json:"client_id"`
	CreatedAtSec int64        `json:"createdAtSec"`
	Text         string       `json:"text"`
	Attachments  []Attachment `json:"attachments"`
	Action       bool         `json:"action"`
	Reply        *Reply       `json:"reply"`
}

type SignalPayload struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	SID       string `json:"sid"`
	Kind      string `json:"kind"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Name      string `json:"name,omitempty"`
	Mime      string `json:"mime,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// EncodeContent serializes a payload into an event content string.
func EncodeContent(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(data), nil
}

// DecodeContent parses an event content string into *MessagePayload or *SignalPayload.
func DecodeContent(content string) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(content), &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPayload, err)
	}
	switch head.Type {
	case TypeMessage:
		var p MessagePayload
		if err := json.Unmarshal([]byte(content), &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return &p, nil
	case TypeSignal:
		var p SignalPayload
		if err := json.Unmarshal([]byte(content), &p); err != nil {
			return nil, fmt.Errorf("decode signal payload: %w", err)
		}
		if p.SID == "" || p.Kind == "" {
			return nil, fmt.Errorf("%w: signal without sid or kind", ErrUnknownPayload)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, head.Type)
	}
}
