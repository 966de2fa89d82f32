package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Frame types on the relay socket.
const (
	FrameEvent  = "EVENT"
	FrameReq    = "REQ"
	FrameClose  = "CLOSE"
	FrameNotice = "NOTICE"
	FrameOK     = "OK"
	FrameEOSE   = "EOSE"
)

var ErrMalformedFrame = errors.New("malformed relay frame")

// Filter selects events for a subscription.
type Filter struct {
	Kinds []int    `json:"kinds,omitempty"`
	Rooms []string `json:"#t,omitempty"`
	Since int64    `json:"since,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev *Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if len(f.Rooms) > 0 {
		for _, room := range ev.TagValues("t") {
			if slices.Contains(f.Rooms, room) {
				return true
			}
		}
		return false
	}
	return true
}

// Frame is a decoded wire frame. Which fields are set depends on Type.
//
//	["EVENT", event]              publish (client -> relay)
//	["EVENT", sub_id, event]      delivery (relay -> client)
//	["REQ", sub_id, filter...]
//	["CLOSE", sub_id]
//	["NOTICE", text]
//	["OK", event_id, accepted, text]
//	["EOSE", sub_id]
type Frame struct {
	Type     string
	SubID    string
	Event    *Event
	Filters  []Filter
	EventID  string
	Accepted bool
	Message  string
}

func encode(parts ...any) ([]byte, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode %v frame: %w", parts[0], err)
	}
	return data, nil
}

func EncodePublish(ev *Event) ([]byte, error) { return encode(FrameEvent, ev) }

func EncodeDelivery(subID string, ev *Event) ([]byte, error) {
	return encode(FrameEvent, subID, ev)
}

func EncodeReq(subID string, filters ...Filter) ([]byte, error) {
	parts := []any{FrameReq, subID}
	for _, f := range filters {
		parts = append(parts, f)
	}
	return encode(parts...)
}

func EncodeClose(subID string) ([]byte, error) { return encode(FrameClose, subID) }

func EncodeNotice(text string) ([]byte, error) { return encode(FrameNotice, text) }

func EncodeOK(eventID string, accepted bool, text string) ([]byte, error) {
	return encode(FrameOK, eventID, accepted, text)
}

func EncodeEOSE(subID string) ([]byte, error) { return encode(FrameEOSE, subID) }

// ParseFrame decodes a frame in either direction.
func ParseFrame(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return nil, ErrMalformedFrame
	}
	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return nil, ErrMalformedFrame
	}

	f := &Frame{Type: typ}
	switch typ {
	case FrameEvent:
		switch len(parts) {
		case 2:
			f.Event = &Event{}
			if err := json.Unmarshal(parts[1], f.Event); err != nil {
				return nil, ErrMalformedFrame
			}
		case 3:
			f.Event = &Event{}
			if json.Unmarshal(parts[1], &f.SubID) != nil || json.Unmarshal(parts[2], f.Event) != nil {
				return nil, ErrMalformedFrame
			}
		default:
			return nil, ErrMalformedFrame
		}
	case FrameReq:
		if len(parts) < 2 || json.Unmarshal(parts[1], &f.SubID) != nil {
			return nil, ErrMalformedFrame
		}
		for _, raw := range parts[2:] {
			var filter Filter
			if err := json.Unmarshal(raw, &filter); err != nil {
				return nil, ErrMalformedFrame
			}
			f.Filters = append(f.Filters, filter)
		}
	case FrameClose, FrameEOSE:
		if len(parts) != 2 || json.Unmarshal(parts[1], &f.SubID) != nil {
			return nil, ErrMalformedFrame
		}
	case FrameNotice:
		if len(parts) != 2 || json.Unmarshal(parts[1], &f.Message) != nil {
			return nil, ErrMalformedFrame
		}
	case FrameOK:
		if len(parts) < 3 || json.Unmarshal(parts[1], &f.EventID) != nil || json.Unmarshal(parts[2], &f.Accepted) != nil {
			return nil, ErrMalformedFrame
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &f.Message)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, typ)
	}
	if f.Event != nil && f.Event.ID == "" {
		return nil, ErrMalformedFrame
	}
	return f, nil
}
