package transport

import (
	"context"
	"fmt"
	"strings"

	"echochan/internal/chat"
)

// Result is the outcome of Execute: a sent message, a notice, or both empty
// for blank input.
type Result struct {
	Message *chat.Message `json:"message,omitempty"`
	Notice  string        `json:"notice,omitempty"`
}

// Execute runs one line of composer input. /join, /leave and /nick change settings,
// /me sends an action, anything else is sent as text to the current room.
func (c *Client) Execute(ctx context.Context, line string, req SendRequest) (Result, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" && len(req.Attachments) == 0 {
		return Result{}, nil
	}

	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	switch {
	case cmd == "/join" && arg != "":
		room := chat.NormalizeRoom(arg)
		if _, err := c.AddRoom(room); err != nil {
			return Result{}, err
		}
		if err := c.SelectRoom(ctx, room); err != nil {
			return Result{}, err
		}
		return Result{Notice: fmt.Sprintf("Joined %s.", room)}, nil

	case cmd == "/leave" && arg != "":
		room := chat.NormalizeRoom(arg)
		if _, err := c.RemoveRoom(ctx, room); err != nil {
			return Result{}, err
		}
		return Result{Notice: fmt.Sprintf("Left %s.", room)}, nil

	case cmd == "/nick" && arg != "":
		next := c.Settings()
		next.Nick = arg
		saved, err := c.SaveSettings(ctx, next)
		if err != nil {
			return Result{}, err
		}
		return Result{Notice: fmt.Sprintf("Nick changed to %s.", saved.Nick)}, nil

	case cmd == "/me" && arg != "":
		req.Text = arg
		req.Action = true

	default:
		req.Text = trimmed
	}

	m, err := c.Send(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: m}, nil
}
