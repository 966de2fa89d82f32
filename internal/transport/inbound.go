package transport

import (
	"time"

	"echochan/internal/chat"
	"echochan/internal/db"
	"echochan/internal/event"
	"echochan/internal/metrics"
)

const keepNotices = 50

// Notice is a user-visible message that is not part of any room history:
// relay notices, rejected publishes and P2P session outcomes.
type Notice struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}

// handleFrame runs on relay endpoint goroutines; everything it produces goes through
// the hub or the P2P manager.
func (c *Client) handleFrame(relayURL string, f *event.Frame) {
	switch f.Type {
	case event.FrameEvent:
		c.handleEvent(relayURL, f.Event)
	case event.FrameNotice:
		c.log.Info().Str("relay", relayURL).Str("notice", f.Message).Msg("relay notice")
		c.Notify(relayURL, f.Message)
	case event.FrameOK:
		if !f.Accepted {
			c.log.Warn().Str("relay", relayURL).Str("id", f.EventID).Str("reason", f.Message).Msg("publish rejected")
		}
	case event.FrameEOSE:
		c.log.Debug().Str("relay", relayURL).Msg("backlog complete")
	}
}

func (c *Client) handleEvent(relayURL string, ev *event.Event) {
	if ev == nil {
		return
	}
	if err := ev.Verify(); err != nil {
		metrics.RelayFramesDropped.WithLabelValues("bad_event").Inc()
		c.log.Debug().Err(err).Str("relay", relayURL).Msg("dropping unverifiable event")
		return
	}
	payload, err := event.DecodeContent(ev.Content)
	if err != nil {
		metrics.RelayFramesDropped.WithLabelValues("bad_payload").Inc()
		c.log.Debug().Err(err).Str("relay", relayURL).Str("id", ev.ID).Msg("dropping unreadable content")
		return
	}

	now := c.cfg.Now()
	switch p := payload.(type) {
	case *event.MessagePayload:
		if ev.Kind != event.KindMessage {
			metrics.RelayFramesDropped.WithLabelValues("bad_payload").Inc()
			return
		}
		m := chat.FromEvent(ev, p, relayURL, now)
		c.touch(m, now)
		c.hub.Ingest(m)

	case *event.SignalPayload:
		if ev.Kind != event.KindSignal {
			metrics.RelayFramesDropped.WithLabelValues("bad_payload").Inc()
			return
		}
		c.mu.Lock()
		m := c.p2p
		c.mu.Unlock()
		if m != nil {
			m.HandleSignal(c.ctx, ev.PubKey, p)
		}
	}
}

// ingestRow hands a backend row to the hub. Used by history loads, push and polling.
func (c *Client) ingestRow(row db.Row) {
	now := c.cfg.Now()
	m := row.Message(now)
	c.touch(m, now)
	c.hub.Ingest(m)
	if c.poller != nil {
		c.poller.Advance(row.Room, row.CreatedAt)
	}
}

// touch records the author as active, never later than now.
func (c *Client) touch(m *chat.Message, now time.Time) {
	if m.Author == "" || m.Author == c.keys.PublicKeyHex() {
		return
	}
	seen := time.Unix(m.CreatedAt, 0)
	if seen.After(now) {
		seen = now
	}
	c.peers.Touch(m.Room, m.Author, m.Nick, seen)
}

// Notify records a notice. It is also the P2P manager's notice hook.
func (c *Client) Notify(source, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, Notice{At: c.cfg.Now(), Source: source, Text: text})
	if len(c.notices) > keepNotices {
		c.notices = c.notices[len(c.notices)-keepNotices:]
	}
}

// Notices returns the most recent notices, oldest first.
func (c *Client) Notices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notice(nil), c.notices...)
}
