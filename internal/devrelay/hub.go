// Package devrelay is a small room relay for local development and tests. It speaks
// the same frame protocol as public relays, keeps a bounded backlog and can fan out
// through Redis so several relay processes behave as one.
package devrelay

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"echochan/internal/event"
)

const (
	DefaultBacklog = 1000
	redisChannel   = "echochan:relay:events"
)

type inbound struct {
	client *Client
	frame  *event.Frame
	err    error
}

// Relay acts as the central router.
// Its run loop is the only thing that touches clients, subscriptions and backlog.
type Relay struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	// accepted events, either straight from a client or echoed back by Redis
	broadcast chan *event.Event
	kick      chan struct{}

	backlog    []*event.Event
	backlogCap int
	known      map[string]bool

	redis *redis.Client
	log   zerolog.Logger

	done chan struct{}
}

// New creates a relay. redisClient may be nil, in which case events fan out in-process.
func New(redisClient *redis.Client, backlog int, log zerolog.Logger) *Relay {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Relay{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		broadcast:  make(chan *event.Event, 256),
		kick:       make(chan struct{}),
		backlogCap: backlog,
		known:      make(map[string]bool),
		redis:      redisClient,
		log:        log.With().Str("component", "devrelay").Logger(),
		done:       make(chan struct{}),
	}
}

// Run is the loop that manages relay state until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if r.redis != nil {
		go r.subscribeToRedis(ctx)
	}
	defer func() {
		for c := range r.clients {
			close(c.send)
		}
		close(r.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-r.register:
			r.clients[c] = true

		case c := <-r.unregister:
			r.drop(c)

		case <-r.kick:
			for c := range r.clients {
				r.drop(c)
			}

		case in := <-r.inbound:
			if !r.clients[in.client] {
				continue
			}
			if in.err != nil {
				r.reply(in.client, encoded(event.EncodeNotice("invalid: "+in.err.Error())))
				continue
			}
			r.handle(ctx, in.client, in.frame)

		case ev := <-r.broadcast:
			r.fanOut(ev)
		}
	}
}

func (r *Relay) drop(c *Client) {
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}
}

func (r *Relay) handle(ctx context.Context, c *Client, f *event.Frame) {
	switch f.Type {
	case event.FrameReq:
		c.subs[f.SubID] = f.Filters
		r.replay(c, f.SubID, f.Filters)

	case event.FrameClose:
		delete(c.subs, f.SubID)

	case event.FrameEvent:
		ev := f.Event
		if err := ev.Verify(); err != nil {
			r.reply(c, encoded(event.EncodeOK(ev.ID, false, "invalid: "+err.Error())))
			return
		}
		if r.known[ev.ID] {
			r.reply(c, encoded(event.EncodeOK(ev.ID, true, "duplicate: already have this event")))
			return
		}
		r.reply(c, encoded(event.EncodeOK(ev.ID, true, "")))
		r.publish(ctx, ev)

	default:
		r.reply(c, encoded(event.EncodeNotice("unsupported frame "+f.Type)))
	}
}

// publish hands an accepted event to Redis, or straight to the fan-out without it.
func (r *Relay) publish(ctx context.Context, ev *event.Event) {
	if r.redis == nil {
		r.fanOut(ev)
		return
	}
	data, err := event.EncodePublish(ev)
	if err != nil {
		return
	}
	if err := r.redis.Publish(ctx, redisChannel, data).Err(); err != nil {
		r.log.Error().Err(err).Msg("redis publish failed, delivering locally")
		r.fanOut(ev)
	}
}

func (r *Relay) subscribeToRedis(ctx context.Context) {
	pubsub := r.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f, err := event.ParseFrame([]byte(msg.Payload))
			if err != nil || f.Event == nil {
				continue
			}
			select {
			case r.broadcast <- f.Event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fanOut records ev in the backlog and delivers it to every matching subscription.
func (r *Relay) fanOut(ev *event.Event) {
	if r.known[ev.ID] {
		return
	}
	r.known[ev.ID] = true
	r.backlog = append(r.backlog, ev)
	if len(r.backlog) > r.backlogCap {
		delete(r.known, r.backlog[0].ID)
		r.backlog = r.backlog[1:]
	}

	for c := range r.clients {
		for subID, filters := range c.subs {
			if matchesAny(filters, ev) {
				r.reply(c, encoded(event.EncodeDelivery(subID, ev)))
			}
		}
	}
}

// replay sends stored events matching filters, newest last, then EOSE.
func (r *Relay) replay(c *Client, subID string, filters []event.Filter) {
	limit := 0
	for _, f := range filters {
		if f.Limit > limit {
			limit = f.Limit
		}
	}
	var matched []*event.Event
	for _, ev := range r.backlog {
		if matchesAny(filters, ev) {
			matched = append(matched, ev)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	for _, ev := range matched {
		r.reply(c, encoded(event.EncodeDelivery(subID, ev)))
	}
	r.reply(c, encoded(event.EncodeEOSE(subID)))
}

// reply queues a frame for c. A client whose buffer is full is dropped.
func (r *Relay) reply(c *Client, frame []byte) {
	if frame == nil || !r.clients[c] {
		return
	}
	select {
	case c.send <- frame:
	default:
		r.drop(c)
	}
}

func encoded(frame []byte, err error) []byte {
	if err != nil {
		return nil
	}
	return frame
}

func matchesAny(filters []event.Filter, ev *event.Event) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// DropAll disconnects every client. Used to exercise client reconnects.
func (r *Relay) DropAll() {
	select {
	case r.kick <- struct{}{}:
	case <-r.done:
	}
}
