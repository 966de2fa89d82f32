package chat

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"echochan/internal/metrics"
)

const DefaultSettleWindow = 800 * time.Millisecond

// Delivery is what listeners receive: one live message, or an ordered backlog batch
// flushed at the end of a settling window.
type Delivery struct {
	Room     string
	Messages []*Message
	Backlog  bool
}

// Listener is a UI-facing consumer of deliveries.
type Listener struct {
	Send chan Delivery
}

type ingestRequest struct {
	msg   *Message
	reply chan bool
}

// Hub is the single writer of the Store. Every transport funnels messages through
// Ingest, which runs on the Hub's loop.
type Hub struct {
	store        *Store
	settleWindow time.Duration
	log          zerolog.Logger

	listeners map[*Listener]bool

	register   chan *Listener
	unregister chan *Listener
	ingest     chan ingestRequest
	settle     chan struct{}
	query      chan func(*Store)
	done       chan struct{}

	settleTimer *time.Timer
	settleC     <-chan time.Time
	pending     []*Message
}

func NewHub(store *Store, settleWindow time.Duration, log zerolog.Logger) *Hub {
	if settleWindow <= 0 {
		settleWindow = DefaultSettleWindow
	}
	return &Hub{
		store:        store,
		settleWindow: settleWindow,
		log:          log.With().Str("component", "chat_hub").Logger(),
		listeners:    make(map[*Listener]bool),
		register:     make(chan *Listener),
		unregister:   make(chan *Listener),
		ingest:       make(chan ingestRequest),
		settle:       make(chan struct{}),
		query:        make(chan func(*Store)),
		done:         make(chan struct{}),
	}
}

// Run owns the store and the listener set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		if h.settleTimer != nil {
			h.settleTimer.Stop()
		}
		for l := range h.listeners {
			close(l.Send)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case l := <-h.register:
			h.listeners[l] = true

		case l := <-h.unregister:
			if _, ok := h.listeners[l]; ok {
				delete(h.listeners, l)
				close(l.Send)
			}

		case req := <-h.ingest:
			req.reply <- h.insert(req.msg)

		case <-h.settle:
			if h.settleC == nil {
				h.settleTimer = time.NewTimer(h.settleWindow)
				h.settleC = h.settleTimer.C
				h.log.Debug().Dur("window", h.settleWindow).Msg("settling started")
			}

		case <-h.settleC:
			h.settleTimer = nil
			h.settleC = nil
			h.flushPending()

		case fn := <-h.query:
			fn(h.store)
		}
	}
}

func (h *Hub) insert(m *Message) bool {
	if !h.store.Insert(m) {
		metrics.MessagesIngested.WithLabelValues("duplicate").Inc()
		return false
	}
	metrics.MessagesIngested.WithLabelValues("inserted").Inc()

	if h.settleC != nil {
		h.pending = append(h.pending, m)
		return true
	}
	h.deliver(Delivery{Room: m.Room, Messages: []*Message{m}})
	return true
}

// flushPending sorts the side buffer once and hands it out as one batch per room.
func (h *Hub) flushPending() {
	pending := h.pending
	h.pending = nil
	if len(pending) == 0 {
		return
	}
	sort.Slice(pending, func(i, j int) bool { return Less(pending[i], pending[j]) })

	var order []string
	byRoom := make(map[string][]*Message)
	for _, m := range pending {
		if _, ok := byRoom[m.Room]; !ok {
			order = append(order, m.Room)
		}
		byRoom[m.Room] = append(byRoom[m.Room], m)
	}
	for _, room := range order {
		h.deliver(Delivery{Room: room, Messages: byRoom[room], Backlog: true})
	}
	h.log.Debug().Int("messages", len(pending)).Int("rooms", len(order)).Msg("settling flushed")
}

func (h *Hub) deliver(d Delivery) {
	for l := range h.listeners {
		select {
		case l.Send <- d:
		default:
			close(l.Send)
			delete(h.listeners, l)
			metrics.ListenersDropped.Inc()
			h.log.Warn().Msg("dropping slow listener")
		}
	}
}

// Ingest is the single entry point for every inbound or locally authored message.
// It returns true when the message was new and has been inserted.
func (h *Hub) Ingest(m *Message) bool {
	reply := make(chan bool, 1)
	select {
	case h.ingest <- ingestRequest{msg: m, reply: reply}:
		return <-reply
	case <-h.done:
		return false
	}
}

// BeginSettle starts a settling window unless one is already running. The window is
// not extended by further calls.
func (h *Hub) BeginSettle() {
	select {
	case h.settle <- struct{}{}:
	case <-h.done:
	}
}

// Listen registers a listener with the given delivery buffer.
func (h *Hub) Listen(buffer int) *Listener {
	l := &Listener{Send: make(chan Delivery, buffer)}
	select {
	case h.register <- l:
	case <-h.done:
		close(l.Send)
	}
	return l
}

// Unlisten removes a listener and closes its channel.
func (h *Hub) Unlisten(l *Listener) {
	select {
	case h.unregister <- l:
	case <-h.done:
	}
}

func (h *Hub) do(fn func(*Store)) bool {
	finished := make(chan struct{})
	select {
	case h.query <- func(s *Store) { fn(s); close(finished) }:
		<-finished
		return true
	case <-h.done:
		return false
	}
}

// Messages returns the ordered buffer of a room.
func (h *Hub) Messages(room string) []*Message {
	var out []*Message
	h.do(func(s *Store) { out = s.Messages(room) })
	return out
}

// Counts returns buffer sizes per room.
func (h *Hub) Counts() map[string]int {
	out := map[string]int{}
	h.do(func(s *Store) { out = s.Counts() })
	return out
}

// Lookup finds a buffered message by id.
func (h *Hub) Lookup(id string) (*Message, bool) {
	var (
		m  *Message
		ok bool
	)
	h.do(func(s *Store) { m, ok = s.Lookup(id) })
	return m, ok
}
