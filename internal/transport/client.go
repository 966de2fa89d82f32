// Package transport is the command surface a UI drives: it owns the relay pool and
// the backend collaborator, routes outgoing messages by backend mode and funnels
// everything inbound through the chat hub.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"echochan/internal/chat"
	"echochan/internal/config"
	"echochan/internal/db"
	"echochan/internal/event"
	"echochan/internal/identity"
	"echochan/internal/metrics"
	"echochan/internal/p2p"
	"echochan/internal/relay"
)

const MaxAttachments = 2

var (
	ErrTooManyAttachments = errors.New("too many attachments")
	ErrPayloadTooLarge    = errors.New("payload exceeds size limit")
	ErrEmptyMessage       = errors.New("message has no text or attachments")
	ErrEmptyRoom          = errors.New("room name is empty")
	ErrUnknownRoom        = errors.New("room not found")
	ErrLastRoom           = errors.New("at least one room must remain")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrNoRelay            = errors.New("no relay connected")
	ErrP2PUnavailable     = errors.New("p2p transfers are not enabled")
)

// Backend is the optional database collaborator.
type Backend struct {
	Store db.RowStore
	// Push may be nil; polling still covers the selected room.
	Push         db.Push
	PollInterval time.Duration
}

type Config struct {
	Settings config.SettingsStore
	Identity *identity.Keypair
	Hub      *chat.Hub
	Relay    relay.Options
	Backend  *Backend
	Peers    *p2p.Peers
	// ClientID tags outgoing payloads; generated when empty.
	ClientID string
	Now      func() time.Time
	// OnStatus is called with every relay status change.
	OnStatus func(relay.Summary)
}

// State is the snapshot returned by GetState.
type State struct {
	Settings config.Settings `json:"settings"`
	Current  string          `json:"current_room"`
	Counts   map[string]int  `json:"counts"`
	Relays   relay.Summary   `json:"relays"`
	Sessions []p2p.Snapshot  `json:"sessions,omitempty"`
	Identity string          `json:"identity"`
}

// SendRequest is an outgoing chat message.
type SendRequest struct {
	Room        string             `json:"room"`
	Text        string             `json:"text" validate:"max=65536"`
	Attachments []event.Attachment `json:"attachments" validate:"dive"`
	// ReplyTo is the id of a buffered message being answered.
	ReplyTo string `json:"reply_to,omitempty"`
	Action  bool   `json:"action"`
}

type Client struct {
	cfg      Config
	keys     *identity.Keypair
	hub      *chat.Hub
	pool     *relay.Pool
	backend  *Backend
	poller   *db.Poller
	peers    *p2p.Peers
	prompts  *Prompts
	validate *validator.Validate
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	settings  config.Settings
	current   string
	pushStops map[string]func()
	p2p       *p2p.Manager
	notices   []Notice
}

// New loads settings and builds the relay pool. Nothing connects until Start.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.Identity == nil {
		return nil, errors.New("transport: identity is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Peers == nil {
		cfg.Peers = p2p.NewPeers(0)
	}
	settings, err := cfg.Settings.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		keys:      cfg.Identity,
		hub:       cfg.Hub,
		backend:   cfg.Backend,
		peers:     cfg.Peers,
		prompts:   NewPrompts(),
		validate:  validator.New(),
		log:       log.With().Str("component", "transport").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		settings:  settings,
		current:   settings.Rooms[0],
		pushStops: make(map[string]func()),
	}

	opts := cfg.Relay
	opts.OnFrame = c.handleFrame
	opts.OnStatus = c.onStatus
	c.pool = relay.NewPool(opts, log)

	if c.backend != nil && c.backend.Store != nil {
		c.poller = db.NewPoller(c.backend.Store, c.backend.PollInterval, c.ingestRow, log)
	}
	return c, nil
}

// AttachP2P wires the session manager that receives inbound signals.
func (c *Client) AttachP2P(m *p2p.Manager) {
	c.mu.Lock()
	c.p2p = m
	c.mu.Unlock()
}

func (c *Client) Peers() *p2p.Peers { return c.peers }
func (c *Client) Prompts() *Prompts { return c.prompts }
func (c *Client) Pool() *relay.Pool { return c.pool }
func (c *Client) Identity() string { return c.keys.PublicKeyHex() }

// Listen registers a UI listener on the hub.
func (c *Client) Listen(buffer int) *chat.Listener { return c.hub.Listen(buffer) }

// Start connects the configured transports and selects the first room.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()

	c.applyRelays(settings)
	return c.SelectRoom(ctx, settings.Rooms[0])
}

// Close stops every transport. The hub is owned by the caller.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	stops := c.pushStops
	c.pushStops = make(map[string]func())
	m := c.p2p
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if c.poller != nil {
		c.poller.Stop()
	}
	if m != nil {
		m.Close()
	}
	c.pool.Close()
}

func (c *Client) applyRelays(s config.Settings) {
	if s.UsesRelays() {
		c.pool.SetEndpoints(s.Relays)
	} else {
		c.pool.SetEndpoints(nil)
	}
}

func (c *Client) onStatus(s relay.Summary) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

func (c *Client) GetState() State {
	c.mu.Lock()
	st := State{
		Settings: c.settings,
		Current:  c.current,
		Identity: c.keys.PublicKeyHex(),
	}
	m := c.p2p
	c.mu.Unlock()

	st.Settings.IdentitySeed = ""
	st.Counts = c.hub.Counts()
	st.Relays = c.pool.Status()
	if m != nil {
		st.Sessions = m.Sessions()
	}
	return st
}

// SaveSettings normalizes, validates and persists next, then applies relay and room
// changes. The identity seed cannot be changed through here.
func (c *Client) SaveSettings(ctx context.Context, next config.Settings) (config.Settings, error) {
	c.mu.Lock()
	prev := c.settings
	next.IdentitySeed = prev.IdentitySeed
	next = next.Normalize()
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return prev, err
	}
	if err := c.cfg.Settings.Save(next); err != nil {
		c.mu.Unlock()
		return prev, err
	}
	c.settings = next
	current := c.current
	c.mu.Unlock()

	if !slices.Equal(prev.Relays, next.Relays) || prev.UsesRelays() != next.UsesRelays() {
		c.applyRelays(next)
	}
	if !slices.Contains(next.Rooms, current) {
		current = next.Rooms[0]
	}
	if !slices.Equal(prev.Rooms, next.Rooms) || prev.BackendMode != next.BackendMode || current != c.Current() {
		if err := c.SelectRoom(ctx, current); err != nil {
			return next, err
		}
	}
	return next, nil
}

func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AddRoom adds room to the configured list. Adding a known room is a no-op.
func (c *Client) AddRoom(room string) (config.Settings, error) {
	room = chat.NormalizeRoom(room)
	if room == "" {
		return c.Settings(), ErrEmptyRoom
	}

	c.mu.Lock()
	if slices.Contains(c.settings.Rooms, room) {
		s := c.settings
		c.mu.Unlock()
		return s, nil
	}
	next := c.settings
	next.Rooms = append(slices.Clone(next.Rooms), room)
	if err := c.cfg.Settings.Save(next); err != nil {
		s := c.settings
		c.mu.Unlock()
		return s, err
	}
	c.settings = next
	c.mu.Unlock()

	c.pool.Subscribe(next.Rooms)
	c.log.Info().Str("room", room).Msg("room added")
	return next, nil
}

// RemoveRoom drops room. The last remaining room cannot be removed; leaving the
// selected room selects the first one left.
func (c *Client) RemoveRoom(ctx context.Context, room string) (config.Settings, error) {
	room = chat.NormalizeRoom(room)

	c.mu.Lock()
	switch {
	case room == "":
		s := c.settings
		c.mu.Unlock()
		return s, ErrEmptyRoom
	case !slices.Contains(c.settings.Rooms, room):
		s := c.settings
		c.mu.Unlock()
		return s, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	case len(c.settings.Rooms) <= 1:
		s := c.settings
		c.mu.Unlock()
		return s, ErrLastRoom
	}
	next := c.settings
	next.Rooms = slices.DeleteFunc(slices.Clone(next.Rooms), func(r string) bool { return r == room })
	if err := c.cfg.Settings.Save(next); err != nil {
		s := c.settings
		c.mu.Unlock()
		return s, err
	}
	c.settings = next
	wasCurrent := c.current == room
	stop := c.pushStops[room]
	delete(c.pushStops, room)
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c.poller != nil {
		c.poller.Unwatch(room)
	}
	c.log.Info().Str("room", room).Msg("room removed")

	if wasCurrent {
		return next, c.SelectRoom(ctx, next.Rooms[0])
	}
	c.pool.Subscribe(next.Rooms)
	return next, nil
}

// SelectRoom makes room current: a settling window starts, relays are resubscribed
// and, with the backend active, history is loaded and push and polling follow room.
func (c *Client) SelectRoom(ctx context.Context, room string) error {
	room = chat.NormalizeRoom(room)
	if room == "" {
		return ErrEmptyRoom
	}

	c.mu.Lock()
	if !slices.Contains(c.settings.Rooms, room) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	prev := c.current
	c.current = room
	settings := c.settings
	c.mu.Unlock()

	c.hub.BeginSettle()
	if settings.UsesRelays() {
		c.pool.Subscribe(settings.Rooms)
	}
	if settings.UsesBackend() && c.poller != nil {
		if prev != room {
			c.poller.Unwatch(prev)
		}
		c.loadHistory(ctx, room)
		c.watchPush(room)
		c.poller.Watch(c.ctx, room)
	}
	return nil
}

func (c *Client) loadHistory(ctx context.Context, room string) {
	rows, err := c.backend.Store.QueryRows(ctx, db.Filter{Room: room, Limit: db.DefaultLoadLimit})
	if err != nil {
		metrics.BackendErrors.WithLabelValues("load").Inc()
		c.log.Warn().Err(err).Str("room", room).Msg("failed to load room history")
		return
	}
	for _, row := range rows {
		c.ingestRow(row)
	}
}

func (c *Client) watchPush(room string) {
	if c.backend.Push == nil {
		return
	}
	c.mu.Lock()
	_, ok := c.pushStops[room]
	c.mu.Unlock()
	if ok {
		return
	}
	stop, err := c.backend.Push.Subscribe(c.ctx, room, c.ingestRow)
	if err != nil {
		metrics.BackendErrors.WithLabelValues("subscribe").Inc()
		c.log.Warn().Err(err).Str("room", room).Msg("push unavailable, relying on polling")
		return
	}
	c.mu.Lock()
	if _, dup := c.pushStops[room]; dup {
		c.mu.Unlock()
		stop()
		return
	}
	c.pushStops[room] = stop
	c.mu.Unlock()
}

// RoomMessages returns the ordered buffer of room.
func (c *Client) RoomMessages(room string) []*chat.Message {
	return c.hub.Messages(chat.NormalizeRoom(room))
}

func (c *Client) Settings() config.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Send validates req, signs and publishes it according to the backend mode and
// ingests the local echo. Transport failures after validation do not fail the send.
func (c *Client) Send(ctx context.Context, req SendRequest) (*chat.Message, error) {
	settings := c.Settings()

	room := chat.NormalizeRoom(req.Room)
	if room == "" {
		room = c.Current()
	}
	if len(req.Attachments) > MaxAttachments {
		return nil, fmt.Errorf("%w: %d, limit %d", ErrTooManyAttachments, len(req.Attachments), MaxAttachments)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	attachments := make([]event.Attachment, len(req.Attachments))
	for i, a := range req.Attachments {
		attachments[i] = fillMime(a)
	}
	var reply *event.Reply
	if req.ReplyTo != "" {
		if target, ok := c.hub.Lookup(req.ReplyTo); ok {
			reply = target.ReplyPreview()
		}
	}

	now := c.cfg.Now()
	m := &chat.Message{
		Room:        room,
		Nick:        settings.Nick,
		Author:      c.keys.PublicKeyHex(),
		Text:        text,
		Attachments: attachments,
		Reply:       reply,
		Action:      req.Action,
		CreatedAt:   now.Unix(),
		ReceivedAt:  now,
		Source:      chat.SourceLocal,
	}
	payload := m.Payload(c.cfg.ClientID)
	if kb := estimatePayloadKB(payload); kb > float64(settings.MaxPayloadKB) {
		return nil, fmt.Errorf("%w: %.0fKB, limit %dKB", ErrPayloadTooLarge, kb, settings.MaxPayloadKB)
	}

	content, err := event.EncodeContent(payload)
	if err != nil {
		return nil, err
	}
	ev, err := event.New(c.keys, event.KindMessage, event.RoomTags(room, ""), content, m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ID = ev.ID

	if settings.UsesRelays() {
		frame, err := event.EncodePublish(ev)
		if err != nil {
			return nil, err
		}
		sent := c.pool.Broadcast(frame)
		c.log.Debug().Str("id", ev.ID).Int("relays", sent).Msg("message published")
	}

	c.hub.Ingest(m)

	if settings.UsesBackend() && c.backend != nil && c.backend.Store != nil {
		c.storeRow(ctx, db.RowFromMessage(m, c.cfg.ClientID))
	}
	return m, nil
}

func (c *Client) storeRow(ctx context.Context, row db.Row) {
	stored, err := c.backend.Store.InsertRow(ctx, row)
	if err != nil {
		metrics.BackendErrors.WithLabelValues("insert").Inc()
		c.log.Warn().Err(err).Str("id", row.ID).Msg("backend insert failed")
		return
	}
	if c.backend.Push == nil {
		return
	}
	if err := c.backend.Push.Publish(ctx, stored); err != nil {
		metrics.BackendErrors.WithLabelValues("publish").Inc()
		c.log.Warn().Err(err).Str("id", row.ID).Msg("backend push failed")
	}
}

// estimatePayloadKB sizes the payload as it would be sent, with room for a full id.
func estimatePayloadKB(p event.MessagePayload) float64 {
	est := struct {
		event.MessagePayload
		ID string `json:"id"`
		Ts int64  `json:"ts"`
	}{p, strings.Repeat("0", 64), p.CreatedAtSec * 1000}
	data, err := json.Marshal(est)
	if err != nil {
		return 0
	}
	return float64(len(data)) / 1024
}

// fillMime sets the mime of an inline attachment that arrived without one.
func fillMime(a event.Attachment) event.Attachment {
	if a.Mime != "" || a.Kind != "inline" || a.Data == "" {
		return a
	}
	header, body, ok := strings.Cut(a.Data, ",")
	if !ok {
		return a
	}
	if mt := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64"); mt != "" && mt != header {
		a.Mime = mt
		return a
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return a
	}
	a.Mime = mimetype.Detect(raw).String()
	return a
}

// SendSignal publishes a P2P signal as a signed event addressed by room and peer.
func (c *Client) SendSignal(_ context.Context, p event.SignalPayload) error {
	content, err := event.EncodeContent(p)
	if err != nil {
		return err
	}
	ev, err := event.New(c.keys, event.KindSignal, event.RoomTags(p.Room, p.To), content, c.cfg.Now().Unix())
	if err != nil {
		return err
	}
	frame, err := event.EncodePublish(ev)
	if err != nil {
		return err
	}
	if c.pool.Broadcast(frame) == 0 {
		return ErrNoRelay
	}
	return nil
}

// SendFile offers data to peer in the current room over a direct channel.
func (c *Client) SendFile(ctx context.Context, peer, name, mime string, data []byte) (string, error) {
	c.mu.Lock()
	m := c.p2p
	room := c.current
	c.mu.Unlock()
	if m == nil {
		return "", ErrP2PUnavailable
	}
	return m.Offer(ctx, room, peer, name, mime, data)
}

func (c *Client) CancelTransfer(sid string) error {
	c.mu.Lock()
	m := c.p2p
	c.mu.Unlock()
	if m == nil {
		return ErrP2PUnavailable
	}
	return m.Cancel(sid)
}
