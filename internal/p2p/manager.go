// Package p2p negotiates direct peer-to-peer transfers over relay-carried
// signals and streams chunked payloads across a data channel.
package p2p

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"echochan/internal/event"
	"echochan/internal/metrics"
)

const (
	DefaultMaxSessions = 2
	DefaultTimeout     = 15 * time.Second
	DefaultMaxBytes    = 50 << 20
	DefaultChunkSize   = 16 << 10
	MaxChunkSize       = 256 << 10

	keepFinished = 64
	// session ids remembered after their snapshots are gone, so re-relayed offers stay dead
	keepKnown = 4096
	// room for the frame envelope and the meta fields around a chunk
	frameOverhead = 4 << 10
)

// Signaler delivers a signal payload to the room, normally as a signed relay event.
type Signaler interface {
	SendSignal(ctx context.Context, p event.SignalPayload) error
}

// Confirmer asks the local user a yes/no question. It must return false once ctx is done.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// Transfer is a completed inbound payload.
type Transfer struct {
	SessionID string
	Room      string
	From      string
	FromNick  string
	Meta      Meta
	Data      []byte
}

type Options struct {
	MaxSessions int
	Timeout     time.Duration
	MaxBytes    int64
	ChunkSize   int
	Now         func() time.Time
	// OnTransfer receives every completed inbound payload.
	OnTransfer func(Transfer)
	// OnNotice receives user-visible session messages (timeouts, declines).
	OnNotice func(sid, text string)
}

// Manager owns every session of one local identity.
type Manager struct {
	self      string
	transport Transport
	signaler  Signaler
	confirmer Confirmer
	peers     *Peers
	opts      Options
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	finished []string
	known    map[string]struct{}
	order    []string
}

func NewManager(self string, transport Transport, signaler Signaler, confirmer Confirmer, peers *Peers, opts Options, log zerolog.Logger) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.ChunkSize = min(opts.ChunkSize, MaxChunkSize)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if peers == nil {
		peers = NewPeers(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:      self,
		transport: transport,
		signaler:  signaler,
		confirmer: confirmer,
		peers:     peers,
		opts:      opts,
		log:       log.With().Str("component", "p2p").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		known:     make(map[string]struct{}),
	}
}

// rememberLocked records sid in the bounded set of every session id ever used.
func (m *Manager) rememberLocked(sid string) {
	if _, ok := m.known[sid]; ok {
		return
	}
	m.known[sid] = struct{}{}
	m.order = append(m.order, sid)
	if len(m.order) > keepKnown {
		delete(m.known, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Manager) Peers() *Peers { return m.peers }

func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

// start arms the session timeout and returns the session's context.
// Caller holds m.mu.
func (m *Manager) startLocked(s *Session) context.Context {
	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel
	sid := s.ID
	s.timer = time.AfterFunc(m.opts.Timeout, func() {
		m.fail(sid, StateTimedOut, ErrTimedOut, event.SignalCancel)
	})
	return ctx
}

// Offer starts an outbound transfer of data to peer (or to the whole room when
// peer is empty) and returns the session id.
func (m *Manager) Offer(ctx context.Context, room, peer, name, mime string, data []byte) (string, error) {
	if int64(len(data)) > m.opts.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), m.opts.MaxBytes)
	}
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}

	m.mu.Lock()
	if m.activeLocked() >= m.opts.MaxSessions {
		m.mu.Unlock()
		return "", ErrSessionLimit
	}
	s := newSession(uuid.NewString(), RoleInitiator, room, peer, m.opts.Now())
	s.Meta = Meta{Name: name, Mime: mime, Size: int64(len(data))}
	m.sessions[s.ID] = s
	m.rememberLocked(s.ID)
	sctx := m.startLocked(s)
	m.mu.Unlock()

	ln, err := m.transport.Listen(sctx, s.ID)
	if err != nil {
		m.fail(s.ID, StateCancelled, err, "")
		return "", fmt.Errorf("open data channel listener: %w", err)
	}
	m.mu.Lock()
	s.listener = ln
	err = s.advance(StateOfferSent)
	cause := s.Err
	m.mu.Unlock()
	if err != nil {
		// timed out or cancelled before the listener was ready
		ln.Close()
		return "", cause
	}

	offer := m.signal(s, event.SignalOffer)
	offer.SDP = ln.Description()
	offer.Name, offer.Mime, offer.Size = name, mime, s.Meta.Size
	if err := m.signaler.SendSignal(ctx, offer); err != nil {
		m.fail(s.ID, StateCancelled, err, "")
		return "", fmt.Errorf("send offer: %w", err)
	}
	for _, c := range ln.Candidates() {
		cand := m.signal(s, event.SignalCandidate)
		cand.Candidate = c
		if err := m.signaler.SendSignal(ctx, cand); err != nil {
			m.log.Debug().Err(err).Str("sid", s.ID).Msg("candidate not sent")
		}
	}

	m.log.Info().Str("sid", s.ID).Str("name", name).Int64("size", s.Meta.Size).Msg("offer sent")
	go m.runInitiator(sctx, s, data)
	return s.ID, nil
}

func (m *Manager) signal(s *Session, kind string) event.SignalPayload {
	return event.SignalPayload{
		Type: event.TypeSignal,
		Room: s.Room,
		From: m.self,
		To:   s.Peer,
		SID:  s.ID,
		Kind: kind,
	}
}

// open records ch on the session and moves it to data_channel_open. The channel is
// closed if the session already ended.
func (m *Manager) open(s *Session, ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.State == StateOfferSent {
		_ = s.advance(StateAnswerReceived)
	}
	if err := s.advance(StateDataChannelOpen); err != nil {
		ch.Close()
		return false
	}
	if l, ok := ch.(interface{ SetFrameLimit(int) }); ok {
		l.SetFrameLimit(m.frameLimit())
	}
	s.channel = ch
	return true
}

// frameLimit is the largest encoded frame a peer may send: one base64 chunk no
// bigger than the transfer cap, plus envelope.
func (m *Manager) frameLimit() int {
	chunk := int64(MaxChunkSize)
	if m.opts.MaxBytes < chunk {
		chunk = m.opts.MaxBytes
	}
	return base64.StdEncoding.EncodedLen(int(chunk)) + frameOverhead
}

// failRecv ends a session after a bad read. Oversized frames count as a size-gate
// decline, everything else as a cancel.
func (m *Manager) failRecv(sid string, f Frame, err error) {
	if errors.Is(err, ErrTooLarge) {
		m.fail(sid, StateDeclined, err, event.SignalCancel)
		return
	}
	m.fail(sid, StateCancelled, channelError(f, err), event.SignalCancel)
}

func (m *Manager) transition(s *Session, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.advance(to) == nil
}

func (m *Manager) runInitiator(ctx context.Context, s *Session, payload []byte) {
	ch, err := s.listener.Accept(ctx)
	if err != nil {
		m.fail(s.ID, StateCancelled, err, event.SignalCancel)
		return
	}
	if !m.open(s, ch) {
		return
	}

	hello, err := ch.Recv()
	if err != nil || hello.Type != FrameHello {
		m.fail(s.ID, StateCancelled, channelError(hello, err), event.SignalCancel)
		return
	}
	meta := s.Meta
	if err := ch.Send(Frame{Type: FrameMeta, SID: s.ID, Meta: &meta}); err != nil {
		m.fail(s.ID, StateCancelled, err, event.SignalCancel)
		return
	}
	if !m.transition(s, StateTransferring) {
		return
	}

	for off := 0; off < len(payload); off += m.opts.ChunkSize {
		end := min(off+m.opts.ChunkSize, len(payload))
		if err := ch.Send(Frame{Type: FrameChunk, Data: payload[off:end]}); err != nil {
			m.fail(s.ID, StateCancelled, err, event.SignalCancel)
			return
		}
	}

	ack, err := ch.Recv()
	if err != nil || ack.Type != FrameDone {
		m.fail(s.ID, StateCancelled, channelError(ack, err), event.SignalCancel)
		return
	}
	m.complete(s.ID)
	m.log.Info().Str("sid", s.ID).Msg("transfer acknowledged")
}

func channelError(f Frame, err error) error {
	if err != nil {
		return err
	}
	if f.Type == FrameCancel {
		return fmt.Errorf("%w: %s", ErrCancelled, f.Reason)
	}
	return fmt.Errorf("unexpected %q frame", f.Type)
}

// HandleSignal processes a signal delivered by a relay. sender is the verified
// event author and takes precedence over the payload's from field.
func (m *Manager) HandleSignal(ctx context.Context, sender string, p *event.SignalPayload) {
	if sender == "" || sender == m.self {
		return
	}
	if p.From != "" && p.From != sender {
		m.log.Debug().Str("sid", p.SID).Msg("signal author mismatch, ignoring")
		return
	}
	if p.To != "" && p.To != m.self {
		return
	}

	switch p.Kind {
	case event.SignalOffer:
		m.handleOffer(ctx, sender, p)

	case event.SignalAnswer:
		m.mu.Lock()
		if s, ok := m.sessions[p.SID]; ok && s.Role == RoleInitiator && (s.Peer == "" || s.Peer == sender) {
			if s.Peer == "" {
				s.Peer = sender
			}
			if s.State == StateOfferSent {
				_ = s.advance(StateAnswerReceived)
			}
		}
		m.mu.Unlock()

	case event.SignalCandidate:
		m.mu.Lock()
		if s, ok := m.sessions[p.SID]; ok && s.Role == RoleReceiver && s.Peer == sender && p.Candidate != "" {
			s.candidates = append(s.candidates, p.Candidate)
		}
		m.mu.Unlock()

	case event.SignalDecline:
		if m.fromPeer(p.SID, sender) {
			m.fail(p.SID, StateDeclined, declineError(p.Reason), "")
		}

	case event.SignalCancel:
		if m.fromPeer(p.SID, sender) {
			m.fail(p.SID, StateCancelled, ErrCancelled, "")
		}
	}
}

func declineError(reason string) error {
	if reason == "" {
		return ErrDeclined
	}
	return fmt.Errorf("%w: %s", ErrDeclined, reason)
}

func (m *Manager) fromPeer(sid, sender string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	return ok && (s.Peer == "" || s.Peer == sender)
}

func (m *Manager) handleOffer(ctx context.Context, sender string, p *event.SignalPayload) {
	m.mu.Lock()
	if _, dup := m.known[p.SID]; dup {
		// the same offer relayed twice, possibly long after the session ended
		m.mu.Unlock()
		return
	}
	m.rememberLocked(p.SID)
	s := newSession(p.SID, RoleReceiver, p.Room, sender, m.opts.Now())
	s.Meta = Meta{Name: p.Name, Mime: p.Mime, Size: p.Size}
	m.sessions[s.ID] = s
	_ = s.advance(StateOfferReceived)

	var reject error
	switch {
	case p.Size > m.opts.MaxBytes || p.Size < 0:
		reject = fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, p.Size, m.opts.MaxBytes)
	case m.activeLocked() > m.opts.MaxSessions:
		reject = ErrSessionLimit
	}
	if reject != nil {
		m.mu.Unlock()
		m.fail(s.ID, StateDeclined, reject, event.SignalDecline)
		return
	}
	sctx := m.startLocked(s)
	m.mu.Unlock()

	go m.runReceiver(sctx, s, p.SDP)
}

func (m *Manager) runReceiver(ctx context.Context, s *Session, description string) {
	nick := m.peers.Nick(s.Room, s.Peer)
	if nick == "" {
		nick = shortID(s.Peer)
	}
	prompt := fmt.Sprintf("%s wants to send you %q (%s, %d bytes). Accept?", nick, s.Meta.Name, s.Meta.Mime, s.Meta.Size)
	if !m.confirmer.Confirm(ctx, prompt) {
		m.fail(s.ID, StateDeclined, ErrDeclined, event.SignalDecline)
		return
	}
	if !m.peers.RecentlySeen(s.Room, s.Peer, m.opts.Now()) {
		warn := fmt.Sprintf("%s has not been seen in %s recently. Accept a file from an unverified sender?", nick, s.Room)
		if !m.confirmer.Confirm(ctx, warn) {
			m.fail(s.ID, StateDeclined, fmt.Errorf("%w: unverified sender", ErrDeclined), event.SignalDecline)
			return
		}
	}

	if !m.transition(s, StateAnswerSent) {
		return
	}
	if err := m.signaler.SendSignal(ctx, m.signal(s, event.SignalAnswer)); err != nil {
		m.fail(s.ID, StateCancelled, fmt.Errorf("send answer: %w", err), "")
		return
	}

	m.mu.Lock()
	candidates := append([]string(nil), s.candidates...)
	m.mu.Unlock()
	ch, err := m.transport.Dial(ctx, s.ID, description, candidates)
	if err != nil {
		m.fail(s.ID, StateCancelled, err, event.SignalCancel)
		return
	}
	if !m.open(s, ch) {
		return
	}
	if err := ch.Send(Frame{Type: FrameHello, SID: s.ID}); err != nil {
		m.fail(s.ID, StateCancelled, err, event.SignalCancel)
		return
	}

	f, err := ch.Recv()
	if err != nil || f.Type != FrameMeta || f.Meta == nil {
		m.failRecv(s.ID, f, err)
		return
	}
	if f.Meta.Size > m.opts.MaxBytes || f.Meta.Size < 0 {
		m.fail(s.ID, StateDeclined, ErrTooLarge, event.SignalCancel)
		return
	}
	m.mu.Lock()
	s.Meta = *f.Meta
	err = s.advance(StateTransferring)
	m.mu.Unlock()
	if err != nil {
		return
	}

	for {
		m.mu.Lock()
		finished := s.done()
		m.mu.Unlock()
		if finished {
			break
		}
		f, err := ch.Recv()
		if err != nil || f.Type != FrameChunk {
			m.failRecv(s.ID, f, err)
			return
		}
		m.mu.Lock()
		err = s.accept(f.Data, m.opts.MaxBytes)
		m.mu.Unlock()
		if errors.Is(err, ErrTooLarge) {
			m.fail(s.ID, StateDeclined, ErrTooLarge, event.SignalCancel)
			return
		}
		if err != nil {
			m.fail(s.ID, StateCancelled, err, event.SignalCancel)
			return
		}
	}

	m.mu.Lock()
	data := s.assemble()
	m.mu.Unlock()
	if err := ch.Send(Frame{Type: FrameDone, SID: s.ID}); err != nil {
		m.fail(s.ID, StateCancelled, err, event.SignalCancel)
		return
	}
	if !m.complete(s.ID) {
		return
	}
	m.log.Info().Str("sid", s.ID).Int("bytes", len(data)).Msg("transfer received")
	if m.opts.OnTransfer != nil {
		m.opts.OnTransfer(Transfer{
			SessionID: s.ID,
			Room:      s.Room,
			From:      s.Peer,
			FromNick:  nick,
			Meta:      s.Meta,
			Data:      data,
		})
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *Manager) complete(sid string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok || s.advance(StateComplete) != nil {
		m.mu.Unlock()
		return false
	}
	m.teardownLocked(s)
	m.mu.Unlock()
	metrics.P2PSessions.WithLabelValues(string(StateComplete)).Inc()
	return true
}

// fail moves a session into a terminal failure state, releases its resources and
// optionally tells the peer with a signal of kind notify.
func (m *Manager) fail(sid string, to State, cause error, notify string) {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok || s.advance(to) != nil {
		m.mu.Unlock()
		return
	}
	s.Err = cause
	m.teardownLocked(s)
	var sig event.SignalPayload
	if notify != "" {
		sig = m.signal(s, notify)
		if cause != nil {
			sig.Reason = cause.Error()
		}
	}
	m.mu.Unlock()

	metrics.P2PSessions.WithLabelValues(string(to)).Inc()
	m.log.Warn().Err(cause).Str("sid", sid).Str("state", string(to)).Msg("transfer ended")
	if m.opts.OnNotice != nil {
		m.opts.OnNotice(sid, noticeText(to, cause))
	}
	if notify != "" {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		if err := m.signaler.SendSignal(ctx, sig); err != nil {
			m.log.Debug().Err(err).Str("sid", sid).Msg("could not notify peer")
		}
	}
}

func noticeText(st State, cause error) string {
	switch st {
	case StateTimedOut:
		return "File transfer timed out."
	case StateDeclined:
		return fmt.Sprintf("File transfer declined: %v", cause)
	default:
		return fmt.Sprintf("File transfer cancelled: %v", cause)
	}
}

// teardownLocked releases the timer, the channel and the listener of a session that
// just became terminal.
func (m *Manager) teardownLocked(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.channel != nil {
		s.channel.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.chunks = nil

	m.finished = append(m.finished, s.ID)
	if len(m.finished) > keepFinished {
		delete(m.sessions, m.finished[0])
		m.finished = m.finished[1:]
	}
}

// Cancel aborts a session on the user's request.
func (m *Manager) Cancel(sid string) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	var ch Channel
	if ok {
		ch = s.channel
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknown
	}
	if ch != nil {
		// best effort; fail closes the channel right after
		go ch.Send(Frame{Type: FrameCancel, Reason: "cancelled by user"})
	}
	m.fail(sid, StateCancelled, ErrCancelled, event.SignalCancel)
	return nil
}

func (m *Manager) Session(sid string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Active returns the number of non-terminal sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// Close cancels every open session.
func (m *Manager) Close() {
	m.mu.Lock()
	var open []string
	for sid, s := range m.sessions {
		if !s.State.Terminal() {
			open = append(open, sid)
		}
	}
	m.mu.Unlock()
	for _, sid := range open {
		m.fail(sid, StateCancelled, ErrCancelled, event.SignalCancel)
	}
	m.cancel()
}
