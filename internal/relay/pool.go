// Package relay maintains persistent sockets to a set of relays, reconnecting with
// backoff and keeping one room subscription alive on each of them.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"echochan/internal/event"
	"echochan/internal/metrics"
)

const DefaultSubscriptionLimit = 200

// Options configures a Pool. Zero values take defaults.
type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Limit       int
	Dialer      *websocket.Dialer
	// OnFrame receives every well-formed inbound frame that belongs to the
	// current subscription. It is called from endpoint goroutines.
	OnFrame func(relayURL string, f *event.Frame)
	// OnStatus receives the recomputed summary after every state transition.
	OnStatus func(Summary)
}

// Pool owns one endpoint per configured relay URL.
type Pool struct {
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints map[string]*endpoint
	subID     string
	filter    event.Filter

	statusMu sync.Mutex
}

func NewPool(opts Options, log zerolog.Logger) *Pool {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = DefaultBackoffMax
		if opts.BackoffMax < opts.BackoffBase {
			opts.BackoffMax = opts.BackoffBase
		}
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSubscriptionLimit
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:      opts,
		log:       log.With().Str("component", "relay_pool").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[string]*endpoint),
	}
}

// SetEndpoints reconciles the endpoint set with urls: endpoints no longer listed are
// closed and dropped, new ones start connecting, the rest are left alone.
func (p *Pool) SetEndpoints(urls []string) {
	want := make(map[string]bool, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u != "" {
			want[u] = true
		}
	}

	var stopped []*endpoint
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	for url, ep := range p.endpoints {
		if !want[url] {
			ep.cancel()
			delete(p.endpoints, url)
			stopped = append(stopped, ep)
		}
	}
	for url := range want {
		if _, ok := p.endpoints[url]; ok {
			continue
		}
		ep := newEndpoint(p, url)
		ctx, cancel := context.WithCancel(p.ctx)
		ep.cancel = cancel
		p.endpoints[url] = ep
		go ep.run(ctx)
		p.log.Info().Str("relay", url).Msg("relay added")
	}
	p.mu.Unlock()

	for _, ep := range stopped {
		<-ep.done
		p.log.Info().Str("relay", ep.url).Msg("relay removed")
	}
	p.publishStatus()
}

// Subscribe replaces the active subscription with one for rooms. Each connected
// endpoint receives CLOSE for the old subscription before REQ for the new one.
func (p *Pool) Subscribe(rooms []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.subID
	p.subID = uuid.NewString()
	p.filter = event.Filter{
		Kinds: []int{event.KindMessage, event.KindSignal},
		Rooms: append([]string(nil), rooms...),
		Limit: p.opts.Limit,
	}

	closeFrame, _ := event.EncodeClose(old)
	reqFrame, err := event.EncodeReq(p.subID, p.filter)
	if err != nil {
		p.log.Error().Err(err).Msg("encode subscription")
		return p.subID
	}
	for _, ep := range p.endpoints {
		if old != "" {
			ep.enqueue(closeFrame)
		}
		ep.enqueue(reqFrame)
	}
	return p.subID
}

// SubscriptionID returns the id of the active subscription.
func (p *Pool) SubscriptionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subID
}

// resubscribe issues the current subscription on an endpoint that just connected.
func (p *Pool) resubscribe(ep *endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subID == "" {
		return
	}
	frame, err := event.EncodeReq(p.subID, p.filter)
	if err != nil {
		return
	}
	ep.enqueue(frame)
}

// Broadcast sends frame to every connected endpoint and returns how many took it.
// Nothing is queued for endpoints that are not connected.
func (p *Pool) Broadcast(frame []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sent := 0
	for _, ep := range p.endpoints {
		if ep.enqueue(frame) {
			sent++
		}
	}
	return sent
}

func (p *Pool) handleFrame(url string, data []byte) {
	f, err := event.ParseFrame(data)
	if err != nil {
		metrics.RelayFramesDropped.WithLabelValues("malformed").Inc()
		p.log.Debug().Err(err).Str("relay", url).Msg("dropping malformed frame")
		return
	}
	if f.Type == event.FrameEvent || f.Type == event.FrameEOSE {
		if f.SubID != p.SubscriptionID() {
			metrics.RelayFramesDropped.WithLabelValues("stale_sub").Inc()
			return
		}
	}
	if p.opts.OnFrame != nil {
		p.opts.OnFrame(url, f)
	}
}

// Status recomputes the aggregated summary.
func (p *Pool) Status() Summary {
	p.mu.Lock()
	list := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		list = append(list, ep.snapshot())
	}
	p.mu.Unlock()
	return summarize(list)
}

func (p *Pool) publishStatus() {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	s := p.Status()
	recordGauges(s)
	if p.opts.OnStatus != nil {
		p.opts.OnStatus(s)
	}
}

// Close tears down every endpoint and cancels pending reconnect timers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.cancel()
	endpoints := make([]*endpoint, 0, len(p.endpoints))
	for url, ep := range p.endpoints {
		endpoints = append(endpoints, ep)
		delete(p.endpoints, url)
	}
	p.mu.Unlock()
	for _, ep := range endpoints {
		<-ep.done
	}
	p.publishStatus()
}
