package db

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"echochan/internal/metrics"
)

const DefaultPollInterval = 5 * time.Second

// Poller is the fallback for when push is unavailable or lossy: it queries each
// watched room for the oldest rows at or after the newest created_at it has seen,
// so a backlog larger than one page drains over several polls. Rows seen twice are
// expected and left to the ingest dedup.
type Poller struct {
	store    RowStore
	interval time.Duration
	onRow    func(Row)
	log      zerolog.Logger

	mu      sync.Mutex
	cursors map[string]time.Time
	stops   map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPoller(store RowStore, interval time.Duration, onRow func(Row), log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		store:    store,
		interval: interval,
		onRow:    onRow,
		log:      log.With().Str("component", "poller").Logger(),
		cursors:  make(map[string]time.Time),
		stops:    make(map[string]context.CancelFunc),
	}
}

// Advance moves the cursor of room forward to at.
func (p *Poller) Advance(room string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.After(p.cursors[room]) {
		p.cursors[room] = at
	}
}

func (p *Poller) Cursor(room string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[room]
}

// Watch starts polling room. Watching a room twice is a no-op.
func (p *Poller) Watch(ctx context.Context, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.stops[room]; ok {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stops[room] = cancel
	p.wg.Add(1)
	go p.run(ctx, room)
}

// Unwatch stops polling room.
func (p *Poller) Unwatch(room string) {
	p.mu.Lock()
	cancel, ok := p.stops[room]
	delete(p.stops, room)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop ends every poll loop and waits for them.
func (p *Poller) Stop() {
	p.mu.Lock()
	for room, cancel := range p.stops {
		cancel()
		delete(p.stops, room)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, room string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx, room)
		}
	}
}

// Poll runs one query for room and hands every row to the callback.
func (p *Poller) Poll(ctx context.Context, room string) {
	rows, err := p.store.QueryRows(ctx, Filter{Room: room, Since: p.Cursor(room), Limit: DefaultPollLimit, Oldest: true})
	if err != nil {
		if ctx.Err() == nil {
			metrics.BackendErrors.WithLabelValues("poll").Inc()
			p.log.Warn().Err(err).Str("room", room).Msg("poll failed")
		}
		return
	}
	for _, row := range rows {
		p.Advance(room, row.CreatedAt)
		p.onRow(row)
	}
}
