package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"echochan/internal/metrics"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the relay.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the relay.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxFrameSize   = 8 << 20             // Largest inbound frame; covers a maximum payload plus envelope.
	sendBufferSize = 256
)

// endpoint is one relay socket. Its state is only changed by its own run loop;
// the pool reads it through snapshot and writes frames through enqueue.
type endpoint struct {
	url  string
	pool *Pool
	log  zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	lastErr  string
	failures int
	backoff  time.Duration
	send     chan []byte
}

func newEndpoint(pool *Pool, url string) *endpoint {
	return &endpoint{
		url:     url,
		pool:    pool,
		log:     pool.log.With().Str("relay", url).Logger(),
		done:    make(chan struct{}),
		status:  StatusDisconnected,
		backoff: pool.opts.BackoffBase,
	}
}

// run drives the endpoint state machine until ctx is cancelled:
// connecting -> connected -> reconnecting -> connecting ..., with error on dial failure.
func (e *endpoint) run(ctx context.Context) {
	defer close(e.done)
	for {
		e.setStatus(StatusConnecting, nil)
		conn, _, err := e.pool.opts.Dialer.DialContext(ctx, e.url, nil)
		next := StatusError
		if err == nil {
			err = e.serve(ctx, conn)
			next = StatusReconnecting
		}
		if ctx.Err() != nil {
			e.setStatus(StatusDisconnected, nil)
			return
		}

		delay := e.recordFailure(next, err)
		metrics.RelayReconnects.Inc()
		e.log.Warn().Err(err).Dur("retry_in", delay).Msg("relay connection lost")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.setStatus(StatusDisconnected, nil)
			return
		case <-timer.C:
		}
	}
}

// serve runs one live connection and returns when it closes.
func (e *endpoint) serve(ctx context.Context, conn *websocket.Conn) error {
	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})

	e.mu.Lock()
	e.send = send
	e.status = StatusConnected
	e.lastErr = ""
	e.failures = 0
	e.backoff = e.pool.opts.BackoffBase
	e.mu.Unlock()
	e.log.Info().Msg("relay connected")
	e.pool.publishStatus()
	e.pool.resubscribe(e)

	go e.writePump(conn, send, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err := e.readPump(conn)
	close(done)
	conn.Close()

	e.mu.Lock()
	e.send = nil
	e.mu.Unlock()
	return err
}

// readPump pumps frames from the relay socket to the pool.
func (e *endpoint) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("relay closed the connection")
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		e.pool.handleFrame(e.url, data)
	}
}

// writePump pumps queued frames to the relay socket and keeps it alive with pings.
func (e *endpoint) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				e.log.Debug().Err(err).Msg("relay write failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump. Endpoints that are not connected miss it.
func (e *endpoint) enqueue(frame []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusConnected || e.send == nil {
		return false
	}
	select {
	case e.send <- frame:
		return true
	default:
		e.log.Warn().Msg("relay send buffer full, dropping frame")
		return false
	}
}

func (e *endpoint) setStatus(st Status, err error) {
	e.mu.Lock()
	e.status = st
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
	e.pool.publishStatus()
}

// recordFailure schedules the next attempt. The close of a live connection waits
// the base interval that connecting reset; each consecutive dial failure doubles it.
func (e *endpoint) recordFailure(st Status, err error) time.Duration {
	e.mu.Lock()
	if st != StatusReconnecting {
		e.failures++
	}
	e.backoff = BackoffDelay(e.pool.opts.BackoffBase, e.pool.opts.BackoffMax, e.failures)
	e.status = st
	if err != nil {
		e.lastErr = err.Error()
	}
	delay := e.backoff
	e.mu.Unlock()
	e.pool.publishStatus()
	return delay
}

func (e *endpoint) snapshot() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointStatus{
		URL:       e.url,
		Status:    e.status,
		LastError: e.lastErr,
		Backoff:   e.backoff,
		Failures:  e.failures,
	}
}
