package p2p

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Channel frame types.
const (
	FrameHello  = "hello"
	FrameMeta   = "meta"
	FrameChunk  = "chunk"
	FrameDone   = "done"
	FrameCancel = "cancel"
)

// Frame is one message on a data channel.
type Frame struct {
	Type   string `json:"type"`
	SID    string `json:"sid,omitempty"`
	Meta   *Meta  `json:"meta,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Channel is an ordered, reliable, bidirectional frame pipe between two peers.
type Channel interface {
	Send(f Frame) error
	Recv() (Frame, error)
	Close() error
}

// Listener accepts the one inbound channel of a session.
type Listener interface {
	// Description is carried in the offer and lets the remote side dial back.
	Description() string
	// Candidates are alternative addresses announced with candidate signals.
	Candidates() []string
	Accept(ctx context.Context) (Channel, error)
	Close() error
}

// Transport creates data channels for sessions.
type Transport interface {
	Listen(ctx context.Context, sid string) (Listener, error)
	Dial(ctx context.Context, sid, description string, candidates []string) (Channel, error)
}

// DefaultFrameLimit bounds a single frame on a channel until the session manager
// narrows it.
const DefaultFrameLimit = 1 << 20

// streamChannel frames JSON values over any byte stream. Each frame is a 4-byte
// big-endian length followed by the JSON body; a length above the limit is
// rejected before the body is read.
type streamChannel struct {
	rw      io.ReadWriteCloser
	onClose func() error
	limit   atomic.Int64

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStreamChannel(rw io.ReadWriteCloser, onClose func() error) *streamChannel {
	c := &streamChannel{rw: rw, onClose: onClose}
	c.limit.Store(DefaultFrameLimit)
	return c
}

// SetFrameLimit changes the largest frame Recv accepts.
func (c *streamChannel) SetFrameLimit(n int) {
	if n > 0 {
		c.limit.Store(int64(n))
	}
}

func (c *streamChannel) Send(f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *streamChannel) Recv() (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return Frame{}, err
	}
	n := int64(binary.BigEndian.Uint32(header[:]))
	if limit := c.limit.Load(); n > limit {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes, limit %d", ErrTooLarge, n, limit)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (c *streamChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// Pipe returns two connected in-memory channels.
func Pipe() (Channel, Channel) {
	a, b := net.Pipe()
	return newStreamChannel(a, nil), newStreamChannel(b, nil)
}

// MemoryTransport connects sessions inside one process. Managers sharing a
// MemoryTransport can transfer to each other without sockets.
type MemoryTransport struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{listeners: make(map[string]*memoryListener)}
}

type memoryListener struct {
	t      *MemoryTransport
	desc   string
	accept chan Channel
	once   sync.Once
	closed chan struct{}
}

func (t *MemoryTransport) Listen(_ context.Context, sid string) (Listener, error) {
	l := &memoryListener{
		t:      t,
		desc:   "mem:" + sid + ":" + uuid.NewString(),
		accept: make(chan Channel, 1),
		closed: make(chan struct{}),
	}
	t.mu.Lock()
	t.listeners[l.desc] = l
	t.mu.Unlock()
	return l, nil
}

func (t *MemoryTransport) Dial(ctx context.Context, _ string, description string, _ []string) (Channel, error) {
	t.mu.Lock()
	l, ok := t.listeners[description]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: no such listener", description)
	}
	local, remote := Pipe()
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.closed:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Description() string { return l.desc }

func (l *memoryListener) Candidates() []string { return nil }

func (l *memoryListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.accept:
		return ch, nil
	case <-l.closed:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.t.mu.Lock()
		delete(l.t.listeners, l.desc)
		l.t.mu.Unlock()
	})
	return nil
}
