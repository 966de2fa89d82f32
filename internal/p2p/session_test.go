package p2p

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	require.True(t, canTransition(StateNone, StateOfferSent))
	require.True(t, canTransition(StateOfferReceived, StateAnswerSent))
	require.True(t, canTransition(StateTransferring, StateComplete))
	require.True(t, canTransition(StateOfferSent, StateTimedOut))
	require.True(t, canTransition(StateDataChannelOpen, StateDeclined))

	require.False(t, canTransition(StateNone, StateTransferring))
	require.False(t, canTransition(StateOfferSent, StateComplete))
	require.False(t, canTransition(StateComplete, StateTimedOut))
	require.False(t, canTransition(StateTimedOut, StateCancelled))
}

func TestSessionAcceptEnforcesDeclaredSizeAndCap(t *testing.T) {
	s := newSession("x", RoleReceiver, "#echo", "alice", time.Now())
	s.Meta.Size = 10

	require.NoError(t, s.accept([]byte("hello"), 100))
	require.False(t, s.done())
	require.Error(t, s.accept([]byte("toolongchunk"), 100))
	require.ErrorIs(t, s.accept([]byte("hello"), 8), ErrTooLarge)
	require.NoError(t, s.accept([]byte("world"), 100))
	require.True(t, s.done())
	require.Equal(t, []byte("helloworld"), s.assemble())
}

func TestPeersLiveness(t *testing.T) {
	now := time.Now()
	p := NewPeers(time.Minute)
	p.Touch("#echo", "alice", "Alice", now.Add(-30*time.Second))
	p.Touch("#echo", "alice", "", now.Add(-2*time.Minute)) // older sighting does not rewind
	p.Touch("#echo", "bob", "Bob", now.Add(-5*time.Minute))

	require.True(t, p.RecentlySeen("#echo", "alice", now))
	require.False(t, p.RecentlySeen("#echo", "bob", now))
	require.False(t, p.RecentlySeen("#other", "alice", now))
	require.Equal(t, "Alice", p.Nick("#echo", "alice"))

	active := p.Active("#echo", now)
	require.Len(t, active, 1)
	require.Equal(t, "alice", active[0].Identity)
}

func TestPipeCarriesFrames(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go a.Send(Frame{Type: FrameMeta, Meta: &Meta{Name: "x", Size: 3}})
	f, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, FrameMeta, f.Type)
	require.EqualValues(t, 3, f.Meta.Size)

	go a.Send(Frame{Type: FrameChunk, Data: []byte{0, 1, 2}})
	f, err = b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2}, f.Data)
}

func TestPipeRejectsOversizedFrame(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	go a.Send(Frame{Type: FrameChunk, Data: make([]byte, 32<<20)})
	_, err := b.Recv()
	require.ErrorIs(t, err, ErrTooLarge)
	// unblocks the writer
	b.Close()
}

func TestFrameLimitCanBeNarrowed(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	b.(interface{ SetFrameLimit(int) }).SetFrameLimit(64)

	go a.Send(Frame{Type: FrameHello, SID: "s"})
	f, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, FrameHello, f.Type)

	go a.Send(Frame{Type: FrameChunk, Data: make([]byte, 64)})
	_, err = b.Recv()
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestSessionCertIsDerivedPerSession(t *testing.T) {
	seed := sha256.Sum256([]byte("identity seed"))
	_, fpA, err := sessionCert(seed[:], "sid-a")
	require.NoError(t, err)
	_, fpB, err := sessionCert(seed[:], "sid-b")
	require.NoError(t, err)
	require.NotEqual(t, fpA, fpB)
}

func TestQUICTransportPinsFingerprint(t *testing.T) {
	seed := sha256.Sum256([]byte("identity seed"))
	tr := NewQUICTransport(seed[:], "127.0.0.1", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := tr.Listen(ctx, "sid")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan Channel, 1)
	go func() {
		ch, err := ln.Accept(ctx)
		if err == nil {
			accepted <- ch
		}
	}()

	client, err := tr.Dial(ctx, "sid", ln.Description(), nil)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send(Frame{Type: FrameHello, SID: "sid"}))

	server := <-accepted
	defer server.Close()
	f, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, FrameHello, f.Type)

	// a description with someone else's fingerprint must not connect
	forged := `{"addr":"` + ln.(*quicListener).ln.Addr().String() + `","fingerprint":"` + zeroFingerprint + `"}`
	_, err = tr.Dial(ctx, "sid", forged, nil)
	require.Error(t, err)
}

const zeroFingerprint = "0000000000000000000000000000000000000000000000000000000000000000"
