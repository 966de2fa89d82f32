package devrelay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"echochan/internal/event"
	"echochan/internal/identity"
)

func startRelay(t *testing.T, rdb *redis.Client) (*Relay, string) {
	t.Helper()
	r := New(rdb, 10, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *event.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := event.ParseFrame(data)
	require.NoError(t, err)
	return f
}

func mustFrame(frame []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return frame
}

func send(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func signedEvent(t *testing.T, room, text string) *event.Event {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	content, err := event.EncodeContent(event.MessagePayload{Type: event.TypeMessage, Room: room, Text: text})
	require.NoError(t, err)
	ev, err := event.New(kp, event.KindMessage, event.RoomTags(room, ""), content, time.Now().Unix())
	require.NoError(t, err)
	return ev
}

func subscribe(t *testing.T, conn *websocket.Conn, subID, room string) {
	t.Helper()
	send(t, conn, mustFrame(event.EncodeReq(subID, event.Filter{Rooms: []string{room}})))
}

func TestRelayFansOutToMatchingSubscriptions(t *testing.T) {
	_, url := startRelay(t, nil)
	reader := dial(t, url)
	other := dial(t, url)
	writer := dial(t, url)

	subscribe(t, reader, "s1", "#echo")
	require.Equal(t, event.FrameEOSE, readFrame(t, reader).Type)
	subscribe(t, other, "s2", "#other")
	require.Equal(t, event.FrameEOSE, readFrame(t, other).Type)

	ev := signedEvent(t, "#echo", "hello")
	send(t, writer, mustFrame(event.EncodePublish(ev)))

	ok := readFrame(t, writer)
	require.Equal(t, event.FrameOK, ok.Type)
	require.True(t, ok.Accepted)

	got := readFrame(t, reader)
	require.Equal(t, event.FrameEvent, got.Type)
	require.Equal(t, "s1", got.SubID)
	require.Equal(t, ev.ID, got.Event.ID)

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	require.Error(t, err, "#other subscriber must not see #echo traffic")
}

func TestRelayRejectsForgedEvents(t *testing.T) {
	_, url := startRelay(t, nil)
	conn := dial(t, url)

	ev := signedEvent(t, "#echo", "hello")
	ev.Content = `{"type":"message","text":"forged"}`
	send(t, conn, mustFrame(event.EncodePublish(ev)))

	ok := readFrame(t, conn)
	require.Equal(t, event.FrameOK, ok.Type)
	require.False(t, ok.Accepted)
}

func TestRelayReplaysBacklogBeforeEOSE(t *testing.T) {
	_, url := startRelay(t, nil)
	writer := dial(t, url)
	for i := 0; i < 3; i++ {
		send(t, writer, mustFrame(event.EncodePublish(signedEvent(t, "#echo", "m"+string(rune('a'+i))))))
		require.Equal(t, event.FrameOK, readFrame(t, writer).Type)
	}

	reader := dial(t, url)
	send(t, reader, mustFrame(event.EncodeReq("late", event.Filter{Rooms: []string{"#echo"}, Limit: 2})))
	require.Equal(t, event.FrameEvent, readFrame(t, reader).Type)
	require.Equal(t, event.FrameEvent, readFrame(t, reader).Type)
	require.Equal(t, event.FrameEOSE, readFrame(t, reader).Type)
}

func TestRelayAnswersGarbageWithNotice(t *testing.T) {
	_, url := startRelay(t, nil)
	conn := dial(t, url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"nope":1}`)))
	require.Equal(t, event.FrameNotice, readFrame(t, conn).Type)
}

func TestRelaysShareEventsThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	_, urlA := startRelay(t, rdb)
	_, urlB := startRelay(t, rdb)

	reader := dial(t, urlB)
	subscribe(t, reader, "s", "#echo")
	require.Equal(t, event.FrameEOSE, readFrame(t, reader).Type)

	// the subscriber goroutines need to be attached before publishing
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(redisChannel)[redisChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	writer := dial(t, urlA)
	ev := signedEvent(t, "#echo", "across relays")
	send(t, writer, mustFrame(event.EncodePublish(ev)))

	got := readFrame(t, reader)
	require.Equal(t, ev.ID, got.Event.ID)
}
