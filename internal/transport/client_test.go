package transport

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"echochan/internal/chat"
	"echochan/internal/config"
	"echochan/internal/db"
	"echochan/internal/devrelay"
	"echochan/internal/event"
	"echochan/internal/identity"
	"echochan/internal/p2p"
	"echochan/internal/relay"
)

const unreachable = "ws://127.0.0.1:1"

func startRelay(t *testing.T) string {
	t.Helper()
	r := devrelay.New(nil, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type memoryRows struct {
	mu   sync.Mutex
	rows []db.Row
}

func (m *memoryRows) InsertRow(_ context.Context, row db.Row) (db.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == row.ID {
			return row, nil
		}
	}
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *memoryRows) QueryRows(_ context.Context, f db.Filter) ([]db.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Row
	for _, r := range m.rows {
		if r.Room == f.Room && !r.CreatedAt.Before(f.Since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		if f.Oldest {
			out = out[:f.Limit]
		} else {
			out = out[len(out)-f.Limit:]
		}
	}
	return out, nil
}

func (m *memoryRows) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.rows {
		out = append(out, r.ID)
	}
	return out
}

type setup struct {
	relays  []string
	mode    string
	backend *Backend
	nick    string
}

func newClient(t *testing.T, s setup) *Client {
	t.Helper()
	store, err := config.NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	settings := config.DefaultSettings()
	settings.Relays = s.relays
	if s.mode != "" {
		settings.BackendMode = s.mode
	}
	if s.nick != "" {
		settings.Nick = s.nick
	}
	require.NoError(t, store.Save(settings))

	kp, err := identity.LoadOrCreate(store)
	require.NoError(t, err)

	hub := chat.NewHub(chat.NewStore(chat.DefaultRetention, chat.DefaultSeenCap, time.Now), 50*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c, err := New(Config{
		Settings: store,
		Identity: kp,
		Hub:      hub,
		Relay:    relay.Options{BackoffBase: 20 * time.Millisecond, BackoffMax: 100 * time.Millisecond},
		Backend:  s.backend,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func relaysUp(c *Client, n int) func() bool {
	return func() bool { return c.Pool().Status().Connected == n }
}

func roomIDs(c *Client, room string) []string {
	var out []string
	for _, m := range c.RoomMessages(room) {
		out = append(out, m.ID)
	}
	return out
}

func TestSendWithoutConnectedRelaySucceedsLocally(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})

	m, err := c.Send(context.Background(), SendRequest{Text: "hello"})
	require.NoError(t, err)
	require.Len(t, m.ID, 64)
	require.Equal(t, "#echo", m.Room)
	require.Equal(t, c.Identity(), m.Author)
	require.Equal(t, []string{m.ID}, roomIDs(c, "#echo"))
	require.Zero(t, c.Pool().Status().Connected)
}

func TestSendValidation(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	ctx := context.Background()

	link := event.Attachment{Kind: "link", URL: "https://example.com/a.png"}
	_, err := c.Send(ctx, SendRequest{Text: "x", Attachments: []event.Attachment{link, link, link}})
	require.ErrorIs(t, err, ErrTooManyAttachments)

	_, err = c.Send(ctx, SendRequest{Text: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = c.Send(ctx, SendRequest{Attachments: []event.Attachment{{Kind: "carrier-pigeon"}}})
	require.ErrorIs(t, err, ErrInvalidMessage)

	huge := event.Attachment{Kind: "inline", Mime: "image/png", Data: "data:image/png;base64," + strings.Repeat("A", config.MinPayloadKB*1024)}
	_, err = c.Send(ctx, SendRequest{Attachments: []event.Attachment{huge}})
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	require.Empty(t, c.RoomMessages("#echo"))
}

func TestSendFillsInlineMime(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	png := event.Attachment{Kind: "inline", Data: "data:image/png;base64,iVBORw0KGgo="}
	bare := event.Attachment{Kind: "inline", Data: "data:;base64,iVBORw0KGgoAAAANSUhEUg=="}

	m, err := c.Send(context.Background(), SendRequest{Attachments: []event.Attachment{png, bare}})
	require.NoError(t, err)
	require.Equal(t, "image/png", m.Attachments[0].Mime)
	require.Equal(t, "image/png", m.Attachments[1].Mime)
}

func TestReplyCarriesPreview(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	ctx := context.Background()
	first, err := c.Send(ctx, SendRequest{Text: strings.Repeat("é", 200)})
	require.NoError(t, err)

	second, err := c.Send(ctx, SendRequest{Text: "agreed", ReplyTo: first.ID})
	require.NoError(t, err)
	require.NotNil(t, second.Reply)
	require.Equal(t, first.ID, second.Reply.ID)
	require.Len(t, []rune(second.Reply.Text), 140)
}

func TestMessagesCrossTheRelay(t *testing.T) {
	url := startRelay(t)
	alice := newClient(t, setup{relays: []string{url}, nick: "alice"})
	bob := newClient(t, setup{relays: []string{url}, nick: "bob"})
	require.Eventually(t, relaysUp(alice, 1), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, relaysUp(bob, 1), 3*time.Second, 10*time.Millisecond)

	m, err := alice.Send(context.Background(), SendRequest{Text: "hi bob"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids := roomIDs(bob, "#echo")
		return len(ids) == 1 && ids[0] == m.ID
	}, 3*time.Second, 10*time.Millisecond)

	got := bob.RoomMessages("#echo")[0]
	require.Equal(t, "alice", got.Nick)
	require.Equal(t, url, got.Source)
	require.True(t, bob.Peers().RecentlySeen("#echo", alice.Identity(), time.Now()))

	// the relay echo of alice's own message is a duplicate
	require.Equal(t, []string{m.ID}, roomIDs(alice, "#echo"))
}

func TestSameEventFromTwoRelaysAppearsOnce(t *testing.T) {
	r1, r2 := startRelay(t), startRelay(t)
	alice := newClient(t, setup{relays: []string{r1, r2}})
	bob := newClient(t, setup{relays: []string{r1, r2}})
	require.Eventually(t, relaysUp(alice, 2), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, relaysUp(bob, 2), 3*time.Second, 10*time.Millisecond)

	m, err := alice.Send(context.Background(), SendRequest{Text: "once"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(roomIDs(bob, "#echo")) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, []string{m.ID}, roomIDs(bob, "#echo"))
}

func TestRoomManagement(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	ctx := context.Background()

	_, err := c.RemoveRoom(ctx, "#echo")
	require.ErrorIs(t, err, ErrLastRoom)

	_, err = c.AddRoom("  ")
	require.ErrorIs(t, err, ErrEmptyRoom)

	s, err := c.AddRoom("dev")
	require.NoError(t, err)
	require.Equal(t, []string{"#echo", "#dev"}, s.Rooms)

	require.NoError(t, c.SelectRoom(ctx, "#dev"))
	require.Equal(t, "#dev", c.Current())
	require.ErrorIs(t, c.SelectRoom(ctx, "#nowhere"), ErrUnknownRoom)

	_, err = c.RemoveRoom(ctx, "#nowhere")
	require.ErrorIs(t, err, ErrUnknownRoom)

	s, err = c.RemoveRoom(ctx, "#dev")
	require.NoError(t, err)
	require.Equal(t, []string{"#echo"}, s.Rooms)
	require.Equal(t, "#echo", c.Current())

	reloaded, err := c.cfg.Settings.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"#echo"}, reloaded.Rooms)
}

func TestSaveSettingsKeepsIdentityAndNormalizes(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	before := c.Settings()

	next := before
	next.IdentitySeed = ""
	next.Nick = " carol "
	next.Rooms = []string{"lobby"}
	saved, err := c.SaveSettings(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, "carol", saved.Nick)
	require.Equal(t, []string{"#lobby"}, saved.Rooms)
	require.Equal(t, before.IdentitySeed, saved.IdentitySeed)
	require.Equal(t, "#lobby", c.Current())

	bad := saved
	bad.BackendMode = "smoke-signals"
	_, err = c.SaveSettings(context.Background(), bad)
	require.ErrorIs(t, err, config.ErrInvalidSettings)
	require.Equal(t, saved, c.Settings())

	require.Empty(t, c.GetState().Settings.IdentitySeed)
}

func TestExecuteCommands(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	ctx := context.Background()

	res, err := c.Execute(ctx, "/join dev", SendRequest{})
	require.NoError(t, err)
	require.Equal(t, "Joined #dev.", res.Notice)
	require.Equal(t, "#dev", c.Current())

	res, err = c.Execute(ctx, "/nick dave", SendRequest{})
	require.NoError(t, err)
	require.Equal(t, "dave", c.Settings().Nick)

	res, err = c.Execute(ctx, "/me waves", SendRequest{})
	require.NoError(t, err)
	require.True(t, res.Message.Action)
	require.Equal(t, "waves", res.Message.Text)
	require.Equal(t, "#dev", res.Message.Room)
	require.Equal(t, "dave", res.Message.Nick)

	res, err = c.Execute(ctx, "/leave dev", SendRequest{})
	require.NoError(t, err)
	require.Equal(t, "Left #dev.", res.Notice)
	require.Equal(t, "#echo", c.Current())

	_, err = c.Execute(ctx, "/leave echo", SendRequest{})
	require.ErrorIs(t, err, ErrLastRoom)

	res, err = c.Execute(ctx, "/join", SendRequest{})
	require.NoError(t, err)
	require.Equal(t, "/join", res.Message.Text)

	res, err = c.Execute(ctx, "  ", SendRequest{})
	require.NoError(t, err)
	require.Nil(t, res.Message)
}

func TestBackendModeStoresAndPushes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rows := &memoryRows{}
	earlier := db.Row{ID: "history-1", Room: "#echo", Nick: "old", Text: "before", CreatedAt: time.Now().Add(-time.Minute).UTC()}
	_, err := rows.InsertRow(context.Background(), earlier)
	require.NoError(t, err)

	backend := func() *Backend {
		return &Backend{Store: rows, Push: db.NewRedisPush(rdb, zerolog.Nop()), PollInterval: time.Hour}
	}
	alice := newClient(t, setup{mode: config.BackendDatabase, backend: backend()})
	bob := newClient(t, setup{mode: config.BackendDatabase, backend: backend()})

	require.Equal(t, []string{"history-1"}, roomIDs(bob, "#echo"))
	require.Zero(t, alice.Pool().Status().Total)

	m, err := alice.Send(context.Background(), SendRequest{Text: "stored"})
	require.NoError(t, err)
	require.Contains(t, rows.ids(), m.ID)

	require.Eventually(t, func() bool {
		ids := roomIDs(bob, "#echo")
		return len(ids) == 2 && ids[1] == m.ID
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, chat.SourceBackend, bob.RoomMessages("#echo")[1].Source)
}

func TestFileTransferNegotiatedOverRelay(t *testing.T) {
	url := startRelay(t)
	alice := newClient(t, setup{relays: []string{url}, nick: "alice"})
	bob := newClient(t, setup{relays: []string{url}, nick: "bob"})
	require.Eventually(t, relaysUp(alice, 1), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, relaysUp(bob, 1), 3*time.Second, 10*time.Millisecond)

	mem := p2p.NewMemoryTransport()
	transfers := make(chan p2p.Transfer, 1)
	am := p2p.NewManager(alice.Identity(), mem, alice, alice.Prompts(), alice.Peers(), p2p.Options{OnNotice: alice.Notify}, zerolog.Nop())
	bm := p2p.NewManager(bob.Identity(), mem, bob, bob.Prompts(), bob.Peers(),
		p2p.Options{OnNotice: bob.Notify, OnTransfer: func(tr p2p.Transfer) { transfers <- tr }}, zerolog.Nop())
	alice.AttachP2P(am)
	bob.AttachP2P(bm)

	go func() {
		for p := range bob.Prompts().Asked() {
			_ = bob.Prompts().Answer(p.ID, true)
		}
	}()

	// bob has seen alice talk, so only one prompt is needed
	_, err := alice.Send(context.Background(), SendRequest{Text: "sending you a file"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bob.Peers().RecentlySeen("#echo", alice.Identity(), time.Now())
	}, 3*time.Second, 10*time.Millisecond)

	data := []byte(strings.Repeat("payload!", 5000))
	sid, err := alice.SendFile(context.Background(), bob.Identity(), "notes.txt", "", data)
	require.NoError(t, err)

	select {
	case tr := <-transfers:
		require.Equal(t, sid, tr.SessionID)
		require.Equal(t, alice.Identity(), tr.From)
		require.Equal(t, data, tr.Data)
		require.Equal(t, "notes.txt", tr.Meta.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not complete")
	}

	require.Eventually(t, func() bool {
		snap, ok := am.Session(sid)
		return ok && snap.State == p2p.StateComplete
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSendFileWithoutP2P(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	_, err := c.SendFile(context.Background(), "", "a.txt", "", []byte("x"))
	require.ErrorIs(t, err, ErrP2PUnavailable)
}

func TestSignalWithoutRelayFails(t *testing.T) {
	c := newClient(t, setup{relays: []string{unreachable}})
	err := c.SendSignal(context.Background(), event.SignalPayload{Type: event.TypeSignal, Room: "#echo", SID: "s", Kind: event.SignalOffer})
	require.ErrorIs(t, err, ErrNoRelay)
}

func TestPromptsResolve(t *testing.T) {
	p := NewPrompts()
	answered := make(chan bool, 1)
	go func() { answered <- p.Confirm(context.Background(), "accept?") }()

	var asked Prompt
	select {
	case asked = <-p.Asked():
	case <-time.After(time.Second):
		t.Fatal("prompt not announced")
	}
	require.Equal(t, "accept?", asked.Text)
	require.Len(t, p.Pending(), 1)
	require.NoError(t, p.Answer(asked.ID, true))
	require.True(t, <-answered)
	require.ErrorIs(t, p.Answer(asked.ID, true), ErrUnknownPrompt)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, p.Confirm(ctx, "ignored"))
	require.Empty(t, p.Pending())
}
