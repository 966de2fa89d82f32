package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

func fixedClock() time.Time { return testNow }

func msg(id, room string, created int64) *Message {
	return &Message{ID: id, Room: room, Nick: "n", Author: "a", Text: id, CreatedAt: created, ReceivedAt: testNow}
}

func ids(list []*Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestInsertTwiceIsDuplicate(t *testing.T) {
	s := NewStore(10, 0, fixedClock)
	require.True(t, s.Insert(msg("a", "#echo", testNow.Unix())))
	require.False(t, s.Insert(msg("a", "#echo", testNow.Unix())))
	require.Len(t, s.Messages("#echo"), 1)
}

func TestOrderIndependentOfArrival(t *testing.T) {
	build := func() []*Message {
		base := testNow.Unix()
		return []*Message{
			msg("c", "#echo", base-10),
			msg("a", "#echo", base-5),
			msg("b", "#echo", base-5),
			msg("z", "#echo", base-20),
			msg("m", "#echo", base),
		}
	}

	forward := NewStore(10, 0, fixedClock)
	for _, m := range build() {
		forward.Insert(m)
	}
	reverse := NewStore(10, 0, fixedClock)
	list := build()
	for i := len(list) - 1; i >= 0; i-- {
		reverse.Insert(list[i])
	}

	require.Equal(t, []string{"z", "c", "a", "b", "m"}, ids(forward.Messages("#echo")))
	require.Equal(t, ids(forward.Messages("#echo")), ids(reverse.Messages("#echo")))
}

func TestSkewedClockSortsByReceivedAt(t *testing.T) {
	s := NewStore(10, 0, fixedClock)
	skewed := msg("skewed", "#echo", testNow.Add(-7*time.Hour).Unix())
	skewed.ReceivedAt = testNow.Add(-time.Minute)
	require.True(t, s.Insert(skewed))
	require.Equal(t, skewed.ReceivedAt.Unix(), skewed.SortKey())

	older := msg("older", "#echo", testNow.Add(-2*time.Minute).Unix())
	s.Insert(older)
	require.Equal(t, []string{"older", "skewed"}, ids(s.Messages("#echo")))

	future := msg("future", "#echo", testNow.Add(7*time.Hour).Unix())
	require.Equal(t, testNow.Unix(), SortKey(future, testNow))

	withinSkew := msg("ok", "#echo", testNow.Add(-5*time.Hour).Unix())
	require.Equal(t, withinSkew.CreatedAt, SortKey(withinSkew, testNow))
}

func TestRetentionEvictsOldestBySortOrder(t *testing.T) {
	s := NewStore(3, 0, fixedClock)
	base := testNow.Unix()
	// arrival order differs from sort order
	s.Insert(msg("m3", "#echo", base-3))
	s.Insert(msg("m1", "#echo", base-5))
	s.Insert(msg("m4", "#echo", base-2))
	s.Insert(msg("m2", "#echo", base-4))
	s.Insert(msg("m5", "#echo", base-1))

	require.Equal(t, []string{"m3", "m4", "m5"}, ids(s.Messages("#echo")))
	require.Equal(t, 3, s.Counts()["#echo"])

	// evicted ids stay in the seen set
	require.False(t, s.Insert(msg("m1", "#echo", base-5)))
	_, buffered := s.Lookup("m1")
	require.False(t, buffered)
}

func TestSeenCapForgetsOldestButNotBuffered(t *testing.T) {
	s := NewStore(2, 2, fixedClock)
	base := testNow.Unix()
	for i := 0; i < 4; i++ {
		require.True(t, s.Insert(msg(fmt.Sprintf("m%d", i), "#echo", base+int64(i))))
	}
	// m0 fell out of both the buffer and the bounded seen set
	require.False(t, s.Seen("m0"))
	// m3 is still buffered
	require.True(t, s.Seen("m3"))
	require.False(t, s.Insert(msg("m3", "#echo", base+3)))
}

func TestInsertFillsMissingFields(t *testing.T) {
	s := NewStore(10, 0, fixedClock)
	m := &Message{Room: "echo", Author: "pk", Text: "hi"}
	require.True(t, s.Insert(m))
	require.Equal(t, "#echo", m.Room)
	require.Equal(t, testNow.Unix(), m.CreatedAt)
	require.Len(t, m.ID, 64)

	clone := &Message{Room: "#echo", Author: "pk", Text: "hi", CreatedAt: m.CreatedAt}
	require.False(t, s.Insert(clone))
}

func TestInsertRejectsRoomless(t *testing.T) {
	s := NewStore(10, 0, fixedClock)
	require.False(t, s.Insert(&Message{ID: "x"}))
	require.False(t, s.Seen("x"))
	require.False(t, s.Insert(nil))
}

func TestRoomsAreIndependent(t *testing.T) {
	s := NewStore(1, 0, fixedClock)
	s.Insert(msg("a", "#one", testNow.Unix()))
	s.Insert(msg("b", "#two", testNow.Unix()))
	require.Equal(t, map[string]int{"#one": 1, "#two": 1}, s.Counts())
}

func TestNormalizeRooms(t *testing.T) {
	require.Equal(t, []string{"#echo", "#go"}, NormalizeRooms([]string{" echo", "#echo", "", "go "}))
	require.Equal(t, "", NormalizeRoom("   "))
}

func TestReplyPreviewTruncates(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'é'
	}
	m := &Message{ID: "x", Nick: "n", Text: string(long), CreatedAt: 5}
	r := m.ReplyPreview()
	require.Equal(t, "x", r.ID)
	require.Len(t, []rune(r.Text), 140)
	require.EqualValues(t, 5, r.Ts)
}
