package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"echochan/internal/identity"
)

func newSigned(t *testing.T, content string) (*identity.Keypair, *Event) {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	ev, err := New(kp, KindMessage, RoomTags("#echo", ""), content, 1700000000)
	require.NoError(t, err)
	return kp, ev
}

func TestNewEventVerifies(t *testing.T) {
	_, ev := newSigned(t, `{"type":"message"}`)
	require.NoError(t, ev.Verify())
	require.Equal(t, "#echo", ev.TagValue("t"))
}

func TestTamperedEventFailsVerification(t *testing.T) {
	_, ev := newSigned(t, `{"type":"message","text":"a"}`)

	tampered := *ev
	tampered.Content = `{"type":"message","text":"b"}`
	require.ErrorIs(t, tampered.Verify(), ErrInvalidID)

	forged := *ev
	other, _ := identity.Generate()
	forged.PubKey = other.PublicKeyHex()
	forged.ID = identity.DeriveContentID(forged.PubKey, forged.CreatedAt, forged.Kind, forged.Tags, forged.Content)
	require.ErrorIs(t, forged.Verify(), ErrInvalidSignature)
}

func TestSameContentSameSecondSameID(t *testing.T) {
	kp, ev := newSigned(t, "x")
	again, err := New(kp, KindMessage, RoomTags("#echo", ""), "x", 1700000000)
	require.NoError(t, err)
	require.Equal(t, ev.ID, again.ID)
}

type failingSigner struct{}

func (failingSigner) PublicKeyHex() string { return "00" }
func (failingSigner) Sign([]byte) (string, error) {
	return "", identity.ErrInvalidKey
}

func TestNewPropagatesSigningFailure(t *testing.T) {
	_, err := New(failingSigner{}, KindMessage, nil, "x", 1)
	require.ErrorIs(t, err, identity.ErrInvalidKey)
}

func TestParseFrames(t *testing.T) {
	_, ev := newSigned(t, "hello")

	pub, err := EncodePublish(ev)
	require.NoError(t, err)
	f, err := ParseFrame(pub)
	require.NoError(t, err)
	require.Equal(t, FrameEvent, f.Type)
	require.Empty(t, f.SubID)
	require.Equal(t, ev.ID, f.Event.ID)

	del, err := EncodeDelivery("sub1", ev)
	require.NoError(t, err)
	f, err = ParseFrame(del)
	require.NoError(t, err)
	require.Equal(t, "sub1", f.SubID)
	require.NoError(t, f.Event.Verify())

	req, err := EncodeReq("sub1", Filter{Kinds: []int{KindMessage}, Rooms: []string{"#echo"}, Limit: 50})
	require.NoError(t, err)
	require.Contains(t, string(req), `"#t":["#echo"]`)
	f, err = ParseFrame(req)
	require.NoError(t, err)
	require.Len(t, f.Filters, 1)
	require.True(t, f.Filters[0].Matches(ev))

	ok, err := EncodeOK(ev.ID, false, "blocked")
	require.NoError(t, err)
	f, err = ParseFrame(ok)
	require.NoError(t, err)
	require.False(t, f.Accepted)
	require.Equal(t, "blocked", f.Message)
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		``, `{}`, `[]`, `[1]`, `["WHAT"]`, `["EVENT"]`, `["EVENT","s",{"id":""}]`,
		`["CLOSE"]`, `["NOTICE",1]`, `["OK","id"]`,
	} {
		_, err := ParseFrame([]byte(raw))
		require.ErrorIs(t, err, ErrMalformedFrame, raw)
	}
}

func TestFilterMatches(t *testing.T) {
	_, ev := newSigned(t, "x")
	require.True(t, Filter{}.Matches(ev))
	require.False(t, Filter{Kinds: []int{KindSignal}}.Matches(ev))
	require.False(t, Filter{Rooms: []string{"#other"}}.Matches(ev))
	require.False(t, Filter{Since: ev.CreatedAt + 1}.Matches(ev))
}

func TestDecodeContent(t *testing.T) {
	content, err := EncodeContent(MessagePayload{Type: TypeMessage, Room: "#echo", Text: "hi"})
	require.NoError(t, err)
	p, err := DecodeContent(content)
	require.NoError(t, err)
	require.Equal(t, "hi", p.(*MessagePayload).Text)

	content, err = EncodeContent(SignalPayload{Type: TypeSignal, SID: "s", Kind: SignalOffer, Size: 10})
	require.NoError(t, err)
	p, err = DecodeContent(content)
	require.NoError(t, err)
	require.EqualValues(t, 10, p.(*SignalPayload).Size)

	_, err = DecodeContent(`{"type":"signal"}`)
	require.ErrorIs(t, err, ErrUnknownPayload)
	_, err = DecodeContent(`plain text note`)
	require.ErrorIs(t, err, ErrUnknownPayload)
	_, err = DecodeContent(`{"type":"reaction"}`)
	require.ErrorIs(t, err, ErrUnknownPayload)
}
