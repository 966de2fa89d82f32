package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type memSeedStore struct {
	seed  string
	saves int
}

func (m *memSeedStore) IdentitySeed() (string, error) { return m.seed, nil }

func (m *memSeedStore) SaveIdentitySeed(seed string) error {
	m.seed = seed
	m.saves++
	return nil
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	sig, err := kp.Sign([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, Verify(kp.PublicKeyHex(), []byte("hello"), sig))
	require.ErrorIs(t, Verify(kp.PublicKeyHex(), []byte("hellO"), sig), ErrInvalidSignature)
}

func TestSignWithMissingKeyFails(t *testing.T) {
	var kp *Keypair
	_, err := kp.Sign([]byte("x"))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = (&Keypair{}).Sign([]byte("x"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveContentIDIsDeterministic(t *testing.T) {
	tags := [][]string{{"t", "#echo"}}
	a := DeriveContentID("ab", 1700000000, 1, tags, `{"text":"<hi> & bye"}`)
	b := DeriveContentID("ab", 1700000000, 1, tags, `{"text":"<hi> & bye"}`)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	require.NotEqual(t, a, DeriveContentID("ab", 1700000001, 1, tags, `{"text":"<hi> & bye"}`))
	require.NotEqual(t, a, DeriveContentID("ac", 1700000000, 1, tags, `{"text":"<hi> & bye"}`))
	require.NotEqual(t, a, DeriveContentID("ab", 1700000000, 1, nil, `{"text":"<hi> & bye"}`))
}

func TestDeriveContentIDNilTagsMatchEmpty(t *testing.T) {
	require.Equal(t,
		DeriveContentID("ab", 1, 1, nil, "c"),
		DeriveContentID("ab", 1, 1, [][]string{}, "c"))
}

func TestFromSeedHexRejectsMalformed(t *testing.T) {
	_, err := FromSeedHex("zz")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = FromSeedHex("abcd")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestLoadOrCreateGeneratesOnce(t *testing.T) {
	store := &memSeedStore{}
	first, err := LoadOrCreate(store)
	require.NoError(t, err)
	require.Equal(t, 1, store.saves)

	second, err := LoadOrCreate(store)
	require.NoError(t, err)
	require.Equal(t, 1, store.saves)
	require.Equal(t, first.PublicKeyHex(), second.PublicKeyHex())
}

func TestLoadOrCreateRejectsCorruptSeed(t *testing.T) {
	_, err := LoadOrCreate(&memSeedStore{seed: "not-a-seed"})
	require.True(t, errors.Is(err, ErrInvalidKey))
}
