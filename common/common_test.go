package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeccak256KnownVector(t *testing.T) {
	require.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", Keccak256().Hex())
	require.Equal(t, Keccak256([]byte("ab")), Keccak256([]byte("a"), []byte("b")))
}

func TestSha256KnownVector(t *testing.T) {
	require.Equal(t, "0xba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Sha256([]byte("abc")).Hex())
}

func TestHashJSONRoundTrip(t *testing.T) {
	h := HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	b, err := json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `"0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"`, string(b))

	var got Hash
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, h, got)

	require.Error(t, json.Unmarshal([]byte(`"0x0102"`), &got))
}

func TestHashFromBytes(t *testing.T) {
	_, err := HashFromBytes(make([]byte, 31))
	require.Error(t, err)
	h, err := HashFromBytes(make([]byte, 32))
	require.NoError(t, err)
	require.True(t, IsNilHash(h))

	_, err = ParseHash("0x1234")
	require.Error(t, err)
}

func TestDeterministicIDSource(t *testing.T) {
	a := NewDeterministicIDSource("seed")
	b := NewDeterministicIDSource("seed")
	seen := make(map[Hash]bool)
	for i := 0; i < 10; i++ {
		x, err := a.NewID()
		require.NoError(t, err)
		y, err := b.NewID()
		require.NoError(t, err)
		require.Equal(t, x, y)
		require.False(t, seen[x])
		seen[x] = true
	}
}

func TestReaderIDSource(t *testing.T) {
	src := NewIDSource(nil)
	x, err := src.NewID()
	require.NoError(t, err)
	y, err := src.NewID()
	require.NoError(t, err)
	require.NotEqual(t, x, y)
}

func TestClockNowMillis(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	require.Equal(t, int64(1_700_000_000_123), FixedClock(ts).NowMillis())
	var c Clock
	require.Greater(t, c.NowMillis(), int64(0))
}
