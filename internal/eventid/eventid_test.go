package eventid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	id, err := New(1721930000123456, 0xdeadbeef, "0a1b2c3d")
	require.NoError(t, err)

	b := id.Bytes()
	require.Len(t, b, Size)

	back, err := FromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestHexRoundTrip(t *testing.T) {
	id, err := New(42, 7, "ffffffff")
	require.NoError(t, err)

	s := id.String()
	require.Len(t, s, HexSize)

	back, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, id.Equal(back))
}

func TestHexFormIsStable(t *testing.T) {
	id := ID{Timestamp: 0x0102030405060708, Checksum: 0x090a0b0c, LedgerID: "0d0e0f10"}
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", id.String())
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"0102030405060708090A0B0C0D0E0F10", // uppercase
		"zz02030405060708090a0b0c0d0e0f10", // not hex
		"0102030405060708090a0b0c0d0e0f1000",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "input %q", c)
	}
}

func TestNewRejectsBadLedgerID(t *testing.T) {
	_, err := New(1, 1, "nothex!!")
	assert.Error(t, err)

	_, err = New(1, 1, "abcd")
	assert.Error(t, err)
}

func TestCompareOrdersByTimestampThenChecksum(t *testing.T) {
	a := ID{Timestamp: 1, Checksum: 9, LedgerID: "00000001"}
	b := ID{Timestamp: 2, Checksum: 0, LedgerID: "00000001"}
	c := ID{Timestamp: 2, Checksum: 1, LedgerID: "00000001"}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 0, c.Compare(c))
}

func TestIsZero(t *testing.T) {
	assert.True(t, ID{}.IsZero())
	assert.True(t, ID{LedgerID: "00000000"}.IsZero())
	assert.False(t, ID{Timestamp: 1}.IsZero())
}
