package threadx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeIDRoundTrip(t *testing.T) {
	for _, tag := range []string{"A", "AB", "ABC", "NODE", "N0D3", "9"} {
		id, err := EncodeTypeID(tag)
		require.NoError(t, err)
		assert.Equal(t, tag, DecodeTypeID(id))
		assert.True(t, IsValidTypeID(id))
	}
}

func TestTypeIDEncodeRejectsBadInput(t *testing.T) {
	_, err := EncodeTypeID("")
	assert.ErrorIs(t, err, ErrInvalidTypeIDLength)

	_, err = EncodeTypeID("TOOLONG")
	assert.ErrorIs(t, err, ErrInvalidTypeIDLength)

	_, err = EncodeTypeID("ab")
	assert.ErrorIs(t, err, ErrInvalidTypeIDChar)

	_, err = EncodeTypeID("N-D")
	assert.ErrorIs(t, err, ErrInvalidTypeIDChar)
}

func TestTypeIDDecodeNeverFails(t *testing.T) {
	assert.Equal(t, "????", DecodeTypeID(0))

	// A zero byte followed by a non-zero byte is structurally
	// invalid (zero must terminate), so it decodes to the sentinel
	// rather than panicking or erroring.
	malformed := uint32('A') | uint32('B')<<16
	assert.Equal(t, "????", DecodeTypeID(malformed))
	assert.False(t, IsValidTypeID(malformed))
}
