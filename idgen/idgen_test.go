package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandKeyIsUUIDv4(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		key := NewCommandKey()
		id, err := uuid.Parse(key)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), id.Version())
		seen[key] = struct{}{}
	}
	assert.Len(t, seen, 100)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("6BA7B810-9DAD-11D1-80B4-00C04FD430C8")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", key)

	_, err = ParseKey("not-a-key")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestFixedGenerator(t *testing.T) {
	g := FixedGenerator("k-1")
	assert.Equal(t, "k-1", g.NewKey())
	assert.Equal(t, "k-1", g.NewKey())
}
