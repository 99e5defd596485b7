package commandlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tbl := TableFor("user", 1)
	require.NoError(t, s.EnsureTable(ctx, tbl))

	errBoom := errors.New("boom")
	committed := false
	err := s.WithinTx(ctx, tbl, []string{"a"}, func(ctx context.Context, tx *MemoryTx) error {
		tx.OnCommit(func() { committed = true })
		require.NoError(t, s.Append(ctx, tx, tbl, []Entry{{Key: "a", Timestamp: time.Now()}}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.False(t, committed)
	assert.Empty(t, s.Entries(tbl))
}

func TestMemoryStoreAppendRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tbl := TableFor("user", 1)

	require.NoError(t, s.WithinTx(ctx, tbl, nil, func(ctx context.Context, tx *MemoryTx) error {
		return s.Append(ctx, tx, tbl, []Entry{{Key: "a"}})
	}))

	err := s.WithinTx(ctx, tbl, nil, func(ctx context.Context, tx *MemoryTx) error {
		return s.Append(ctx, tx, tbl, []Entry{{Key: "b"}, {Key: "a"}})
	})
	require.ErrorIs(t, err, ErrDuplicateKey)
	assert.Len(t, s.Entries(tbl), 1)

	err = s.WithinTx(ctx, tbl, nil, func(ctx context.Context, tx *MemoryTx) error {
		return s.Append(ctx, tx, tbl, []Entry{{Key: "c"}, {Key: "c"}})
	})
	require.ErrorIs(t, err, ErrDuplicateKey)
}
