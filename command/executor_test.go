package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/commandlog"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/xerrors"
)

var userV1 = NewTopic("user", 1)

const (
	k1 = "6ba7b810-9dad-41d1-80b4-00c04fd430c8"
	k2 = "6ba7b811-9dad-41d1-80b4-00c04fd430c8"
	k3 = "6ba7b812-9dad-41d1-80b4-00c04fd430c8"
)

// ledger 模拟业务表：写入在事务提交时才生效。
type ledger struct {
	applied []string
	calls   int
}

func (l *ledger) apply(_ context.Context, records []Record, tx *commandlog.MemoryTx) error {
	l.calls++
	for _, r := range records {
		key := string(r.Key)
		tx.OnCommit(func() { l.applied = append(l.applied, key) })
	}
	return nil
}

func rec(key string, ts int64) Record {
	return Record{Key: []byte(key), Value: []byte(`{}`), Timestamp: ts, Topic: "dev.user.1"}
}

func newTestExecutor() (*Executor[*commandlog.MemoryTx], *commandlog.MemoryStore) {
	store := commandlog.NewMemoryStore()
	return NewExecutor[*commandlog.MemoryTx](store, logging.Discard(), nil), store
}

func TestHandleCommandAppliesOnce(t *testing.T) {
	ctx := context.Background()
	e, store := newTestExecutor()
	l := &ledger{}

	require.NoError(t, e.HandleCommand(ctx, []Record{rec(k1, 1000), rec(k2, 2000)}, userV1, l.apply))
	assert.Equal(t, []string{k1, k2}, l.applied)

	entries := store.Entries(userV1.Table())
	require.Len(t, entries, 2)
	assert.Equal(t, k1, entries[0].Key)
	assert.Equal(t, int64(1000), entries[0].Timestamp.UnixMilli())
}

func TestHandleCommandIsIdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	e, store := newTestExecutor()
	l := &ledger{}
	batch := []Record{rec(k1, 1), rec(k2, 2)}

	require.NoError(t, e.HandleCommand(ctx, batch, userV1, l.apply))
	require.NoError(t, e.HandleCommand(ctx, batch, userV1, l.apply))

	assert.Equal(t, 1, l.calls)
	assert.Equal(t, []string{k1, k2}, l.applied)
	assert.Len(t, store.Entries(userV1.Table()), 2)
}

func TestHandleCommandPassesOnlyUnappliedRecords(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor()
	l := &ledger{}

	require.NoError(t, e.HandleCommand(ctx, []Record{rec(k1, 1)}, userV1, l.apply))

	var seen []string
	require.NoError(t, e.HandleCommand(ctx, []Record{rec(k1, 1), rec(k3, 3), rec(k3, 3)}, userV1,
		func(ctx context.Context, records []Record, tx *commandlog.MemoryTx) error {
			for _, r := range records {
				seen = append(seen, string(r.Key))
			}
			return nil
		}))
	assert.Equal(t, []string{k3}, seen)
}

func TestHandleCommandRollsBackOnHandlerError(t *testing.T) {
	ctx := context.Background()
	e, store := newTestExecutor()
	l := &ledger{}
	errBusiness := errors.New("insufficient balance")

	err := e.HandleCommand(ctx, []Record{rec(k1, 1)}, userV1,
		func(ctx context.Context, records []Record, tx *commandlog.MemoryTx) error {
			require.NoError(t, l.apply(ctx, records, tx))
			return errBusiness
		})
	require.ErrorIs(t, err, errBusiness)
	assert.True(t, xerrors.IsType(err, xerrors.ErrHandler))
	assert.Empty(t, l.applied)
	assert.Empty(t, store.Entries(userV1.Table()))

	// 重投递后可以正常应用
	require.NoError(t, e.HandleCommand(ctx, []Record{rec(k1, 1)}, userV1, l.apply))
	assert.Equal(t, []string{k1}, l.applied)
}

func TestHandleCommandKeepsVersionsSeparate(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor()
	l := &ledger{}

	require.NoError(t, e.HandleCommand(ctx, []Record{rec(k1, 1)}, userV1, l.apply))
	require.NoError(t, e.HandleCommand(ctx, []Record{rec(k1, 1)}, userV1.WithVersion(0), l.apply))
	assert.Equal(t, 2, l.calls)
}

func TestHandleCommandRejectsEmptyKey(t *testing.T) {
	e, _ := newTestExecutor()
	l := &ledger{}

	err := e.HandleCommand(context.Background(), []Record{{Value: []byte("x")}}, userV1, l.apply)
	require.Error(t, err)
	assert.True(t, xerrors.IsType(err, xerrors.ErrHandler))
	assert.Zero(t, l.calls)
}

func TestHandleCommandMatchesKeysCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	e, store := newTestExecutor()
	l := &ledger{}

	require.NoError(t, e.HandleCommand(ctx, []Record{rec(k1, 1)}, userV1, l.apply))
	require.NoError(t, e.HandleCommand(ctx, []Record{rec(strings.ToUpper(k1), 1)}, userV1, l.apply))
	require.NoError(t, e.HandleCommand(ctx, []Record{rec(strings.ToUpper(k2), 2), rec(k2, 2)}, userV1, l.apply))

	assert.Equal(t, 2, l.calls)
	entries := store.Entries(userV1.Table())
	require.Len(t, entries, 2)
	assert.Equal(t, k2, entries[1].Key)
}

func TestHandleCommandRejectsNonUUIDKey(t *testing.T) {
	e, store := newTestExecutor()
	l := &ledger{}

	err := e.HandleCommand(context.Background(), []Record{rec(k1, 1), rec("order-42", 2)}, userV1, l.apply)
	require.Error(t, err)
	assert.True(t, xerrors.IsType(err, xerrors.ErrHandler))
	assert.Zero(t, l.calls)
	assert.Empty(t, store.Entries(userV1.Table()))
}

func TestRegisterExecutorBindsEngine(t *testing.T) {
	ctx := context.Background()
	store := commandlog.NewMemoryStore()
	e := NewExecutor[*commandlog.MemoryTx](store, logging.Discard(), nil)
	reg := NewRegistrar(NewRegistry("dev"), store, logging.Discard())
	l := &ledger{}

	require.NoError(t, RegisterExecutor(ctx, reg, e, userV1, l.apply))
	sub, ok := reg.Registry().Seal().Lookup("dev.user.1")
	require.True(t, ok)

	require.NoError(t, sub.Handler(ctx, []Record{rec(k1, 1)}))
	require.NoError(t, sub.Handler(ctx, []Record{rec(k1, 1)}))
	assert.Equal(t, []string{k1}, l.applied)
	assert.Equal(t, 1, store.Ensured(userV1.Table()))
}
