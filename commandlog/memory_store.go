package commandlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore 进程内命令日志，事务串行执行，供测试与本地开发使用。
type MemoryStore struct {
	txMu    sync.Mutex
	mu      sync.RWMutex
	tables  map[Table]map[string]Entry
	ensured map[Table]int
}

// MemoryTx MemoryStore 的事务句柄，提交前的写入暂存于此。
type MemoryTx struct {
	staged map[Table][]Entry
	// OnCommit 在提交时按顺序执行，业务处理器可以把自己的写入注册在这里。
	onCommit []func()
}

// OnCommit 注册提交回调，回滚时不会执行。
func (tx *MemoryTx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

var _ Store[*MemoryTx] = (*MemoryStore)(nil)

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:  make(map[Table]map[string]Entry),
		ensured: make(map[Table]int),
	}
}

func (s *MemoryStore) EnsureTable(_ context.Context, t Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured[t]++
	if _, ok := s.tables[t]; !ok {
		s.tables[t] = make(map[string]Entry)
	}
	return nil
}

// Ensured 返回 EnsureTable 对 t 的调用次数。
func (s *MemoryStore) Ensured(t Table) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ensured[t]
}

func (s *MemoryStore) WithinTx(ctx context.Context, _ Table, _ []string, fn func(ctx context.Context, tx *MemoryTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &MemoryTx{staged: make(map[Table][]Entry)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	for t, entries := range tx.staged {
		rows, ok := s.tables[t]
		if !ok {
			rows = make(map[string]Entry)
			s.tables[t] = rows
		}
		for _, e := range entries {
			rows[e.Key] = e
		}
	}
	s.mu.Unlock()

	for _, cb := range tx.onCommit {
		cb()
	}
	return nil
}

func (s *MemoryStore) AppliedKeys(_ context.Context, _ *MemoryTx, t Table, keys []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	applied := make(map[string]struct{}, len(keys))
	rows := s.tables[t]
	for _, k := range keys {
		if _, ok := rows[k]; ok {
			applied[k] = struct{}{}
		}
	}
	return applied, nil
}

func (s *MemoryStore) Append(_ context.Context, tx *MemoryTx, t Table, entries []Entry) error {
	s.mu.RLock()
	rows := s.tables[t]
	s.mu.RUnlock()

	seen := make(map[string]struct{}, len(tx.staged[t]))
	for _, e := range tx.staged[t] {
		seen[e.Key] = struct{}{}
	}
	for _, e := range entries {
		if _, ok := rows[e.Key]; ok {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateKey, e.Key, t)
		}
		if _, ok := seen[e.Key]; ok {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateKey, e.Key, t)
		}
		seen[e.Key] = struct{}{}
	}
	tx.staged[t] = append(tx.staged[t], entries...)
	return nil
}

// Entries 返回 t 中已提交的记录，按键排序。
func (s *MemoryStore) Entries(t Table) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.tables[t]))
	for _, e := range s.tables[t] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
