package store

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore keeps every partition in process memory. Each partition has its
// own lock, so Exec on one partition never blocks another.
type MemoryStore struct {
	mu     sync.Mutex
	shards map[int]*memoryShard
}

type memoryShard struct {
	mu     sync.RWMutex
	hashes map[string]map[string][]byte
	sets   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shards: make(map[int]*memoryShard)}
}

func (m *MemoryStore) shard(partition int) *memoryShard {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[partition]
	if !ok {
		s = &memoryShard{
			hashes: make(map[string]map[string][]byte),
			sets:   make(map[string]map[string]struct{}),
		}
		m.shards[partition] = s
	}
	return s
}

func (m *MemoryStore) HGet(_ context.Context, key Key, field string) ([]byte, error) {
	s := m.shard(key.Partition)
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.hashes[key.Name][field]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key Key) (map[string][]byte, error) {
	s := m.shard(key.Partition)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.hashes[key.Name]))
	for f, v := range s.hashes[key.Name] {
		out[f] = clone(v)
	}
	return out, nil
}

func (m *MemoryStore) HSet(_ context.Context, key Key, field string, value []byte) error {
	s := m.shard(key.Partition)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hset(key.Name, field, value)
	return nil
}

func (m *MemoryStore) HDel(_ context.Context, key Key, field string) (bool, error) {
	s := m.shard(key.Partition)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hdel(key.Name, field), nil
}

func (m *MemoryStore) SAdd(_ context.Context, key Key, member string) error {
	s := m.shard(key.Partition)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sadd(key.Name, member)
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key Key, member string) (bool, error) {
	s := m.shard(key.Partition)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.srem(key.Name, member), nil
}

func (m *MemoryStore) SMembers(_ context.Context, key Key) ([]string, error) {
	s := m.shard(key.Partition)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.sets[key.Name]))
	for member := range s.sets[key.Name] {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryStore) Exec(_ context.Context, ops ...Op) error {
	partition, err := checkPartition(ops)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	s := m.shard(partition)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if !op.isExpectation() {
			continue
		}
		cur, ok := s.hashes[op.Key.Name][op.Field]
		if op.Kind == OpExpectAbsent && ok {
			return ErrConflict
		}
		if op.Kind == OpExpect && (!ok || !bytes.Equal(cur, op.Value)) {
			return ErrConflict
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpHSet:
			s.hset(op.Key.Name, op.Field, op.Value)
		case OpHDel:
			s.hdel(op.Key.Name, op.Field)
		case OpSAdd:
			s.sadd(op.Key.Name, op.Field)
		case OpSRem:
			s.srem(op.Key.Name, op.Field)
		}
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (s *memoryShard) hset(name, field string, value []byte) {
	h, ok := s.hashes[name]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[name] = h
	}
	h[field] = clone(value)
}

func (s *memoryShard) hdel(name, field string) bool {
	h, ok := s.hashes[name]
	if !ok {
		return false
	}
	if _, ok := h[field]; !ok {
		return false
	}
	delete(h, field)
	if len(h) == 0 {
		delete(s.hashes, name)
	}
	return true
}

func (s *memoryShard) sadd(name, member string) {
	set, ok := s.sets[name]
	if !ok {
		set = make(map[string]struct{})
		s.sets[name] = set
	}
	set[member] = struct{}{}
}

func (s *memoryShard) srem(name, member string) bool {
	set, ok := s.sets[name]
	if !ok {
		return false
	}
	if _, ok := set[member]; !ok {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(s.sets, name)
	}
	return true
}

// clone copies b so callers never share the stored slice.
func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
