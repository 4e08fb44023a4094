package storage

import (
	"bytes"
	"sort"
	"sync"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is a map-backed Backend. Nothing survives Close.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Type returns the backend type
func (m *MemoryBackend) Type() BackendType {
	return BackendTypeMemory
}

// Get retrieves a value by key
func (m *MemoryBackend) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Set stores a key-value pair
func (m *MemoryBackend) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[string(key)] = bytes.Clone(value)
	return nil
}

// Delete removes a key
func (m *MemoryBackend) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists
func (m *MemoryBackend) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.data[string(key)]
	return ok, nil
}

// NewIterator returns a snapshot iterator over [start, end). A nil end is
// unbounded.
func (m *MemoryBackend) NewIterator(start, end []byte) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	it := &memoryIterator{}
	for k, v := range m.data {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		it.keys = append(it.keys, kb)
		it.values = append(it.values, bytes.Clone(v))
	}
	sort.Sort(it)
	return it, nil
}

// NewBatch creates a new batch for atomic writes
func (m *MemoryBackend) NewBatch() BackendBatch {
	return &memoryBatch{backend: m}
}

// Close closes the backend
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

type memoryIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (i *memoryIterator) Len() int           { return len(i.keys) }
func (i *memoryIterator) Less(a, b int) bool { return bytes.Compare(i.keys[a], i.keys[b]) < 0 }
func (i *memoryIterator) Swap(a, b int) {
	i.keys[a], i.keys[b] = i.keys[b], i.keys[a]
	i.values[a], i.values[b] = i.values[b], i.values[a]
}

func (i *memoryIterator) Valid() bool   { return i.pos < len(i.keys) }
func (i *memoryIterator) Next()         { i.pos++ }
func (i *memoryIterator) Key() []byte   { return i.keys[i.pos] }
func (i *memoryIterator) Value() []byte { return i.values[i.pos] }
func (i *memoryIterator) Close() error  { return nil }

type memoryOp struct {
	key    string
	value  []byte
	delete bool
}

type memoryBatch struct {
	backend *MemoryBackend
	ops     []memoryOp
}

func (b *memoryBatch) Set(key, value []byte) error {
	b.ops = append(b.ops, memoryOp{key: string(key), value: bytes.Clone(value)})
	return nil
}

func (b *memoryBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memoryOp{key: string(key), delete: true})
	return nil
}

func (b *memoryBatch) Commit() error {
	b.backend.mu.Lock()
	defer b.backend.mu.Unlock()
	if b.backend.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.backend.data, op.key)
			continue
		}
		b.backend.data[op.key] = op.value
	}
	b.ops = nil
	return nil
}

func (b *memoryBatch) Count() int {
	return len(b.ops)
}

func (b *memoryBatch) Close() error {
	b.ops = nil
	return nil
}
