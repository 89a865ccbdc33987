// Package testutil holds in-memory test doubles shared across package
// tests: MemDB, an in-memory storage.DB (with its Iterator and Batch), so
// unit tests never need a real file-backed LevelDB database.
package testutil

import (
	"sort"
	"strings"
	"sync"

	"github.com/tolelom/tolchain/consensuserr"
	"github.com/tolelom/tolchain/storage"
)

var _ storage.DB = (*MemDB)(nil)
var _ storage.Iterator = (*memIterator)(nil)
var _ storage.Batch = (*MemBatch)(nil)

// MemDB is an in-memory storage.DB, safe for concurrent use.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB creates an empty in-memory database.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, consensuserr.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemDB) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemDB) Close() error { return nil }

func (m *MemDB) NewIterator(prefix []byte) storage.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := string(prefix)
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	return &memIterator{db: m, keys: keys, pos: -1}
}

type memIterator struct {
	db   *MemDB
	keys []string
	pos  int
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIterator) Key() []byte {
	return []byte(it.keys[it.pos])
}

func (it *memIterator) Value() []byte {
	it.db.mu.RLock()
	defer it.db.mu.RUnlock()
	return it.db.data[it.keys[it.pos]]
}

func (it *memIterator) Release() {}

func (it *memIterator) Error() error { return nil }

// MemBatch buffers Set/Delete ops and applies them atomically to a MemDB.
type MemBatch struct {
	db  *MemDB
	set map[string][]byte
	del map[string]bool
}

func (m *MemDB) NewBatch() storage.Batch {
	return &MemBatch{db: m, set: make(map[string][]byte), del: make(map[string]bool)}
}

func (b *MemBatch) Set(key, value []byte) {
	b.set[string(key)] = append([]byte(nil), value...)
	delete(b.del, string(key))
}

func (b *MemBatch) Delete(key []byte) {
	b.del[string(key)] = true
	delete(b.set, string(key))
}

func (b *MemBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for k, v := range b.set {
		b.db.data[k] = v
	}
	for k := range b.del {
		delete(b.db.data, k)
	}
	return nil
}

func (b *MemBatch) Reset() {
	b.set = make(map[string][]byte)
	b.del = make(map[string]bool)
}
