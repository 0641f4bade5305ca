// Package memstore is an in-memory transactional key/value backend. It is
// used for development runs and as the reference backend in tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/SteelMorgan/projector/internal/session"
)

// Store holds committed data. Transactions buffer writes and apply them in
// one step on commit.
type Store struct {
	mu      sync.RWMutex
	data    map[string][]byte
	schemas map[string]bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data:    make(map[string][]byte),
		schemas: make(map[string]bool),
	}
}

// Get reads a committed value.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Scan returns committed keys with the prefix, sorted.
func (s *Store) Scan(prefix string) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = clone(v)
		}
	}
	return out
}

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Begin starts a transaction.
func (s *Store) Begin() *Tx {
	return &Tx{store: s, writes: make(map[string][]byte)}
}

// Sessions returns a session factory over the store.
func (s *Store) Sessions() session.Factory[*Tx] {
	return session.FactoryFunc[*Tx](func(ctx context.Context) (session.Session[*Tx], error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Session{tx: s.Begin()}, nil
	})
}

func (s *Store) ensureSchema(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemas[name] {
		return false
	}
	s.schemas[name] = true
	return true
}

// Tx is an uncommitted view of the store. A nil entry in writes marks a
// delete.
type Tx struct {
	store  *Store
	writes map[string][]byte
	order  []string
	done   bool
}

// Get reads through the transaction's own writes.
func (tx *Tx) Get(key string) ([]byte, bool) {
	if v, ok := tx.writes[key]; ok {
		if v == nil {
			return nil, false
		}
		return clone(v), true
	}
	return tx.store.Get(key)
}

// Put buffers a write.
func (tx *Tx) Put(key string, value []byte) {
	if value == nil {
		value = []byte{}
	}
	tx.record(key, clone(value))
}

// Delete buffers a delete.
func (tx *Tx) Delete(key string) {
	tx.record(key, nil)
}

// Keys returns committed and pending keys with the prefix, sorted.
func (tx *Tx) Keys(prefix string) []string {
	seen := make(map[string]bool)
	for k := range tx.store.Scan(prefix) {
		seen[k] = true
	}
	for k, v := range tx.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		seen[k] = v != nil
	}
	keys := make([]string, 0, len(seen))
	for k, live := range seen {
		if live {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (tx *Tx) record(key string, value []byte) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = value
}

func (tx *Tx) commit() error {
	if tx.done {
		return session.ErrClosed
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, k := range tx.order {
		if v := tx.writes[k]; v == nil {
			delete(tx.store.data, k)
		} else {
			tx.store.data[k] = v
		}
	}
	return nil
}

func (tx *Tx) discard() {
	tx.done = true
	tx.writes = nil
	tx.order = nil
}

// Session implements session.Session over a Tx.
type Session struct {
	tx *Tx
}

func (s *Session) WithConnection(ctx context.Context, fn func(conn *Tx) error) error {
	if s.tx.done {
		return session.ErrClosed
	}
	return fn(s.tx)
}

func (s *Session) Commit(ctx context.Context) error {
	return s.tx.commit()
}

func (s *Session) Rollback(ctx context.Context) error {
	if s.tx.done {
		return nil
	}
	s.tx.discard()
	return nil
}

func (s *Session) Close() error {
	if !s.tx.done {
		s.tx.discard()
	}
	return nil
}

var errNoStore = errors.New("memory store is not configured")

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
