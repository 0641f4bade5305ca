package documents

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/projector/internal/storage/memstore"
)

// Key-value backends store the bare body; the update time is not kept.

type boltStore struct {
	db *bbolt.DB
}

// NewBoltStore keeps documents in a BoltDB bucket named Table.
func NewBoltStore(db *bbolt.DB) Store[*bbolt.Tx] {
	return &boltStore{db: db}
}

func (s *boltStore) CreateSchema(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(Table))
		return err
	})
}

func (s *boltStore) Load(ctx context.Context, tx *bbolt.Tx, id string) (string, bool, error) {
	return boltGet(tx, id)
}

func (s *boltStore) Save(ctx context.Context, tx *bbolt.Tx, id, body string, at time.Time) error {
	b, err := tx.CreateBucketIfNotExists([]byte(Table))
	if err != nil {
		return err
	}
	return b.Put([]byte(id), []byte(body))
}

func (s *boltStore) Get(ctx context.Context, id string) (body string, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		body, ok, err = boltGet(tx, id)
		return err
	})
	return body, ok, err
}

func boltGet(tx *bbolt.Tx, id string) (string, bool, error) {
	b := tx.Bucket([]byte(Table))
	if b == nil {
		return "", false, nil
	}
	v := b.Get([]byte(id))
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore keeps documents in BadgerDB under "projection_documents/<id>".
func NewBadgerStore(db *badger.DB) Store[*badger.Txn] {
	return &badgerStore{db: db}
}

func (s *badgerStore) CreateSchema(ctx context.Context) error { return nil }

func (s *badgerStore) Load(ctx context.Context, txn *badger.Txn, id string) (string, bool, error) {
	return badgerGet(txn, id)
}

func (s *badgerStore) Save(ctx context.Context, txn *badger.Txn, id, body string, at time.Time) error {
	return txn.Set(badgerKey(id), []byte(body))
}

func (s *badgerStore) Get(ctx context.Context, id string) (body string, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		body, ok, err = badgerGet(txn, id)
		return err
	})
	return body, ok, err
}

func badgerKey(id string) []byte {
	return []byte(Table + "/" + id)
}

func badgerGet(txn *badger.Txn, id string) (string, bool, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

type memoryStore struct {
	db *memstore.Store
}

// NewMemoryStore keeps documents in an in-memory store.
func NewMemoryStore(db *memstore.Store) Store[*memstore.Tx] {
	return &memoryStore{db: db}
}

func (s *memoryStore) CreateSchema(ctx context.Context) error { return nil }

func (s *memoryStore) Load(ctx context.Context, tx *memstore.Tx, id string) (string, bool, error) {
	v, ok := tx.Get(memoryKey(id))
	return string(v), ok, nil
}

func (s *memoryStore) Save(ctx context.Context, tx *memstore.Tx, id, body string, at time.Time) error {
	tx.Put(memoryKey(id), []byte(body))
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (string, bool, error) {
	v, ok := s.db.Get(memoryKey(id))
	return string(v), ok, nil
}

func memoryKey(id string) string {
	return Table + "/" + id
}
