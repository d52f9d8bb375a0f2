package local

import (
	"bytes"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

var boltBucket = []byte("ledger")

// BoltStorage is a BoltDB backed KV using a single bucket.
type BoltStorage struct {
	db     *bolt.DB
	path   string
	logger *zap.Logger
}

// NewBoltStorage creates a BoltStorage instance (not yet opened).
func NewBoltStorage(path string, logger *zap.Logger) *BoltStorage {
	return &BoltStorage{path: path, logger: logger}
}

// Init opens the database file and creates the bucket.
func (s *BoltStorage) Init() error {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("bolt open %s: %w", s.path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("bolt bucket: %w", err)
	}
	s.db = db
	s.logger.Info("Bolt storage opened", zap.String("path", s.path))
	return nil
}

// Close closes the database.
func (s *BoltStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns a copy of the value stored under key.
func (s *BoltStorage) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Apply commits ops in one transaction.
func (s *BoltStorage) Apply(ops []Op) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for _, op := range ops {
			var err error
			if op.Value == nil {
				err = b.Delete(op.Key)
			} else {
				err = b.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Scan iterates keys with prefix in order.
func (s *BoltStorage) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
