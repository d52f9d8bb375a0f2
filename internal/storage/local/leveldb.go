package local

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// LevelDBStorage is a goleveldb backed KV.
type LevelDBStorage struct {
	db     *leveldb.DB
	path   string
	logger *zap.Logger
}

// NewLevelDBStorage creates a LevelDBStorage instance (not yet opened).
func NewLevelDBStorage(path string, logger *zap.Logger) *LevelDBStorage {
	return &LevelDBStorage{path: path, logger: logger}
}

// Init opens the database directory, creating it if needed.
func (s *LevelDBStorage) Init() error {
	db, err := leveldb.OpenFile(s.path, nil)
	if err != nil {
		return fmt.Errorf("leveldb open %s: %w", s.path, err)
	}
	s.db = db
	s.logger.Info("LevelDB storage opened", zap.String("path", s.path))
	return nil
}

// Close closes the database.
func (s *LevelDBStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the value stored under key.
func (s *LevelDBStorage) Get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return data, nil
}

// Apply commits ops in a single write batch.
func (s *LevelDBStorage) Apply(ops []Op) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		if op.Value == nil {
			batch.Delete(op.Key)
		} else {
			batch.Put(op.Key, op.Value)
		}
	}
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("leveldb batch: %w", err)
	}
	return nil
}

// Scan iterates keys with prefix in order.
func (s *LevelDBStorage) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
