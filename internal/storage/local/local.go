// Package local defines the KV interface for the node's on-disk store and its
// backends.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

// Op is one write in an atomic batch. A nil Value deletes Key.
type Op struct {
	Key   []byte
	Value []byte
}

// KV is a byte-oriented key-value store.
type KV interface {
	// Init opens/creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	Get(key []byte) ([]byte, error)
	// Apply commits ops atomically. It is the only write path.
	Apply(ops []Op) error
	// Scan calls fn for every key with prefix, in key order. Slices passed to
	// fn are only valid during the call.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// Engines accepted by Open.
const (
	EnginePebble  = "pebble"
	EngineLevelDB = "leveldb"
	EngineBolt    = "bolt"
	EngineMemory  = "memory"
)

// Open creates and initializes the named engine rooted at dir.
func Open(engine, dir string, logger *zap.Logger) (KV, error) {
	var kv KV
	switch strings.ToLower(engine) {
	case EnginePebble, "":
		kv = NewPebbleStorage(filepath.Join(dir, "pebble"), logger)
	case EngineLevelDB:
		kv = NewLevelDBStorage(filepath.Join(dir, "leveldb"), logger)
	case EngineBolt:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage dir: %w", err)
		}
		kv = NewBoltStorage(filepath.Join(dir, "ledger.bolt"), logger)
	case EngineMemory:
		kv = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
	if err := kv.Init(); err != nil {
		return nil, err
	}
	return kv, nil
}

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
