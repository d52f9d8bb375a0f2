// Package storage persists the committed chain on a local KV store.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/storage/local"
)

var (
	blockPrefix = []byte("block/")
	heightKey   = []byte("meta/height")
)

// blockKey zero-pads the height so keys sort by height.
func blockKey(height uint64) []byte {
	return []byte(fmt.Sprintf("block/%020d", height))
}

// Archive writes committed blocks to a KV store. Genesis is never stored:
// every node derives it.
type Archive struct {
	kv     local.KV
	logger *zap.Logger
}

// NewArchive wraps kv.
func NewArchive(kv local.KV, logger *zap.Logger) *Archive {
	return &Archive{kv: kv, logger: logger.With(zap.String("component", "archive"))}
}

// SaveBlock stores b and advances the recorded height.
func (a *Archive) SaveBlock(b ledger.Block) error {
	if b.Height == 0 {
		return nil
	}
	op, err := putBlock(b)
	if err != nil {
		return err
	}
	return a.kv.Apply([]local.Op{op, putHeight(b.Height)})
}

// ReplaceFrom drops every stored block at or above height and writes blocks
// in their place, atomically.
func (a *Archive) ReplaceFrom(height uint64, blocks []ledger.Block) error {
	old, _, err := a.Height()
	if err != nil {
		return err
	}
	var ops []local.Op
	for h := max(height, 1); h <= old; h++ {
		ops = append(ops, local.Op{Key: blockKey(h)})
	}
	var top uint64
	if height > 0 {
		top = height - 1
	}
	for _, b := range blocks {
		if b.Height == 0 {
			continue
		}
		op, err := putBlock(b)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		top = b.Height
	}
	ops = append(ops, putHeight(top))
	if err := a.kv.Apply(ops); err != nil {
		return fmt.Errorf("replace from %d: %w", height, err)
	}
	return nil
}

// Height returns the recorded head height; false when nothing was stored.
func (a *Archive) Height() (uint64, bool, error) {
	raw, err := a.kv.Get(heightKey)
	if errors.Is(err, local.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	h, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt height record %q: %w", raw, err)
	}
	return h, true, nil
}

// Load returns the stored chain with the derived genesis block in front.
// Blocks above the recorded height are leftovers and are ignored.
func (a *Archive) Load(h ledger.Hasher) ([]ledger.Block, error) {
	chain := []ledger.Block{ledger.Genesis(h)}
	top, ok, err := a.Height()
	if err != nil || !ok {
		return chain, err
	}
	err = a.kv.Scan(blockPrefix, func(_, value []byte) error {
		var b ledger.Block
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("decode stored block: %w", err)
		}
		if b.Height > top {
			return nil
		}
		if b.Height != uint64(len(chain)) {
			return fmt.Errorf("%w: stored block %d, expected %d", ledger.ErrOutOfSequence, b.Height, len(chain))
		}
		chain = append(chain, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uint64(len(chain)-1) != top {
		return nil, fmt.Errorf("%w: archive records height %d but holds %d blocks", ledger.ErrOutOfSequence, top, len(chain)-1)
	}
	a.logger.Info("Loaded archived chain", zap.Uint64("height", top))
	return chain, nil
}

func putBlock(b ledger.Block) (local.Op, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return local.Op{}, fmt.Errorf("encode block %d: %w", b.Height, err)
	}
	return local.Op{Key: blockKey(b.Height), Value: data}, nil
}

func putHeight(h uint64) local.Op {
	return local.Op{Key: heightKey, Value: []byte(strconv.FormatUint(h, 10))}
}
