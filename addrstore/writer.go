package addrstore

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// Writer populates a store during import. Puts are buffered and committed
// in chunks; a full map aborts the import (the caller treats it as fatal).
// Not safe for concurrent use.
type Writer struct {
	env *lmdb.Env
	dbi lmdb.DBI

	pending   []entry
	chunkSize int
}

type entry struct {
	hash   [HashSize]byte
	amount uint64
}

const defaultWriteChunk = 100_000

// NewWriter creates (or opens) the environment at path for writing with the
// given map size.
func NewWriter(path string, mapSize int64) (*Writer, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("address store %s: %w", path, err)
	}
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("address store: create env: %w", err)
	}
	if err := env.SetMapSize(mapSize); err != nil {
		env.Close()
		return nil, fmt.Errorf("address store: set map size %d: %w", mapSize, err)
	}
	if err := env.Open(path, lmdb.WriteMap, 0o644); err != nil {
		env.Close()
		return nil, fmt.Errorf("address store %s: open for writing: %w", path, err)
	}
	w := &Writer{env: env, chunkSize: defaultWriteChunk}
	if err := env.Update(func(txn *lmdb.Txn) error {
		var err error
		w.dbi, err = txn.OpenRoot(0)
		return err
	}); err != nil {
		env.Close()
		return nil, fmt.Errorf("address store %s: open root db: %w", path, err)
	}
	return w, nil
}

// Put records a hash with its logical amount. A true-zero amount is stored
// as the sentinel 1 so the key survives engines that disallow empty or
// zero values. Existing keys are overwritten.
func (w *Writer) Put(hash [HashSize]byte, amount uint64) error {
	if amount == 0 {
		amount = zeroSentinel
	}
	w.pending = append(w.pending, entry{hash: hash, amount: amount})
	if len(w.pending) >= w.chunkSize {
		return w.Flush()
	}
	return nil
}

// Flush commits all buffered entries in a single write transaction.
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	err := w.env.Update(func(txn *lmdb.Txn) error {
		var val [AmountSize]byte
		for _, e := range w.pending {
			binary.LittleEndian.PutUint64(val[:], e.amount)
			if err := txn.Put(w.dbi, e.hash[:], val[:], 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if lmdb.IsMapFull(err) {
			return fmt.Errorf("address store map full: %w", err)
		}
		return err
	}
	w.pending = w.pending[:0]
	return nil
}

// Count returns the number of entries currently committed.
func (w *Writer) Count() (uint64, error) {
	var entries uint64
	err := w.env.View(func(txn *lmdb.Txn) error {
		stat, err := txn.Stat(w.dbi)
		if err != nil {
			return err
		}
		entries = stat.Entries
		return nil
	})
	return entries, err
}

// Close flushes pending entries, syncs, and tears down the environment.
func (w *Writer) Close() error {
	flushErr := w.Flush()
	if err := w.env.Sync(true); err != nil && flushErr == nil {
		flushErr = err
	}
	w.env.Close()
	return flushErr
}
