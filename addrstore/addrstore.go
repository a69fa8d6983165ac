// Package addrstore wraps the LMDB environment that holds the set of known
// address hashes. Keys are 20-byte hash-160 values, values are 8-byte
// little-endian amounts in the smallest unit.
//
// Because LMDB refuses empty values under some configurations, a stored
// value of 1 is the sentinel for a logical amount of 0; the wrapper
// round-trips the translation so callers only ever see logical amounts.
package addrstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

const (
	// HashSize is the length of a hash-160 key.
	HashSize = 20
	// AmountSize is the length of a stored amount.
	AmountSize = 8

	// zeroSentinel is stored in place of a true-zero amount.
	zeroSentinel = 1

	dataFileName = "data.mdb"
)

// Store is the read-only lookup oracle. Contains is safe to call from many
// goroutines concurrently; LMDB readers take no locks.
type Store struct {
	env *lmdb.Env
	dbi lmdb.DBI
}

// Open maps the store at path read-only. The map size is set to
// max(on-disk data size, minMapSize) so an environment written with a
// larger map than configured still opens.
func Open(path string, minMapSize int64) (*Store, error) {
	onDisk, err := dataFileSize(path)
	if err != nil {
		return nil, fmt.Errorf("address store %s: %w", path, err)
	}
	mapSize := minMapSize
	if onDisk > mapSize {
		mapSize = onDisk
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("address store: create env: %w", err)
	}
	if err := env.SetMapSize(mapSize); err != nil {
		env.Close()
		return nil, fmt.Errorf("address store: set map size %d: %w", mapSize, err)
	}
	if err := env.Open(path, lmdb.Readonly|lmdb.NoTLS|lmdb.NoReadahead, 0o644); err != nil {
		env.Close()
		return nil, fmt.Errorf("address store %s: open: %w", path, err)
	}

	var dbi lmdb.DBI
	if err := env.View(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenRoot(0)
		return err
	}); err != nil {
		env.Close()
		return nil, fmt.Errorf("address store %s: open root db: %w", path, err)
	}
	return &Store{env: env, dbi: dbi}, nil
}

func dataFileSize(path string) (int64, error) {
	info, err := os.Stat(filepath.Join(path, dataFileName))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Contains reports whether hash is present and, if so, its logical amount.
// Store-internal errors propagate unchanged; they are fatal to the
// pipeline.
func (s *Store) Contains(hash [HashSize]byte) (amount uint64, ok bool, err error) {
	err = s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		v, err := txn.Get(s.dbi, hash[:])
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(v) != AmountSize {
			return fmt.Errorf("address store: corrupt value of %d bytes for %x", len(v), hash)
		}
		amount = binary.LittleEndian.Uint64(v)
		if amount == zeroSentinel {
			amount = 0
		}
		ok = true
		return nil
	})
	return amount, ok, err
}

// Size returns the number of stored hashes.
func (s *Store) Size() (uint64, error) {
	var entries uint64
	err := s.env.View(func(txn *lmdb.Txn) error {
		stat, err := txn.Stat(s.dbi)
		if err != nil {
			return err
		}
		entries = stat.Entries
		return nil
	})
	return entries, err
}

// Iterate walks all entries in key order. Used by the exporter; not a
// hot-path operation.
func (s *Store) Iterate(fn func(hash [HashSize]byte, amount uint64) error) error {
	return s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		cur, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		for {
			k, v, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(k) != HashSize || len(v) != AmountSize {
				return fmt.Errorf("address store: corrupt entry (%d-byte key, %d-byte value)", len(k), len(v))
			}
			var hash [HashSize]byte
			copy(hash[:], k)
			amount := binary.LittleEndian.Uint64(v)
			if amount == zeroSentinel {
				amount = 0
			}
			if err := fn(hash, amount); err != nil {
				return err
			}
		}
	})
}

func (s *Store) Close() error {
	s.env.Close()
	return nil
}
