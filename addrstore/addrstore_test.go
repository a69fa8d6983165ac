package addrstore

import (
	"encoding/binary"
	"testing"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/stretchr/testify/require"
)

const testMapSize = 16 << 20

func buildStore(t *testing.T, entries map[[HashSize]byte]uint64) string {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(dir, testMapSize)
	require.NoError(t, err)
	for hash, amount := range entries {
		require.NoError(t, w.Put(hash, amount))
	}
	require.NoError(t, w.Close())
	return dir
}

func hashOf(b byte) [HashSize]byte {
	var h [HashSize]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func TestContains(t *testing.T) {
	dir := buildStore(t, map[[HashSize]byte]uint64{
		hashOf(0x01): 5000,
		hashOf(0x02): 123,
	})
	s, err := Open(dir, testMapSize)
	require.NoError(t, err)
	defer s.Close()

	amount, ok, err := s.Contains(hashOf(0x01))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5000), amount)

	_, ok, err = s.Contains(hashOf(0xaa))
	require.NoError(t, err)
	require.False(t, ok)

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(2), size)
}

func TestSentinelRoundTrip(t *testing.T) {
	dir := buildStore(t, map[[HashSize]byte]uint64{
		{}: 0, // all-zero hash with logical amount 0
	})

	// The raw stored value must be the sentinel 1...
	env, err := lmdb.NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.SetMapSize(testMapSize))
	require.NoError(t, env.Open(dir, lmdb.Readonly, 0o644))
	var raw uint64
	require.NoError(t, env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		v, err := txn.Get(dbi, make([]byte, HashSize))
		if err != nil {
			return err
		}
		raw = binary.LittleEndian.Uint64(v)
		return nil
	}))
	env.Close()
	require.Equal(t, uint64(1), raw)

	// ...while the wrapper reports the logical 0.
	s, err := Open(dir, testMapSize)
	require.NoError(t, err)
	defer s.Close()
	amount, ok, err := s.Contains([HashSize]byte{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0), amount)
}

func TestNonZeroAmountsPassThrough(t *testing.T) {
	dir := buildStore(t, map[[HashSize]byte]uint64{
		hashOf(0x07): 1, // a genuine amount of 1 is indistinguishable from the sentinel
		hashOf(0x08): 999,
	})
	s, err := Open(dir, testMapSize)
	require.NoError(t, err)
	defer s.Close()

	amount, ok, err := s.Contains(hashOf(0x07))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0), amount) // sentinel collapses 1 to 0

	amount, ok, err = s.Contains(hashOf(0x08))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(999), amount)
}

func TestIterate(t *testing.T) {
	want := map[[HashSize]byte]uint64{
		hashOf(0x01): 10,
		hashOf(0x02): 0,
		hashOf(0x03): 30,
	}
	dir := buildStore(t, want)
	s, err := Open(dir, testMapSize)
	require.NoError(t, err)
	defer s.Close()

	got := make(map[[HashSize]byte]uint64)
	var prev [HashSize]byte
	require.NoError(t, s.Iterate(func(hash [HashSize]byte, amount uint64) error {
		got[hash] = amount
		require.True(t, string(prev[:]) < string(hash[:]), "iteration out of key order")
		prev = hash
		return nil
	}))
	require.Equal(t, want, got)
}

func TestOpenMissingPath(t *testing.T) {
	_, err := Open("/does/not/exist", testMapSize)
	require.Error(t, err)
}

func TestOpenUsesOnDiskSizeWhenLarger(t *testing.T) {
	dir := buildStore(t, map[[HashSize]byte]uint64{hashOf(0x01): 1})
	// A tiny configured minimum must not prevent opening.
	s, err := Open(dir, 4096)
	require.NoError(t, err)
	defer s.Close()
	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(1), size)
}
