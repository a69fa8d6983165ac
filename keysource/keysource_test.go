package keysource

import (
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampSubstitutesInvalidScalars(t *testing.T) {
	require.Equal(t, substituteScalar, clamp([32]byte{}))
	require.Equal(t, substituteScalar, clamp(curveOrderBytes))

	var all [32]byte
	for i := range all {
		all[i] = 0xff
	}
	require.Equal(t, substituteScalar, clamp(all))

	valid := [32]byte{31: 0x7f}
	require.Equal(t, valid, clamp(valid))
}

func TestSeededSourceIsDeterministic(t *testing.T) {
	a := newSeededSource("a", 42)
	b := newSeededSource("b", 42)
	for i := 0; i < 16; i++ {
		sa, err := a.NextBase()
		require.NoError(t, err)
		sb, err := b.NextBase()
		require.NoError(t, err)
		require.Equal(t, sa, sb)
	}
}

func TestMaskedSourceStaysInRange(t *testing.T) {
	src, err := New(Spec{ID: "mask", Kind: KindBitMasked, MaskBits: 8, Seed: 7})
	require.NoError(t, err)

	bound := big.NewInt(256)
	substitutions := 0
	for i := 0; i < 1024; i++ {
		s, err := src.NextBase()
		require.NoError(t, err)
		v := new(big.Int).SetBytes(s[:])
		if s == substituteScalar {
			substitutions++
			continue
		}
		require.Less(t, v.Cmp(bound), 0, "scalar %x above 2^8", s)
	}
	// zero draws are rare at k=8; substitutions must be the exception
	require.Less(t, substitutions, 32)
}

func TestMaskScalarPartialByte(t *testing.T) {
	var s [32]byte
	for i := range s {
		s[i] = 0xff
	}
	maskScalar(&s, 12)
	v := new(big.Int).SetBytes(s[:])
	require.Equal(t, int64(1<<12-1), v.Int64())
}

func TestMaskedSourceValidation(t *testing.T) {
	_, err := New(Spec{ID: "bad", Kind: KindBitMasked, MaskBits: 0})
	require.Error(t, err)
	_, err = New(Spec{ID: "bad", Kind: KindBitMasked, MaskBits: 257})
	require.Error(t, err)
}

func writeKeyFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestFileSourceDecimal(t *testing.T) {
	path := writeKeyFile(t, "# comment\n\n1\n255\n")
	src, err := New(Spec{ID: "f", Kind: KindFileReplay, Path: path, Format: FormatDecimal})
	require.NoError(t, err)
	defer src.Close()

	s, err := src.NextBase()
	require.NoError(t, err)
	require.Equal(t, [32]byte{31: 0x01}, s)

	s, err = src.NextBase()
	require.NoError(t, err)
	require.Equal(t, [32]byte{31: 0xff}, s)

	_, err = src.NextBase()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestFileSourceHex(t *testing.T) {
	path := writeKeyFile(t, "0xdeadbeef\ncafe\n")
	src, err := New(Spec{ID: "f", Kind: KindFileReplay, Path: path, Format: FormatHex})
	require.NoError(t, err)
	defer src.Close()

	s, err := src.NextBase()
	require.NoError(t, err)
	require.Equal(t, "00000000000000000000000000000000000000000000000000000000deadbeef",
		hex.EncodeToString(s[:]))

	s, err = src.NextBase()
	require.NoError(t, err)
	require.Equal(t, [32]byte{30: 0xca, 31: 0xfe}, s)
}

func TestFileSourceWIF(t *testing.T) {
	// WIF of private key 0x01 (compressed).
	path := writeKeyFile(t, "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn\n")
	src, err := New(Spec{ID: "f", Kind: KindFileReplay, Path: path, Format: FormatWIF})
	require.NoError(t, err)
	defer src.Close()

	s, err := src.NextBase()
	require.NoError(t, err)
	require.Equal(t, [32]byte{31: 0x01}, s)
}

func TestFileSourceMnemonic(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	path := writeKeyFile(t, mnemonic+"\n")
	src, err := New(Spec{ID: "f", Kind: KindFileReplay, Path: path, Format: FormatMnemonic})
	require.NoError(t, err)
	defer src.Close()

	s, err := src.NextBase()
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, s)
}

func TestFileSourceSkipsBadLines(t *testing.T) {
	path := writeKeyFile(t, "not-a-number\n7\n")
	src, err := New(Spec{ID: "f", Kind: KindFileReplay, Path: path, Format: FormatDecimal})
	require.NoError(t, err)
	defer src.Close()

	s, err := src.NextBase()
	require.NoError(t, err)
	require.Equal(t, [32]byte{31: 0x07}, s)
	require.Equal(t, uint64(1), src.(*fileSource).SkippedLines())
}

func TestFileSourceBatchStopsAtEOF(t *testing.T) {
	path := writeKeyFile(t, "1\n2\n3\n")
	src, err := New(Spec{ID: "f", Kind: KindFileReplay, Path: path, Format: FormatDecimal})
	require.NoError(t, err)
	defer src.Close()

	batch, err := src.NextBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	_, err = src.NextBatch(10)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestUnknownKind(t *testing.T) {
	_, err := New(Spec{ID: "x", Kind: "quantum"})
	require.Error(t, err)
}
