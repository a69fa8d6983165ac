// Package derive turns base scalars into batches of secp256k1 public key
// coordinates. Two engines exist: a pure-CPU engine and an OpenCL engine
// (build tag "opencl"). Both emit the same byte-identical uncompressed
// serializations; the compressed form is always recomputed on the host.
package derive

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// PointSize is the raw size of an affine point (X|Y, no tag).
	PointSize = 64
	// UncompressedSize is the tagged uncompressed serialization (0x04|X|Y).
	UncompressedSize = 65
	// CompressedSize is the tagged compressed serialization (0x02/0x03|X).
	CompressedSize = 33

	// MaxGridBits bounds the per-batch grid width: 2^g points of 64 bytes
	// must fit a single output buffer indexable with 32-bit work-item ids
	// on the device side.
	MaxGridBits = 24
)

var (
	ErrGridBitsOutOfRange = errors.New("grid width bits out of range")
	ErrScalarOutOfRange   = errors.New("scalar outside [1, n-1]")
	ErrSelfTestMismatch   = errors.New("self-test mismatch between engines")
	ErrEngineUnusable     = errors.New("engine marked unusable by failed self-test")
)

// curveOrderBytes is the secp256k1 group order n, big-endian.
var curveOrderBytes = [32]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe,
	0xba, 0xae, 0xdc, 0xe6, 0xaf, 0x48, 0xa0, 0x3b,
	0xbf, 0xd2, 0x5e, 0x8c, 0xd0, 0x36, 0x41, 0x41,
}

// CurveOrder returns n as a big integer.
func CurveOrder() *big.Int {
	return new(big.Int).SetBytes(curveOrderBytes[:])
}

// Engine derives a dense grid of public keys from a base scalar.
//
// DeriveGrid returns a complete batch or an error; partial batches are never
// returned. Engines are owned by a single producer and are not safe for
// concurrent use.
type Engine interface {
	// DeriveGrid derives the 2^gridBits public keys for base, base+1, ...
	DeriveGrid(base [32]byte, gridBits uint) (*Batch, error)
	Name() string
	Close() error
}

// Batch is an atomically produced set of derived public keys. Points holds
// len*65 bytes of tagged uncompressed serializations. A batch is either dense
// (base scalar + grid width) or explicit (a scalar list, used by file-replay
// producers).
type Batch struct {
	Base     [32]byte
	GridBits uint

	scalars [][32]byte // non-nil for explicit batches
	Points  []byte
}

// NewExplicitBatch builds a batch from per-slot scalars. len(points) must be
// len(scalars)*65.
func NewExplicitBatch(scalars [][32]byte, points []byte) (*Batch, error) {
	if len(points) != len(scalars)*UncompressedSize {
		return nil, fmt.Errorf("explicit batch: %d scalars but %d point bytes", len(scalars), len(points))
	}
	return &Batch{scalars: scalars, Points: points}, nil
}

func (b *Batch) Len() int {
	if b.scalars != nil {
		return len(b.scalars)
	}
	return 1 << b.GridBits
}

// Uncompressed returns the 65-byte tagged serialization of slot i.
func (b *Batch) Uncompressed(i int) []byte {
	return b.Points[i*UncompressedSize : (i+1)*UncompressedSize]
}

// ScalarAt reconstructs the scalar for slot i. For dense batches this is
// base+i reduced mod n, or the substitute scalar 2 where that reduces to 0
// (the engines fill such a slot with the key of 2); the reconstruction is
// off the hot path and only runs when a hit is reported.
func (b *Batch) ScalarAt(i int) [32]byte {
	if b.scalars != nil {
		return b.scalars[i]
	}
	s := new(big.Int).SetBytes(b.Base[:])
	s.Add(s, big.NewInt(int64(i)))
	s.Mod(s, CurveOrder())
	if s.Sign() == 0 {
		s.SetInt64(2)
	}
	var out [32]byte
	s.FillBytes(out[:])
	return out
}

// ValidateGridBits rejects widths outside [0, MaxGridBits]. Violations are
// configuration errors and must be caught before any producer starts.
func ValidateGridBits(g uint) error {
	if g > MaxGridBits {
		return fmt.Errorf("%w: %d (max %d)", ErrGridBitsOutOfRange, g, MaxGridBits)
	}
	return nil
}
