package derive

import (
	"sync"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// CPUEngine derives grids with a shared addition chain: one scalar-base
// multiplication for the base, then one point addition with G per slot.
// Results are bit-identical to independent scalar multiplications.
type CPUEngine struct{}

func NewCPUEngine() *CPUEngine { return &CPUEngine{} }

func (e *CPUEngine) Name() string { return "cpu" }

func (e *CPUEngine) Close() error { return nil }

var (
	genOnce sync.Once
	genPt   secp256k1.JacobianPoint // G in Jacobian form

	subOnce sync.Once
	subPt   [UncompressedSize]byte // public key of the substitute scalar 2
)

func generator() *secp256k1.JacobianPoint {
	genOnce.Do(func() {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		secp256k1.ScalarBaseMultNonConst(&one, &genPt)
		genPt.ToAffine()
	})
	return &genPt
}

// substitutePoint is the serialized public key of scalar 2, written into any
// grid slot whose scalar would fall on the group order (point at infinity).
// Matches the source-side rule that replaces invalid scalars with 2.
func substitutePoint() *[UncompressedSize]byte {
	subOnce.Do(func() {
		var two secp256k1.ModNScalar
		two.SetInt(2)
		var p secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&two, &p)
		putAffine(subPt[:], &p)
	})
	return &subPt
}

// putAffine writes the tagged uncompressed serialization of p into out
// (65 bytes). p must not be the point at infinity.
func putAffine(out []byte, p *secp256k1.JacobianPoint) {
	a := *p
	a.ToAffine()
	out[0] = tagUncompressed
	a.X.PutBytesUnchecked(out[1 : 1+32])
	a.Y.PutBytesUnchecked(out[1+32 : 1+64])
}

func (e *CPUEngine) DeriveGrid(base [32]byte, gridBits uint) (*Batch, error) {
	if err := ValidateGridBits(gridBits); err != nil {
		return nil, err
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetBytes(&base); overflow != 0 || k.IsZero() {
		return nil, ErrScalarOutOfRange
	}

	count := 1 << gridBits
	batch := &Batch{
		Base:     base,
		GridBits: gridBits,
		Points:   make([]byte, count*UncompressedSize),
	}

	g := generator()
	var p, next secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &p)
	normalize(&p)
	for i := 0; i < count; i++ {
		out := batch.Points[i*UncompressedSize : (i+1)*UncompressedSize]
		if p.Z.IsZero() {
			// base+i landed on the group order.
			copy(out, substitutePoint()[:])
		} else {
			putAffine(out, &p)
		}
		if i+1 < count {
			// AddNonConst wants normalized inputs
			secp256k1.AddNonConst(&p, g, &next)
			normalize(&next)
			p = next
		}
	}
	return batch, nil
}

func normalize(p *secp256k1.JacobianPoint) {
	p.X.Normalize()
	p.Y.Normalize()
	p.Z.Normalize()
}

// DeriveOne computes the tagged uncompressed public key of a single scalar.
// Used for explicit (file-replay) batches.
func DeriveOne(scalar [32]byte) ([UncompressedSize]byte, error) {
	var out [UncompressedSize]byte
	var k secp256k1.ModNScalar
	if overflow := k.SetBytes(&scalar); overflow != 0 || k.IsZero() {
		return out, ErrScalarOutOfRange
	}
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &p)
	putAffine(out[:], &p)
	return out, nil
}

// DeriveEach builds an explicit batch, deriving every scalar independently.
func DeriveEach(scalars [][32]byte) (*Batch, error) {
	points := make([]byte, len(scalars)*UncompressedSize)
	for i, s := range scalars {
		pt, err := DeriveOne(s)
		if err != nil {
			return nil, err
		}
		copy(points[i*UncompressedSize:], pt[:])
	}
	return NewExplicitBatch(scalars, points)
}
