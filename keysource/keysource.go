// Package keysource produces 256-bit scalars for the derivation pipeline.
//
// Every variant validates its output against [1, n-1]; out-of-range values
// are replaced by the fixed substitute scalar 2 before they leave the
// source. The substitution is observable downstream (a hit would carry
// scalar 2) and keeps batches rectangular.
package keysource

import (
	"bytes"
	"errors"
	"fmt"
)

// Kind tags a key source variant in configuration; dispatch happens once at
// construction.
type Kind string

const (
	KindSecureRandom Kind = "secureRandom"
	KindSeededRandom Kind = "seededRandom"
	KindBitMasked    Kind = "bitMasked"
	KindFileReplay   Kind = "fileReplay"
)

// Format names the accepted secret encodings of a file-replay source.
type Format string

const (
	FormatDecimal  Format = "decimal"
	FormatHex      Format = "hex"
	FormatWIF      Format = "wif"
	FormatMnemonic Format = "mnemonic"
)

// ErrExhausted reports the clean end of a finite source (file-replay hit
// EOF). It is distinct from cancellation.
var ErrExhausted = errors.New("key source exhausted")

// Source yields scalars in two shapes: NextBase for producers that pair a
// base with a dense grid, NextBatch for producers that derive one scalar at
// a time. Sources may be shared by several producers and must be safe for
// concurrent use.
type Source interface {
	ID() string
	NextBase() ([32]byte, error)
	NextBatch(n int) ([][32]byte, error)
	Close() error
}

// Spec is the configuration of one key source.
type Spec struct {
	ID       string
	Kind     Kind
	Seed     int64  // seededRandom, bitMasked (optional)
	MaskBits uint   // bitMasked: effective key space is 2^MaskBits
	Path     string // fileReplay
	Format   Format // fileReplay
}

// New constructs the variant named by the spec.
func New(spec Spec) (Source, error) {
	switch spec.Kind {
	case KindSecureRandom:
		return newSecureSource(spec.ID), nil
	case KindSeededRandom:
		return newSeededSource(spec.ID, spec.Seed), nil
	case KindBitMasked:
		return newMaskedSource(spec)
	case KindFileReplay:
		return newFileSource(spec)
	default:
		return nil, fmt.Errorf("unknown key source kind %q", spec.Kind)
	}
}

// curveOrderBytes is the secp256k1 group order n, big-endian.
var curveOrderBytes = [32]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe,
	0xba, 0xae, 0xdc, 0xe6, 0xaf, 0x48, 0xa0, 0x3b,
	0xbf, 0xd2, 0x5e, 0x8c, 0xd0, 0x36, 0x41, 0x41,
}

var substituteScalar = [32]byte{31: 0x02}

var zeroScalar [32]byte

// clamp replaces scalars outside [1, n-1] with the substitute scalar 2.
func clamp(s [32]byte) [32]byte {
	if s == zeroScalar || bytes.Compare(s[:], curveOrderBytes[:]) >= 0 {
		return substituteScalar
	}
	return s
}

// batchOf builds NextBatch on top of a NextBase implementation.
func batchOf(n int, next func() ([32]byte, error)) ([][32]byte, error) {
	out := make([][32]byte, 0, n)
	for i := 0; i < n; i++ {
		s, err := next()
		if err != nil {
			if errors.Is(err, ErrExhausted) && len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
