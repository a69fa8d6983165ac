package derive

import (
	"bytes"
	"fmt"
)

// selfTestBases is the fixed scalar set the built-in self-test derives on
// both engines. It covers the first keys, a 64-bit value, and n-3, whose
// grid ends on the slot that reduces to n (the substituted slot).
var selfTestBases = [][32]byte{
	{31: 0x01},
	{31: 0x02},
	{31: 0x03},
	{24: 0xde, 25: 0xad, 26: 0xbe, 27: 0xef, 31: 0x01},
	{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe,
		0xba, 0xae, 0xdc, 0xe6, 0xaf, 0x48, 0xa0, 0x3b,
		0xbf, 0xd2, 0x5e, 0x8c, 0xd0, 0x36, 0x41, 0x3e,
	},
}

const selfTestGridBits = 2

// SelfTest derives the fixed scalar set on both engines and compares every
// byte of every coordinate. A mismatch means the candidate engine must not
// produce real batches for the rest of the process lifetime.
func SelfTest(reference, candidate Engine) error {
	for _, base := range selfTestBases {
		want, err := reference.DeriveGrid(base, selfTestGridBits)
		if err != nil {
			return fmt.Errorf("self-test: reference engine %s: %w", reference.Name(), err)
		}
		got, err := candidate.DeriveGrid(base, selfTestGridBits)
		if err != nil {
			return fmt.Errorf("self-test: candidate engine %s: %w", candidate.Name(), err)
		}
		for i := 0; i < want.Len(); i++ {
			if !bytes.Equal(want.Uncompressed(i), got.Uncompressed(i)) {
				return fmt.Errorf("%w: engine %s, base %x, slot %d",
					ErrSelfTestMismatch, candidate.Name(), base, i)
			}
		}
	}
	return nil
}
