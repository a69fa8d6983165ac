package derive

const (
	tagUncompressed   = 0x04
	tagCompressedEven = 0x02
	tagCompressedOdd  = 0x03
)

// CompressInto writes the 33-byte compressed serialization of the given
// 65-byte uncompressed serialization into dst. The tag is 0x02 iff the last
// byte of Y is even; this is bit-identical to deriving the compressed form
// from the scalar and much cheaper than a second curve operation.
func CompressInto(dst, uncompressed []byte) {
	if uncompressed[PointSize]&1 == 0 {
		dst[0] = tagCompressedEven
	} else {
		dst[0] = tagCompressedOdd
	}
	copy(dst[1:CompressedSize], uncompressed[1:33])
}

// Compressed returns the compressed serialization of slot i.
func (b *Batch) Compressed(i int) [CompressedSize]byte {
	var out [CompressedSize]byte
	CompressInto(out[:], b.Uncompressed(i))
	return out
}
