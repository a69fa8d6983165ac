package addrparse

import (
	"fmt"
	"strings"
)

// cashaddr decoding for bitcoin-cash 'q' (P2PKH) addresses. The payload is
// converted to the legacy 20-byte hash before import. Implemented here
// because the checksum scheme differs from bech32 even though the charset
// is the same.

const cashaddrCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

const cashaddrPrefix = "bitcoincash"

var cashaddrGenerators = [5]uint64{
	0x98f2bc8e61, 0x79b76d99e2, 0xf33e5fb3c4, 0xae2eabe2a8, 0x1e4f43e470,
}

func cashaddrPolymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		for i := 0; i < 5; i++ {
			if c0>>uint(i)&1 != 0 {
				c ^= cashaddrGenerators[i]
			}
		}
	}
	return c ^ 1
}

func decodeCashaddr(addr string) ([HashSize]byte, error) {
	var hash [HashSize]byte
	body := strings.TrimPrefix(strings.ToLower(addr), cashaddrPrefix+":")

	data := make([]byte, 0, len(body))
	for _, r := range body {
		idx := strings.IndexRune(cashaddrCharset, r)
		if idx < 0 {
			return hash, fmt.Errorf("cashaddr %q: invalid character %q", addr, r)
		}
		data = append(data, byte(idx))
	}
	if len(data) < 9 {
		return hash, fmt.Errorf("cashaddr %q too short", addr)
	}

	// checksum covers prefix low-5-bits, a zero separator, and the data
	check := make([]byte, 0, len(cashaddrPrefix)+1+len(data))
	for _, r := range cashaddrPrefix {
		check = append(check, byte(r)&0x1f)
	}
	check = append(check, 0)
	check = append(check, data...)
	if cashaddrPolymod(check) != 0 {
		return hash, fmt.Errorf("cashaddr %q: bad checksum", addr)
	}

	payload, err := convert5to8(data[:len(data)-8])
	if err != nil {
		return hash, fmt.Errorf("cashaddr %q: %w", addr, err)
	}
	if len(payload) != 1+HashSize {
		return hash, fmt.Errorf("cashaddr %q: unexpected payload of %d bytes", addr, len(payload))
	}
	// version byte: type in bits 3-6, size in bits 0-2; P2PKH with a
	// 160-bit hash is 0x00
	if payload[0] != 0x00 {
		return hash, ErrSkipped
	}
	copy(hash[:], payload[1:])
	return hash, nil
}

func convert5to8(data []byte) ([]byte, error) {
	var acc, bits uint
	out := make([]byte, 0, len(data)*5/8)
	for _, d := range data {
		acc = acc<<5 | uint(d)
		bits += 5
		for bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	if acc&(1<<bits-1) != 0 {
		return nil, fmt.Errorf("non-zero padding in base32 payload")
	}
	return out, nil
}
