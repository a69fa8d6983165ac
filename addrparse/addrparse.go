// Package addrparse turns lines from plaintext address dumps into 20-byte
// hash-160 keys. Dumps in the wild are messy: the parser is deliberately
// forgiving and falls back to an unchecked base58 decode (checksum ignored,
// hash bytes taken by fixed offset) when the strict path rejects a line, so
// corrupt lines are best-effort-salvaged.
package addrparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	sha256 "github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
)

// HashSize is the length of a hash-160.
const HashSize = 20

// Entry is one parsed line: a hash with an optional amount in the smallest
// unit (0 when the dump carries none).
type Entry struct {
	Hash   [HashSize]byte
	Amount uint64
}

// ErrSkipped marks lines that were recognized but deliberately not
// imported: multi-sig and non-hash-160 forms, 32-byte witness programs,
// and altcoin bech32 addresses.
var ErrSkipped = errors.New("address form not searchable")

// skippedPrefixes are leading byte combinations known to encode multi-sig
// or non-hash-160 forms.
var skippedPrefixes = []string{"d-", "m-", "s-"}

// skippedBech32 are bech32 human-readable parts of chains whose witness
// programs are not hash-160 values we search.
var skippedBech32 = []string{"ltc1", "vtc1", "tb1", "bcrt1", "bnb1", "xch1"}

// ParseLine parses one dump line. It returns (nil, nil) for ignorable lines
// (blank, comment, the "address" header), ErrSkipped for recognized
// non-searchable forms, and a descriptive error for unsalvageable lines.
func ParseLine(line string) (*Entry, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || line == "address" {
		return nil, nil
	}

	addr, amount, err := splitAmount(line)
	if err != nil {
		return nil, err
	}

	for _, p := range skippedPrefixes {
		if strings.HasPrefix(addr, p) {
			return nil, ErrSkipped
		}
	}
	for _, p := range skippedBech32 {
		if strings.HasPrefix(addr, p) {
			return nil, ErrSkipped
		}
	}
	// bitcoin-cash P2SH (cashaddr type 1) starts with 'p'
	if strings.HasPrefix(addr, "p") {
		return nil, ErrSkipped
	}

	var hash [HashSize]byte
	switch {
	case strings.HasPrefix(addr, "bc1"):
		hash, err = decodeSegwit(addr)
	case strings.HasPrefix(addr, "q"):
		hash, err = decodeCashaddr(addr)
	case strings.HasPrefix(addr, "t"):
		// two-byte-version base58 (ZCash transparent)
		hash, err = decodeBase58(addr, 2)
	default:
		hash, err = decodeBase58(addr, 1)
	}
	if err != nil {
		return nil, err
	}
	return &Entry{Hash: hash, Amount: amount}, nil
}

// splitAmount separates the optional tab- or comma-separated amount.
func splitAmount(line string) (string, uint64, error) {
	sep := strings.IndexAny(line, "\t,")
	if sep < 0 {
		return line, 0, nil
	}
	addr := strings.TrimSpace(line[:sep])
	rest := strings.TrimSpace(line[sep+1:])
	if rest == "" {
		return addr, 0, nil
	}
	amount, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid amount %q: %w", rest, err)
	}
	return addr, amount, nil
}

// decodeBase58 decodes a base58check address with the given number of
// version bytes. When the checksum does not verify, the unchecked path
// takes the decoded bytes at [versionBytes, versionBytes+20) regardless.
func decodeBase58(addr string, versionBytes int) ([HashSize]byte, error) {
	var hash [HashSize]byte
	decoded, err := base58.Decode(addr)
	if err != nil {
		return hash, fmt.Errorf("base58 decode %q: %w", addr, err)
	}
	if len(decoded) < versionBytes+HashSize {
		return hash, fmt.Errorf("base58 payload of %d bytes too short for %d version bytes", len(decoded), versionBytes)
	}
	if len(decoded) == versionBytes+HashSize+4 {
		payload := decoded[:len(decoded)-4]
		want := checksum(payload)
		got := decoded[len(decoded)-4:]
		if string(want[:]) == string(got) {
			copy(hash[:], payload[versionBytes:])
			return hash, nil
		}
	}
	// unchecked: take the hash bytes by fixed offset
	copy(hash[:], decoded[versionBytes:versionBytes+HashSize])
	return hash, nil
}

func checksum(payload []byte) [4]byte {
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	var out [4]byte
	copy(out[:], h2[:4])
	return out
}

// decodeSegwit extracts the witness program of a bc1 address. Only
// 20-byte version-0 programs (P2WPKH) are searchable; 32-byte witnesses
// are skipped.
func decodeSegwit(addr string) ([HashSize]byte, error) {
	var hash [HashSize]byte
	_, data, err := bech32.Decode(addr)
	if err != nil {
		return hash, fmt.Errorf("bech32 decode %q: %w", addr, err)
	}
	if len(data) < 1 {
		return hash, fmt.Errorf("bech32 address %q has no witness version", addr)
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return hash, fmt.Errorf("bech32 witness program: %w", err)
	}
	if data[0] != 0 || len(program) != HashSize {
		return hash, ErrSkipped
	}
	copy(hash[:], program)
	return hash, nil
}

// AddressP2PKH renders a hash as a mainnet P2PKH base58check address
// (version byte 0x00). Used by the vanity matcher, the hit sink, and the
// variable-width exporter.
func AddressP2PKH(hash [HashSize]byte) string {
	payload := make([]byte, 0, 1+HashSize+4)
	payload = append(payload, 0x00)
	payload = append(payload, hash[:]...)
	sum := checksum(payload)
	payload = append(payload, sum[:]...)
	return base58.Encode(payload)
}
