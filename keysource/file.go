package keysource

import (
	"bufio"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/tyler-smith/go-bip39"
	"k8s.io/klog/v2"
)

// fileSource replays scalars parsed from a text file, one secret per line.
// It ends with ErrExhausted when the file ends. Interrupt closes the
// underlying file so a blocked read returns immediately.
type fileSource struct {
	id     string
	format Format

	mu      sync.Mutex
	file    *os.File
	scanner *bufio.Scanner
	skipped uint64
}

func newFileSource(spec Spec) (*fileSource, error) {
	switch spec.Format {
	case FormatDecimal, FormatHex, FormatWIF, FormatMnemonic:
	default:
		return nil, fmt.Errorf("file-replay key source %q: unknown format %q", spec.ID, spec.Format)
	}
	f, err := os.Open(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("file-replay key source %q: %w", spec.ID, err)
	}
	return &fileSource{
		id:      spec.ID,
		format:  spec.Format,
		file:    f,
		scanner: bufio.NewScanner(f),
	}, nil
}

func (s *fileSource) ID() string { return s.id }

func (s *fileSource) NextBase() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.scanner == nil {
			return [32]byte{}, ErrExhausted
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
				return [32]byte{}, fmt.Errorf("file-replay key source %q: %w", s.id, err)
			}
			s.scanner = nil
			return [32]byte{}, ErrExhausted
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		scalar, err := parseSecret(line, s.format)
		if err != nil {
			s.skipped++
			klog.Warningf("key source %s: skipping unparseable line: %v", s.id, err)
			continue
		}
		return clamp(scalar), nil
	}
}

func (s *fileSource) NextBatch(n int) ([][32]byte, error) {
	return batchOf(n, s.NextBase)
}

// SkippedLines reports how many lines failed to parse so far.
func (s *fileSource) SkippedLines() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

func (s *fileSource) Close() error {
	return s.file.Close()
}

func parseSecret(line string, format Format) ([32]byte, error) {
	var out [32]byte
	switch format {
	case FormatDecimal:
		v, ok := new(big.Int).SetString(line, 10)
		if !ok || v.Sign() < 0 || v.BitLen() > 256 {
			return out, fmt.Errorf("not a 256-bit decimal integer: %q", line)
		}
		v.FillBytes(out[:])
	case FormatHex:
		v, ok := new(big.Int).SetString(strings.TrimPrefix(line, "0x"), 16)
		if !ok || v.Sign() < 0 || v.BitLen() > 256 {
			return out, fmt.Errorf("not a 256-bit hex integer: %q", line)
		}
		v.FillBytes(out[:])
	case FormatWIF:
		wif, err := btcutil.DecodeWIF(line)
		if err != nil {
			return out, fmt.Errorf("invalid WIF: %w", err)
		}
		copy(out[:], wif.PrivKey.Serialize())
	case FormatMnemonic:
		if !bip39.IsMnemonicValid(line) {
			return out, fmt.Errorf("invalid mnemonic")
		}
		// First 32 bytes of the BIP-39 seed (empty passphrase); the
		// caller clamps out-of-range values like any other draw.
		seed := bip39.NewSeed(line, "")
		copy(out[:], seed[:32])
	}
	return out, nil
}
