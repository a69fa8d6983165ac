package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/keyhound/keyhound/addrstore"
	"k8s.io/klog/v2"
)

// Form names the public-key serialization a hit was found under.
type Form string

const (
	FormUncompressed Form = "uncompressed"
	FormCompressed   Form = "compressed"
)

// Hit is one match: a scalar whose address hash was found in the store or
// matched the vanity pattern.
type Hit struct {
	Scalar  [32]byte
	Form    Form
	Hash    [addrstore.HashSize]byte
	Amount  uint64
	Address string
}

// HitSink appends hit records to a text file, one per line:
//
//	scalar_hex\tform\thash_hex\tamount\tbase58
//
// Writes are serialized with a mutex; hits are far off the hot path.
type HitSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func OpenHitSink(path string) (*HitSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hit sink %s: %w", path, err)
	}
	return &HitSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *HitSink) Write(h Hit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "%x\t%s\t%x\t%d\t%s\n",
		h.Scalar, h.Form, h.Hash, h.Amount, h.Address); err != nil {
		return fmt.Errorf("hit sink: %w", err)
	}
	// hits are rare and precious; push them to disk immediately
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("hit sink: %w", err)
	}
	klog.Infof("HIT %s form=%s hash=%x amount=%d scalar=%x", h.Address, h.Form, h.Hash, h.Amount, h.Scalar)
	return nil
}

func (s *HitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
