package pipeline

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyhound/keyhound/addrstore"
	"github.com/keyhound/keyhound/derive"
	"github.com/keyhound/keyhound/keysource"
	"github.com/stretchr/testify/require"
)

const testMapSize = 16 << 20

// compressedHashOfOne is hash160 of the compressed public key of scalar 1.
const compressedHashOfOne = "751e76e8199196d454941c45d1b3a323f1433bd6"

// uncompressedHashOfOne is hash160 of the uncompressed public key of scalar 1.
const uncompressedHashOfOne = "91b24bf9f5288532960ac687abb035127b1d28a5"

func buildStore(t *testing.T, entries map[string]uint64) string {
	t.Helper()
	dir := t.TempDir()
	w, err := addrstore.NewWriter(dir, testMapSize)
	require.NoError(t, err)
	for hexHash, amount := range entries {
		raw, err := hex.DecodeString(hexHash)
		require.NoError(t, err)
		var h [addrstore.HashSize]byte
		copy(h[:], raw)
		require.NoError(t, w.Put(h, amount))
	}
	require.NoError(t, w.Close())
	return dir
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readSink(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []string
	for _, l := range strings.Split(string(raw), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestStoreHitEndToEnd(t *testing.T) {
	// the store knows the compressed hash of scalar 1 with logical amount 0
	storeDir := buildStore(t, map[string]uint64{compressedHashOfOne: 0})
	keyFile := writeFile(t, "keys.txt", "1\n")
	sinkPath := filepath.Join(t.TempDir(), "hits.txt")

	coord := New(Options{
		StorePath:       storeDir,
		StoreMinMapSize: testMapSize,
		KeySources: []keysource.Spec{
			{ID: "replay", Kind: keysource.KindFileReplay, Path: keyFile, Format: keysource.FormatDecimal},
		},
		Producers: []ProducerSpec{
			{Kind: KindFileReplay, KeySource: "replay", RunOnce: true},
		},
		SinkPath:        sinkPath,
		ConsumerThreads: 2,
	})
	require.NoError(t, coord.Run(context.Background()))

	lines := readSink(t, sinkPath)
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 5)
	require.Equal(t, "0000000000000000000000000000000000000000000000000000000000000001", fields[0])
	require.Equal(t, string(FormCompressed), fields[1])
	require.Equal(t, compressedHashOfOne, fields[2])
	require.Equal(t, "0", fields[3])
	require.Equal(t, "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", fields[4])
}

func TestVanityPatternHitWithEmptyStore(t *testing.T) {
	storeDir := buildStore(t, nil)
	keyFile := writeFile(t, "keys.txt", "1\n")
	sinkPath := filepath.Join(t.TempDir(), "hits.txt")

	coord := New(Options{
		StorePath:       storeDir,
		StoreMinMapSize: testMapSize,
		KeySources: []keysource.Spec{
			{ID: "replay", Kind: keysource.KindFileReplay, Path: keyFile, Format: keysource.FormatDecimal},
		},
		Producers: []ProducerSpec{
			{Kind: KindFileReplay, KeySource: "replay", RunOnce: true},
		},
		SinkPath:        sinkPath,
		VanityPattern:   "^1BgGZ9tcN4rm9KBzDn7",
		ConsumerThreads: 1,
	})
	require.NoError(t, coord.Run(context.Background()))

	lines := readSink(t, sinkPath)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], compressedHashOfOne)
}

func TestBothFormsProbed(t *testing.T) {
	storeDir := buildStore(t, map[string]uint64{
		compressedHashOfOne:   100,
		uncompressedHashOfOne: 200,
	})
	keyFile := writeFile(t, "keys.txt", "1\n")
	sinkPath := filepath.Join(t.TempDir(), "hits.txt")

	coord := New(Options{
		StorePath:       storeDir,
		StoreMinMapSize: testMapSize,
		KeySources: []keysource.Spec{
			{ID: "replay", Kind: keysource.KindFileReplay, Path: keyFile, Format: keysource.FormatDecimal},
		},
		Producers: []ProducerSpec{
			{Kind: KindFileReplay, KeySource: "replay", RunOnce: true},
		},
		SinkPath:        sinkPath,
		ConsumerThreads: 1,
	})
	require.NoError(t, coord.Run(context.Background()))
	require.Len(t, readSink(t, sinkPath), 2)
}

func TestConfigurationErrors(t *testing.T) {
	storeDir := buildStore(t, nil)
	sinkPath := filepath.Join(t.TempDir(), "hits.txt")
	base := func() Options {
		return Options{
			StorePath:       storeDir,
			StoreMinMapSize: testMapSize,
			KeySources: []keysource.Spec{
				{ID: "rng", Kind: keysource.KindSecureRandom},
			},
			Producers: []ProducerSpec{
				{Kind: KindCPU, KeySource: "rng", GridBits: 4, RunOnce: true},
			},
			SinkPath: sinkPath,
		}
	}

	t.Run("missing id", func(t *testing.T) {
		opts := base()
		opts.KeySources[0].ID = ""
		require.ErrorIs(t, New(opts).Run(context.Background()), ErrMissingKeySourceID)
	})
	t.Run("duplicate id", func(t *testing.T) {
		opts := base()
		opts.KeySources = append(opts.KeySources, keysource.Spec{ID: "rng", Kind: keysource.KindSecureRandom})
		require.ErrorIs(t, New(opts).Run(context.Background()), ErrDuplicateKeySourceID)
	})
	t.Run("unknown id", func(t *testing.T) {
		opts := base()
		opts.Producers[0].KeySource = "nope"
		require.ErrorIs(t, New(opts).Run(context.Background()), ErrUnknownKeySource)
	})
	t.Run("grid bits out of range", func(t *testing.T) {
		opts := base()
		opts.Producers[0].GridBits = derive.MaxGridBits + 1
		require.ErrorIs(t, New(opts).Run(context.Background()), derive.ErrGridBitsOutOfRange)
	})
	t.Run("no producers", func(t *testing.T) {
		opts := base()
		opts.Producers = nil
		require.ErrorIs(t, New(opts).Run(context.Background()), ErrNoProducers)
	})
	t.Run("bad vanity pattern", func(t *testing.T) {
		opts := base()
		opts.VanityPattern = "("
		require.Error(t, New(opts).Run(context.Background()))
	})
}

func TestBackPressureBound(t *testing.T) {
	storeDir := buildStore(t, nil)
	store, err := addrstore.Open(storeDir, testMapSize)
	require.NoError(t, err)
	defer store.Close()

	// consumer constructed but never run: the paused-consumer case
	consumer := NewConsumer(store, nil, nil, 1)
	capacity := cap(consumer.Queue())
	require.Equal(t, 1*queueFactor, capacity)

	var stop atomic.Bool
	src, err := keysource.New(keysource.Spec{ID: "s", Kind: keysource.KindSeededRandom, Seed: 1})
	require.NoError(t, err)
	p := newCPUProducer("cpu-0", ProducerSpec{GridBits: 0}, src, consumer.Queue(), &stop)
	require.NoError(t, p.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// the producer must fill the queue to its bound and then block
	require.Eventually(t, func() bool {
		return len(consumer.Queue()) == capacity
	}, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, capacity, len(consumer.Queue()))

	cancel()
	<-done
	require.Equal(t, StateNotRunning, p.State())
}

func TestShutdownIsIdempotent(t *testing.T) {
	storeDir := buildStore(t, nil)
	sinkPath := filepath.Join(t.TempDir(), "hits.txt")

	coord := New(Options{
		StorePath:       storeDir,
		StoreMinMapSize: testMapSize,
		KeySources: []keysource.Spec{
			{ID: "rng", Kind: keysource.KindSeededRandom, Seed: 3},
		},
		Producers: []ProducerSpec{
			{Kind: KindCPU, KeySource: "rng", GridBits: 2},
			{Kind: KindCPU, KeySource: "rng", GridBits: 2},
		},
		SinkPath:        sinkPath,
		ConsumerThreads: 1,
		ShutdownTimeout: 5 * time.Second,
	})

	done := make(chan error, 1)
	go func() {
		done <- coord.Run(context.Background())
	}()
	time.Sleep(100 * time.Millisecond)

	coord.Interrupt()
	coord.Interrupt()
	coord.Interrupt()

	require.NoError(t, <-done)
	for name, state := range coord.States() {
		require.Equal(t, StateNotRunning, state, "producer %s", name)
	}
}

func TestGPUProducerDroppedOthersContinue(t *testing.T) {
	// without the opencl build tag the GPU engine fails at initialize;
	// with the default dropProducer policy the rest of the pipeline runs
	storeDir := buildStore(t, nil)
	keyFile := writeFile(t, "keys.txt", "1\n")
	sinkPath := filepath.Join(t.TempDir(), "hits.txt")

	opts := Options{
		StorePath:       storeDir,
		StoreMinMapSize: testMapSize,
		KeySources: []keysource.Spec{
			{ID: "replay", Kind: keysource.KindFileReplay, Path: keyFile, Format: keysource.FormatDecimal},
			{ID: "rng", Kind: keysource.KindSecureRandom},
		},
		Producers: []ProducerSpec{
			{Kind: KindGPU, KeySource: "rng", GridBits: 4, BISTFailure: BISTDropProducer},
			{Kind: KindFileReplay, KeySource: "replay", RunOnce: true},
		},
		SinkPath:        sinkPath,
		ConsumerThreads: 1,
	}
	require.NoError(t, New(opts).Run(context.Background()))

	// the same failure with failProcess policy aborts the pipeline
	opts.Producers[0].BISTFailure = BISTFailProcess
	require.Error(t, New(opts).Run(context.Background()))
}

func TestProducerStatesProgress(t *testing.T) {
	var stop atomic.Bool
	src, err := keysource.New(keysource.Spec{ID: "s", Kind: keysource.KindSeededRandom, Seed: 9})
	require.NoError(t, err)
	queue := make(chan *derive.Batch, 16)
	p := newCPUProducer("cpu-0", ProducerSpec{GridBits: 1, RunOnce: true}, src, queue, &stop)

	require.Equal(t, StateUninitialized, p.State())
	require.NoError(t, p.Initialize(context.Background()))
	require.Equal(t, StateInitialized, p.State())
	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, StateNotRunning, p.State())
	require.Len(t, queue, 1)
}
