package pipeline

import (
	"context"
	"hash"
	"regexp"
	"runtime"

	"github.com/keyhound/keyhound/addrparse"
	"github.com/keyhound/keyhound/addrstore"
	"github.com/keyhound/keyhound/derive"
	"github.com/keyhound/keyhound/metrics"
	sha256 "github.com/minio/sha256-simd"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/sync/errgroup"
)

// queueFactor sizes the bounded queue relative to the worker pool: deep
// enough that hashers never starve, shallow enough that a GPU producer
// cannot run the host out of memory during a slow-hit burst.
const queueFactor = 4

// Consumer turns batches into hits. It pulls from the bounded queue
// serially and hashes across a pool sized to the physical CPU count; a
// batch is never split across workers.
type Consumer struct {
	store   *addrstore.Store
	sink    *HitSink
	pattern *regexp.Regexp
	workers int
	queue   chan *derive.Batch
}

func NewConsumer(store *addrstore.Store, sink *HitSink, pattern *regexp.Regexp, workers int) *Consumer {
	if workers <= 0 {
		workers = physicalCPUs()
	}
	return &Consumer{
		store:   store,
		sink:    sink,
		pattern: pattern,
		workers: workers,
		queue:   make(chan *derive.Batch, workers*queueFactor),
	}
}

func physicalCPUs() int {
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Queue is the handle producers push into. The coordinator closes it once
// every producer has terminated; the consumer then drains and exits.
func (c *Consumer) Queue() chan *derive.Batch { return c.queue }

// Run consumes until the queue is closed, or until ctx is canceled and the
// already-queued batches have drained. Hashing and store errors are fatal:
// they indicate a corrupt batch or a broken store and abort the pipeline.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(c.workers)

	schedule := func(b *derive.Batch) {
		metrics.QueueDepth.Dec()
		g.Go(func() error {
			return c.processBatch(b)
		})
	}

	for {
		select {
		case b, ok := <-c.queue:
			if !ok {
				return g.Wait()
			}
			schedule(b)
		case <-gctx.Done():
			// a worker hit a fatal error
			return g.Wait()
		case <-ctx.Done():
			for {
				select {
				case b, ok := <-c.queue:
					if !ok {
						return g.Wait()
					}
					schedule(b)
				default:
					return g.Wait()
				}
			}
		}
	}
}

func (c *Consumer) processBatch(b *derive.Batch) error {
	defer metrics.BatchesConsumed.Inc()

	ripemd := ripemd160.New()
	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)

	var compressed [derive.CompressedSize]byte
	for i := 0; i < b.Len(); i++ {
		uncompressed := b.Uncompressed(i)

		h := hash160(ripemd, scratch, uncompressed)
		if err := c.check(b, i, FormUncompressed, h); err != nil {
			return err
		}

		derive.CompressInto(compressed[:], uncompressed)
		h = hash160(ripemd, scratch, compressed[:])
		if err := c.check(b, i, FormCompressed, h); err != nil {
			return err
		}
	}
	return nil
}

// hash160 is RIPEMD-160(SHA-256(data)). The hot path of the whole program:
// SIMD SHA-256 plus a reused RIPEMD-160 state and a pooled scratch buffer
// keep it allocation-free.
func hash160(ripemd hash.Hash, scratch *bytebufferpool.ByteBuffer, data []byte) [addrstore.HashSize]byte {
	sum := sha256.Sum256(data)
	ripemd.Reset()
	ripemd.Write(sum[:])
	scratch.B = ripemd.Sum(scratch.B[:0])
	var out [addrstore.HashSize]byte
	copy(out[:], scratch.B)
	return out
}

func (c *Consumer) check(b *derive.Batch, i int, form Form, h [addrstore.HashSize]byte) error {
	amount, found, err := c.store.Contains(h)
	if err != nil {
		return err
	}

	kind := "store"
	if !found {
		if c.pattern == nil {
			return nil
		}
		// vanity matches count even when the store misses
		if !c.pattern.MatchString(addrparse.AddressP2PKH(h)) {
			return nil
		}
		kind = "vanity"
	}

	metrics.Hits.WithLabelValues(kind).Inc()
	return c.sink.Write(Hit{
		Scalar:  b.ScalarAt(i),
		Form:    form,
		Hash:    h,
		Amount:  amount,
		Address: addrparse.AddressP2PKH(h),
	})
}
