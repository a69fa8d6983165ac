// Package pipeline wires key sources, producers, and the hash-and-match
// consumer around a single bounded batch queue, and supervises their
// lifecycles. Ownership is one-way: the coordinator owns everything;
// producers and the consumer hold only the queue handle and the read-only
// store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyhound/keyhound/addrstore"
	"github.com/keyhound/keyhound/derive"
	"github.com/keyhound/keyhound/keysource"
	"k8s.io/klog/v2"
)

var (
	ErrMissingKeySourceID   = errors.New("key source with empty id")
	ErrDuplicateKeySourceID = errors.New("duplicate key source id")
	ErrUnknownKeySource     = errors.New("producer references unknown key source id")
	ErrNoProducers          = errors.New("no producers configured")
)

const defaultShutdownTimeout = 30 * time.Second

// Options configures one pipeline run.
type Options struct {
	StorePath       string
	StoreMinMapSize int64

	KeySources []keysource.Spec
	Producers  []ProducerSpec

	SinkPath        string
	VanityPattern   string
	ConsumerThreads int // 0 = number of physical CPU cores

	ShutdownTimeout time.Duration
}

// Coordinator brings the pipeline up in the mandatory order (key sources,
// consumer, producers), runs it, and tears it down on interrupt.
type Coordinator struct {
	opts Options

	stop      atomic.Bool
	interrupt context.CancelFunc
	producers []Producer
	mu        sync.Mutex
}

func New(opts Options) *Coordinator {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Coordinator{opts: opts}
}

// validate rejects every configuration error before any component starts;
// no partial pipeline is ever brought up.
func (c *Coordinator) validate() (*regexp.Regexp, error) {
	var pattern *regexp.Regexp
	if c.opts.VanityPattern != "" {
		var err error
		pattern, err = regexp.Compile(c.opts.VanityPattern)
		if err != nil {
			return nil, fmt.Errorf("vanity pattern: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.opts.KeySources))
	for _, spec := range c.opts.KeySources {
		if spec.ID == "" {
			return nil, ErrMissingKeySourceID
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeySourceID, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}

	if len(c.opts.Producers) == 0 {
		return nil, ErrNoProducers
	}
	for i, spec := range c.opts.Producers {
		if _, ok := seen[spec.KeySource]; !ok {
			return nil, fmt.Errorf("%w: producer %d references %q", ErrUnknownKeySource, i, spec.KeySource)
		}
		if err := derive.ValidateGridBits(spec.GridBits); err != nil {
			return nil, fmt.Errorf("producer %d: %w", i, err)
		}
		switch spec.Kind {
		case KindCPU, KindFileReplay, KindGPU:
		default:
			return nil, fmt.Errorf("producer %d: unknown kind %q", i, spec.Kind)
		}
	}
	return pattern, nil
}

// Interrupt triggers the graceful shutdown path. Safe to call any number
// of times; repeated calls have no additional effect.
func (c *Coordinator) Interrupt() {
	c.stop.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interrupt != nil {
		c.interrupt()
	}
}

// States reports the lifecycle state of every constructed producer.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.producers))
	for _, p := range c.producers {
		out[p.Name()] = p.State()
	}
	return out
}

// Run executes the pipeline until every producer terminates or the context
// is canceled. Configuration and store-open failures return before any
// component starts.
func (c *Coordinator) Run(ctx context.Context) error {
	pattern, err := c.validate()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.interrupt = cancel
	c.mu.Unlock()

	// the store opens at coordinator start and stays mapped for the
	// process lifetime
	store, err := addrstore.Open(c.opts.StorePath, c.opts.StoreMinMapSize)
	if err != nil {
		return err
	}
	defer store.Close()
	if size, err := store.Size(); err == nil {
		klog.Infof("address store %s: %d hashes", c.opts.StorePath, size)
	}

	// startup order: key sources first
	sources := make(map[string]keysource.Source, len(c.opts.KeySources))
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()
	for _, spec := range c.opts.KeySources {
		src, err := keysource.New(spec)
		if err != nil {
			return err
		}
		sources[spec.ID] = src
	}

	// then the consumer
	sink, err := OpenHitSink(c.opts.SinkPath)
	if err != nil {
		return err
	}
	defer sink.Close()
	consumer := NewConsumer(store, sink, pattern, c.opts.ConsumerThreads)

	// then the producers: configure, initialize, start
	producers := make([]Producer, 0, len(c.opts.Producers))
	for i, spec := range c.opts.Producers {
		name := fmt.Sprintf("%s-%d", spec.Kind, i)
		src := sources[spec.KeySource]
		var p Producer
		switch spec.Kind {
		case KindCPU:
			p = newCPUProducer(name, spec, src, consumer.Queue(), &c.stop)
		case KindFileReplay:
			p = newFileProducer(name, spec, src, consumer.Queue(), &c.stop)
		case KindGPU:
			p = newGPUProducer(name, spec, src, consumer.Queue(), &c.stop)
		}

		if err := p.Initialize(ctx); err != nil {
			if spec.Kind == KindGPU && spec.BISTFailure != BISTFailProcess {
				// derivation errors drop the affected producer; the
				// rest of the pipeline continues
				klog.Errorf("dropping producer %s: %v", name, err)
				continue
			}
			return err
		}
		producers = append(producers, p)
	}
	if len(producers) == 0 {
		return fmt.Errorf("all configured producers failed to initialize")
	}
	c.mu.Lock()
	c.producers = producers
	c.mu.Unlock()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx)
	}()

	var wg sync.WaitGroup
	for _, p := range producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				// a failing producer is logged; the process continues
				// as long as at least one producer is running
				klog.Errorf("producer %s failed: %v", p.Name(), err)
			}
		}(p)
	}
	producersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(producersDone)
	}()

	var runErr error
	select {
	case <-producersDone:
		// natural end: run-once producers finished or files were replayed
		close(consumer.Queue())
	case <-ctx.Done():
		if c.shutdownProducers(producersDone) {
			// every producer terminated; let the drained queue signal
			// the consumer to finish
			close(consumer.Queue())
		}
		// on a forced shutdown the queue stays open: the canceled
		// context makes both the consumer and any straggling push
		// return without it
	case runErr = <-consumerDone:
		// consumer errors are fatal (corrupt batch or broken store)
		cancel()
		c.shutdownProducers(producersDone)
		return runErr
	}

	if err := <-consumerDone; err != nil {
		runErr = err
	}
	return runErr
}

// shutdownProducers sets the stop flag, interrupts blocking I/O, and waits
// up to the configured deadline for the pool to terminate. Exceeding the
// deadline forces termination but is not an error; it reports whether the
// pool terminated in time.
func (c *Coordinator) shutdownProducers(producersDone <-chan struct{}) bool {
	c.stop.Store(true)
	c.mu.Lock()
	producers := c.producers
	c.mu.Unlock()
	for _, p := range producers {
		p.Interrupt()
	}
	select {
	case <-producersDone:
		return true
	case <-time.After(c.opts.ShutdownTimeout):
		klog.Warningf("producer pool did not terminate within %s; forcing shutdown", c.opts.ShutdownTimeout)
		return false
	}
}
