package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/keyhound/keyhound/derive"
	"github.com/keyhound/keyhound/keysource"
	"github.com/keyhound/keyhound/metrics"
	"k8s.io/klog/v2"
)

// State is the lifecycle position of a producer.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateNotRunning
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitialized:
		return "INITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StateNotRunning:
		return "NOT_RUNNING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ProducerKind tags a producer variant in configuration.
type ProducerKind string

const (
	KindCPU        ProducerKind = "cpu"
	KindFileReplay ProducerKind = "fileReplay"
	KindGPU        ProducerKind = "gpu"
)

// BISTPolicy decides what a failed GPU self-test does to the pipeline.
type BISTPolicy string

const (
	// BISTDropProducer shuts the affected producer down; others continue.
	BISTDropProducer BISTPolicy = "dropProducer"
	// BISTFailProcess aborts the whole pipeline.
	BISTFailProcess BISTPolicy = "failProcess"
)

// ProducerSpec is the configuration of one producer.
type ProducerSpec struct {
	Kind      ProducerKind
	KeySource string
	GridBits  uint
	RunOnce   bool

	// fileReplay: scalars per explicit batch
	BatchSize int

	// gpu
	Platform    int
	Device      int
	BISTFailure BISTPolicy
}

// Producer is the capability set the coordinator drives: initialize,
// produce until stopped, interrupt, report state.
type Producer interface {
	Name() string
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Interrupt()
	State() State
}

const defaultFileBatchSize = 512

// baseProducer carries what every variant shares: a key source, the bounded
// queue handle, the coordinator's stop flag, and the lifecycle state.
type baseProducer struct {
	name  string
	src   keysource.Source
	queue chan<- *derive.Batch
	stop  *atomic.Bool
	state atomic.Int32

	runOnce bool
}

func (p *baseProducer) Name() string { return p.name }

func (p *baseProducer) State() State { return State(p.state.Load()) }

func (p *baseProducer) setState(s State) { p.state.Store(int32(s)) }

func (p *baseProducer) Interrupt() {}

// push hands a batch to the consumer, blocking while the queue is full.
// Returns false when the context was canceled before the batch fit.
func (p *baseProducer) push(ctx context.Context, b *derive.Batch) bool {
	select {
	case p.queue <- b:
		metrics.QueueDepth.Inc()
		metrics.BatchesProduced.WithLabelValues(p.name).Inc()
		metrics.KeysDerived.WithLabelValues(p.name).Add(float64(b.Len()))
		return true
	case <-ctx.Done():
		return false
	}
}

// gridProducer derives dense grids from NextBase; it runs both the CPU
// variant and (with a device engine) the GPU variant.
type gridProducer struct {
	baseProducer
	engine   derive.Engine
	gridBits uint
}

func newCPUProducer(name string, spec ProducerSpec, src keysource.Source, queue chan<- *derive.Batch, stop *atomic.Bool) *gridProducer {
	return &gridProducer{
		baseProducer: baseProducer{name: name, src: src, queue: queue, stop: stop, runOnce: spec.RunOnce},
		engine:       derive.NewCPUEngine(),
		gridBits:     spec.GridBits,
	}
}

func (p *gridProducer) Initialize(ctx context.Context) error {
	if err := derive.ValidateGridBits(p.gridBits); err != nil {
		return err
	}
	p.setState(StateInitialized)
	return nil
}

func (p *gridProducer) Run(ctx context.Context) error {
	p.setState(StateRunning)
	defer p.setState(StateNotRunning)
	defer p.engine.Close()

	for !p.stop.Load() && ctx.Err() == nil {
		base, err := p.src.NextBase()
		if err != nil {
			if errors.Is(err, keysource.ErrExhausted) {
				return nil
			}
			return fmt.Errorf("producer %s: %w", p.name, err)
		}
		batch, err := p.engine.DeriveGrid(base, p.gridBits)
		if err != nil {
			// never retry a failed derivation; continue with the next base
			metrics.BatchesDropped.WithLabelValues(p.name).Inc()
			klog.Errorf("producer %s: dropping batch for base %x: %v", p.name, base, err)
			continue
		}
		if p.stop.Load() {
			// stop flag set during derivation; the finished batch is dropped
			return nil
		}
		if !p.push(ctx, batch) {
			return nil
		}
		if p.runOnce {
			return nil
		}
	}
	return nil
}

// fileProducer hashes one scalar at a time: it pulls explicit scalar
// batches from a file-replay source and derives each key independently.
type fileProducer struct {
	baseProducer
	batchSize int
}

func newFileProducer(name string, spec ProducerSpec, src keysource.Source, queue chan<- *derive.Batch, stop *atomic.Bool) *fileProducer {
	size := spec.BatchSize
	if size <= 0 {
		size = defaultFileBatchSize
	}
	return &fileProducer{
		baseProducer: baseProducer{name: name, src: src, queue: queue, stop: stop, runOnce: spec.RunOnce},
		batchSize:    size,
	}
}

func (p *fileProducer) Initialize(ctx context.Context) error {
	p.setState(StateInitialized)
	return nil
}

// Interrupt closes the underlying source so a read blocked on disk returns
// immediately.
func (p *fileProducer) Interrupt() {
	if err := p.src.Close(); err != nil {
		klog.V(2).Infof("producer %s: interrupt close: %v", p.name, err)
	}
}

func (p *fileProducer) Run(ctx context.Context) error {
	p.setState(StateRunning)
	defer p.setState(StateNotRunning)

	for !p.stop.Load() && ctx.Err() == nil {
		scalars, err := p.src.NextBatch(p.batchSize)
		if err != nil {
			if errors.Is(err, keysource.ErrExhausted) {
				// clean end of file, distinct from cancellation
				return nil
			}
			return fmt.Errorf("producer %s: %w", p.name, err)
		}
		batch, err := derive.DeriveEach(scalars)
		if err != nil {
			metrics.BatchesDropped.WithLabelValues(p.name).Inc()
			klog.Errorf("producer %s: dropping batch of %d scalars: %v", p.name, len(scalars), err)
			continue
		}
		if !p.push(ctx, batch) {
			return nil
		}
		if p.runOnce {
			return nil
		}
	}
	return nil
}

// gpuProducer is a grid producer whose engine lives on an OpenCL device.
// The engine is created during Initialize and must pass the built-in
// self-test against the CPU reference before it may produce real batches.
type gpuProducer struct {
	gridProducer
	spec ProducerSpec
}

func newGPUProducer(name string, spec ProducerSpec, src keysource.Source, queue chan<- *derive.Batch, stop *atomic.Bool) *gpuProducer {
	return &gpuProducer{
		gridProducer: gridProducer{
			baseProducer: baseProducer{name: name, src: src, queue: queue, stop: stop, runOnce: spec.RunOnce},
			gridBits:     spec.GridBits,
		},
		spec: spec,
	}
}

func (p *gpuProducer) Initialize(ctx context.Context) error {
	if err := derive.ValidateGridBits(p.gridBits); err != nil {
		return err
	}
	engine, err := derive.NewGPUEngine(derive.GPUConfig{
		PlatformIndex: p.spec.Platform,
		DeviceIndex:   p.spec.Device,
		GridBits:      p.gridBits,
	})
	if err != nil {
		return fmt.Errorf("producer %s: %w", p.name, err)
	}
	if err := derive.SelfTest(derive.NewCPUEngine(), engine); err != nil {
		if marker, ok := engine.(interface{ MarkUnusable() }); ok {
			marker.MarkUnusable()
		}
		engine.Close()
		return fmt.Errorf("producer %s: %w", p.name, err)
	}
	p.engine = engine
	p.setState(StateInitialized)
	return nil
}
