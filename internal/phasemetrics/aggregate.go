package phasemetrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pbsd/internal/clock"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pslog"
)

// Counter is one per-phase counter. Increment must be safe for concurrent use.
type Counter interface {
	Init() error
	Run() error
	Stop() error
	Increment(label string)
}

const (
	stateCreated int32 = iota
	stateInitialized
	stateRunning
	stateStopped
)

var errCounterState = errors.New("phasemetrics: invalid counter state")

// AggregateCounter buffers increments per reporting origin and pushes the
// accumulated deltas to an OTel counter every interval and on Stop.
type AggregateCounter struct {
	phase    string
	name     string
	meter    metric.Meter
	interval time.Duration
	clock    clock.Clock
	logger   pslog.Logger

	instrument metric.Int64Counter
	pending    sync.Map // label -> *atomic.Int64
	state      atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// AggregateConfig configures an AggregateCounter.
type AggregateConfig struct {
	Meter    metric.Meter
	Interval time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// NewAggregateCounter builds a counter for (phase, name). Init creates the instrument.
func NewAggregateCounter(phase, name string, cfg AggregateConfig) *AggregateCounter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &AggregateCounter{
		phase:    phase,
		name:     name,
		meter:    cfg.Meter,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Init creates the backing instrument.
func (c *AggregateCounter) Init() error {
	if c.state.Load() != stateCreated {
		return errCounterState
	}
	if c.meter == nil {
		return core.InitializationFailed("no meter for %s/%s", c.phase, c.name)
	}
	instrument, err := c.meter.Int64Counter(
		InstrumentName(c.name),
		metric.WithDescription("Front end "+c.name+" count per transaction phase"),
	)
	if err != nil {
		c.logger.Warn("metrics.counter.init_failed", "phase", c.phase, "counter", c.name, "error", err)
		return core.InitializationFailed("create %s: %v", InstrumentName(c.name), err)
	}
	c.instrument = instrument
	if !c.state.CompareAndSwap(stateCreated, stateInitialized) {
		return errCounterState
	}
	return nil
}

// Run starts the periodic flush loop.
func (c *AggregateCounter) Run() error {
	if !c.state.CompareAndSwap(stateInitialized, stateRunning) {
		return errCounterState
	}
	go c.loop()
	return nil
}

// Stop ends the flush loop and pushes what is still buffered.
func (c *AggregateCounter) Stop() error {
	prev := c.state.Swap(stateStopped)
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if prev == stateRunning {
			<-c.done
		}
		c.flush(context.Background())
	})
	return nil
}

// Increment records one occurrence for label.
func (c *AggregateCounter) Increment(label string) {
	if v, ok := c.pending.Load(label); ok {
		v.(*atomic.Int64).Add(1)
		return
	}
	v, _ := c.pending.LoadOrStore(label, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (c *AggregateCounter) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(c.interval):
			c.flush(context.Background())
		}
	}
}

func (c *AggregateCounter) flush(ctx context.Context) {
	if c.instrument == nil {
		return
	}
	c.pending.Range(func(key, value any) bool {
		delta := value.(*atomic.Int64).Swap(0)
		if delta == 0 {
			return true
		}
		c.instrument.Add(ctx, delta, metric.WithAttributes(
			attribute.String("phase", c.phase),
			attribute.String("reporting_origin", key.(string)),
		))
		return true
	})
}
