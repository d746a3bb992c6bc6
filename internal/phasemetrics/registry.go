package phasemetrics

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pbsd/internal/clock"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pslog"
)

// DefaultInterval is the flush cadence when none is configured.
const DefaultInterval = time.Second

// Map holds counters by phase label and counter name.
type Map map[string]map[string]Counter

// InitConfig is handed to an Initializer.
type InitConfig struct {
	Meter    metric.Meter
	Interval time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Initializer builds the complete phase x counter map.
type Initializer interface {
	Initialize(cfg InitConfig) (Map, error)
}

// InitializerFunc adapts a function to Initializer.
type InitializerFunc func(cfg InitConfig) (Map, error)

// Initialize calls f.
func (f InitializerFunc) Initialize(cfg InitConfig) (Map, error) {
	return f(cfg)
}

// DefaultInitializer builds an AggregateCounter for every phase and counter name.
type DefaultInitializer struct{}

// Initialize implements Initializer.
func (DefaultInitializer) Initialize(cfg InitConfig) (Map, error) {
	if cfg.Meter == nil {
		return nil, core.InitializationFailed("metric initializer requires a meter")
	}
	out := make(Map, len(Phases))
	for _, phase := range Phases {
		counters := make(map[string]Counter, len(CounterNames))
		for _, name := range CounterNames {
			counters[name] = NewAggregateCounter(phase, name, AggregateConfig{
				Meter:    cfg.Meter,
				Interval: cfg.Interval,
				Clock:    cfg.Clock,
				Logger:   cfg.Logger,
			})
		}
		out[phase] = counters
	}
	return out, nil
}

// Registry is the immutable-shape lookup over a Map.
type Registry struct {
	counters Map
	order    []entry
}

type entry struct {
	phase   string
	name    string
	counter Counter
}

// NewRegistry snapshots m. Later changes to m are not observed.
func NewRegistry(m Map) (*Registry, error) {
	r := &Registry{counters: make(Map, len(m))}
	seen := make(map[string]bool, len(m))
	add := func(phase string) error {
		if seen[phase] {
			return nil
		}
		seen[phase] = true
		inner := m[phase]
		copied := make(map[string]Counter, len(inner))
		for _, name := range orderedNames(inner) {
			counter := inner[name]
			if counter == nil {
				return fmt.Errorf("phasemetrics: nil counter %s/%s", phase, name)
			}
			copied[name] = counter
			r.order = append(r.order, entry{phase: phase, name: name, counter: counter})
		}
		r.counters[phase] = copied
		return nil
	}
	for _, phase := range Phases {
		if _, ok := m[phase]; ok {
			if err := add(phase); err != nil {
				return nil, err
			}
		}
	}
	for phase := range m {
		if err := add(phase); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Find returns the counter for (phase, name) or a metric_not_found failure.
func (r *Registry) Find(phase, name string) (Counter, error) {
	if r == nil {
		return nil, core.MetricNotFound(phase, name)
	}
	inner, ok := r.counters[phase]
	if !ok {
		return nil, core.MetricNotFound(phase, name)
	}
	counter, ok := inner[name]
	if !ok {
		return nil, core.MetricNotFound(phase, name)
	}
	return counter, nil
}

// Init initializes every counter, stopping at the first failure.
func (r *Registry) Init() error {
	return r.each("init", Counter.Init)
}

// Run starts every counter, stopping at the first failure.
func (r *Registry) Run() error {
	return r.each("run", Counter.Run)
}

// Stop stops every counter, stopping at the first failure.
func (r *Registry) Stop() error {
	return r.each("stop", Counter.Stop)
}

func (r *Registry) each(op string, fn func(Counter) error) error {
	if r == nil {
		return nil
	}
	for _, e := range r.order {
		if err := fn(e.counter); err != nil {
			return fmt.Errorf("phasemetrics: %s %s/%s: %w", op, e.phase, e.name, err)
		}
	}
	return nil
}

func orderedNames(inner map[string]Counter) []string {
	names := make([]string, 0, len(inner))
	for _, name := range CounterNames {
		if _, ok := inner[name]; ok {
			names = append(names, name)
		}
	}
	for name := range inner {
		known := false
		for _, n := range CounterNames {
			if n == name {
				known = true
				break
			}
		}
		if !known {
			names = append(names, name)
		}
	}
	return names
}
