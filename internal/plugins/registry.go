package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
)

// Factory builds a plugin instance from its resolved config.
type Factory[T any] func(config map[string]any) (T, error)

// Entry is one registered plugin: its construction function plus the
// metadata the recorder stores on node registration.
type Entry[T any] struct {
	Name        string
	Version     string
	Determinism landscape.Determinism
	New         Factory[T]
}

type registry[T any] struct {
	mu      sync.RWMutex
	kind    string
	entries map[string]Entry[T]
}

func (r *registry[T]) register(e Entry[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.entries[e.Name]; dup {
		panic(fmt.Sprintf("plugins: %s %q registered twice", r.kind, e.Name))
	}

	r.entries[e.Name] = e
}

func (r *registry[T]) lookup(name string) (Entry[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry[T]{}, fmt.Errorf("unknown %s plugin %q (registered: %v)", r.kind, name, r.names())
	}

	return e, nil
}

func (r *registry[T]) names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Registry owns plugin construction for every node kind. The engine
// resolves names through it and holds only interfaces afterwards.
type Registry struct {
	sources      registry[Source]
	transforms   registry[Transform]
	batches      registry[BatchTransform]
	sinks        registry[Sink]
	gates        registry[Gate]
	aggregations registry[Aggregation]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:      registry[Source]{kind: "source", entries: map[string]Entry[Source]{}},
		transforms:   registry[Transform]{kind: "transform", entries: map[string]Entry[Transform]{}},
		batches:      registry[BatchTransform]{kind: "batch transform", entries: map[string]Entry[BatchTransform]{}},
		sinks:        registry[Sink]{kind: "sink", entries: map[string]Entry[Sink]{}},
		gates:        registry[Gate]{kind: "gate", entries: map[string]Entry[Gate]{}},
		aggregations: registry[Aggregation]{kind: "aggregation", entries: map[string]Entry[Aggregation]{}},
	}
}

// Default is the process-wide registry populated by builtin packages
// at init time.
var Default = NewRegistry()

// RegisterSource adds a source plugin. Duplicate names panic.
func (r *Registry) RegisterSource(e Entry[Source]) { r.sources.register(e) }

// RegisterTransform adds a row transform plugin.
func (r *Registry) RegisterTransform(e Entry[Transform]) { r.transforms.register(e) }

// RegisterBatchTransform adds a batch-aware transform plugin.
func (r *Registry) RegisterBatchTransform(e Entry[BatchTransform]) { r.batches.register(e) }

// RegisterSink adds a sink plugin.
func (r *Registry) RegisterSink(e Entry[Sink]) { r.sinks.register(e) }

// RegisterGate adds a gate plugin.
func (r *Registry) RegisterGate(e Entry[Gate]) { r.gates.register(e) }

// RegisterAggregation adds an aggregation plugin.
func (r *Registry) RegisterAggregation(e Entry[Aggregation]) { r.aggregations.register(e) }

// SourceEntry resolves a source plugin by name.
func (r *Registry) SourceEntry(name string) (Entry[Source], error) { return r.sources.lookup(name) }

// TransformEntry resolves a transform plugin by name.
func (r *Registry) TransformEntry(name string) (Entry[Transform], error) {
	return r.transforms.lookup(name)
}

// BatchTransformEntry resolves a batch-aware transform plugin by name.
func (r *Registry) BatchTransformEntry(name string) (Entry[BatchTransform], error) {
	return r.batches.lookup(name)
}

// SinkEntry resolves a sink plugin by name.
func (r *Registry) SinkEntry(name string) (Entry[Sink], error) { return r.sinks.lookup(name) }

// GateEntry resolves a gate plugin by name.
func (r *Registry) GateEntry(name string) (Entry[Gate], error) { return r.gates.lookup(name) }

// AggregationEntry resolves an aggregation plugin by name.
func (r *Registry) AggregationEntry(name string) (Entry[Aggregation], error) {
	return r.aggregations.lookup(name)
}
