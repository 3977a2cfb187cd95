package sparseattn

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Operator is a built attention mechanism: a pure graph function over
// query/key/value plus optional masks.
//
// All inputs use the [batch, heads, seq, head_dim] layout. attnMask may be
// nil, a boolean mask broadcastable to [batch, heads, q_seq, kv_seq] (true
// means attend), or an additive float mask of the same shape. keyPaddingMask
// may be nil or an additive float mask shaped [batch, kv_seq] (0 to keep,
// -inf or a large negative to drop). scale is applied to the raw scores,
// typically 1/sqrt(head_dim).
type Operator interface {
	// Forward builds the attention computation and returns the output,
	// shaped like value.
	Forward(query, key, value, attnMask, keyPaddingMask *graph.Node, scale float64) *graph.Node
}

// Builder constructs an attention Operator from a Config.
type Builder interface {
	// Name returns the mechanism name for logging/debugging.
	Name() string

	// Configure extracts mechanism-specific settings from the config.
	Configure(cfg *Config) error

	// Build finalizes the operator. Mechanisms that precompute host-side
	// state (e.g. block layouts) use the backend to evaluate it.
	Build(backend backends.Backend) (Operator, error)
}

// BuilderConstructor is a function that creates a new Builder.
type BuilderConstructor func() Builder

// registry holds all registered attention builders.
var (
	registry   = make(map[string]BuilderConstructor)
	registryMu sync.RWMutex
)

// RegisterAttention registers an attention builder under a mechanism name.
func RegisterAttention(name string, constructor BuilderConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = constructor
}

// GetAttention returns the builder constructor for a mechanism name.
func GetAttention(name string) (BuilderConstructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	constructor, ok := registry[name]
	return constructor, ok
}

// ListAttentions returns all registered mechanism names.
func ListAttentions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// NewBuilder creates a new attention builder for the given mechanism name.
func NewBuilder(name string) (Builder, error) {
	constructor, ok := GetAttention(name)
	if !ok {
		return nil, fmt.Errorf("unsupported attention mechanism %q; supported mechanisms: %v", name, ListAttentions())
	}
	return constructor(), nil
}

// BuildOperator is a convenience that looks up, configures, and builds the
// attention mechanism named by cfg.Name.
func BuildOperator(backend backends.Backend, cfg *Config) (Operator, error) {
	builder, err := NewBuilder(cfg.Name)
	if err != nil {
		return nil, err
	}
	if err := builder.Configure(cfg); err != nil {
		return nil, fmt.Errorf("failed to configure %s attention: %w", cfg.Name, err)
	}
	return builder.Build(backend)
}
