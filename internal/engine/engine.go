package engine

import (
	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/store"
)

// Engine wires the index components for one store.
type Engine struct {
	Index       *index.Index
	Invalidator *Invalidator
	Generations *Generations
	Indexer     *Indexer
}

// New builds an Engine over x. The publisher receives rebuild jobs from
// the invalidator; the compiler serves the indexer.
func New(x *index.Index, p Publisher, c Compiler, opts ...Option) *Engine {
	opts = append([]Option{WithClock(x.Clock())}, opts...)
	gens := NewGenerations(x.Store(), opts...)
	return &Engine{
		Index:       x,
		Invalidator: NewInvalidator(x.Store(), p, opts...),
		Generations: gens,
		Indexer:     NewIndexer(x, gens, c, opts...),
	}
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.Index.Store()
}
