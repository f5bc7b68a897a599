// Package ids issues lexicographically sortable identifiers for client
// instances, local sessions and audit entries, so log lines and trail
// dumps sort by creation time.
package ids

import (
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces ULIDs from a single monotonic entropy source, so ids
// minted within the same millisecond still sort by issue order.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(g *Generator) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithEntropy overrides the randomness source.
func WithEntropy(r io.Reader) Option {
	return func(g *Generator) {
		if r != nil {
			g.entropy = ulid.Monotonic(r, 0)
		}
	}
}

// NewGenerator constructs a Generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		now:     time.Now,
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New returns the next identifier.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator()

// New returns an identifier from the shared process-wide generator.
func New() string {
	return defaultGenerator.New()
}
