// Package dpbackend implements the DP Backend Registry (DBR): a closed-tag
// set of Querier capabilities populated once at startup. No mature Go
// differential-privacy library exists to lean on, so each adapter's
// cost/noise math is implemented directly on math/rand rather than a
// third-party numerical library — see DESIGN.md.
package dpbackend

import (
	"context"
	"fmt"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

// Querier is the capability contract every library tag must implement:
// validate the payload shape, estimate its privacy cost without touching
// data, and execute it against a materialized connector.
type Querier interface {
	Validate(payload domain.QueryPayload) error
	EstimateCost(payload domain.QueryPayload) (epsilon, delta float64, err error)
	Execute(ctx context.Context, conn connector.Connector, payload domain.QueryPayload) ([]byte, error)
}

// Registry is the closed-tag Querier lookup. It is populated once at
// startup by cmd/server and cmd/worker and never mutated afterward, so
// reads need no synchronization.
type Registry struct {
	queriers map[domain.LibraryTag]Querier
}

func NewRegistry() *Registry {
	return &Registry{queriers: make(map[domain.LibraryTag]Querier)}
}

// Register binds a Querier to tag. Panics on a duplicate tag — a
// programming error, not a runtime condition, since the registry is only
// ever populated from a fixed startup sequence.
func (r *Registry) Register(tag domain.LibraryTag, q Querier) {
	if _, exists := r.queriers[tag]; exists {
		panic(fmt.Sprintf("dpbackend: duplicate registration for tag %q", tag))
	}
	r.queriers[tag] = q
}

func (r *Registry) Lookup(tag domain.LibraryTag) (Querier, error) {
	q, ok := r.queriers[tag]
	if !ok {
		return nil, domain.ErrUnknownLibraryTag
	}
	return q, nil
}

func (r *Registry) Tags() []domain.LibraryTag {
	tags := make([]domain.LibraryTag, 0, len(r.queriers))
	for t := range r.queriers {
		tags = append(tags, t)
	}
	return tags
}
