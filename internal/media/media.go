// Package media holds the contract the room core consumes from an external
// media-processing engine, plus the engine handle pool and the per-connection
// endpoint bindings built on top of that contract.
package media

import (
	"context"

	"github.com/dkeye/Conference/internal/domain"
)

// Client is a handle to one media engine instance.
type Client interface {
	CreatePipeline(ctx context.Context) (Pipeline, error)
	// ActiveSessionCount is a remote call and may fail.
	ActiveSessionCount(ctx context.Context) (int, error)
	Close() error
}

// Element is any media element living inside a pipeline.
//
// Connect makes sink consume this element's output. A sink has exactly one
// upstream: connecting it to a new source replaces the previous one. A source
// may feed any number of sinks.
type Element interface {
	ID() string
	Connect(sink Element) error
	Disconnect(sink Element) error
	Release() error
}

// Pipeline groups the elements of one room on one engine.
type Pipeline interface {
	ID() string
	CreateEndpoint() (Endpoint, error)
	CreatePassThrough() (Element, error)
	// CreateFilter builds a media-shaping element of the given kind.
	CreateFilter(kind string) (Element, error)
	Release() error
}

// Endpoint is a network endpoint negotiated with one remote peer.
type Endpoint interface {
	Element
	// ProcessOffer returns the answer for a remote offer.
	ProcessOffer(offer string) (string, error)
	AddCandidate(c domain.Candidate) error
	GatherCandidates() error
	OnCandidateDiscovered(fn func(domain.Candidate))
}
