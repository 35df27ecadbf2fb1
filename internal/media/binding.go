package media

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
)

// Conn is the behaviour shared by every per-connection endpoint wrapper.
// *Binding, *Publisher and *Subscriber all satisfy it.
type Conn interface {
	Name() string
	Materialize() (Endpoint, error)
	AddCandidate(c domain.Candidate) error
	Negotiate(offer string) (string, error)
	Release()
}

var (
	_ Conn = (*Binding)(nil)
	_ Conn = (*Publisher)(nil)
	_ Conn = (*Subscriber)(nil)
)

type BindingState int32

const (
	Unmaterialized BindingState = iota
	Materialized
	Closed
)

func (s BindingState) String() string {
	switch s {
	case Unmaterialized:
		return "unmaterialized"
	case Materialized:
		return "materialized"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// CandidateFunc receives candidates discovered locally by an endpoint, tagged
// with the binding name they belong to.
type CandidateFunc func(endpointName string, c domain.Candidate)

// Binding wraps one lazily created network endpoint. Candidates that arrive
// before the endpoint exists are queued and flushed, in order, by the call
// that creates it.
type Binding struct {
	owner       string
	name        string
	pipeline    Pipeline
	onCandidate CandidateFunc

	mu       sync.Mutex
	state    BindingState
	endpoint Endpoint
	pending  []domain.Candidate
}

func NewBinding(owner, name string, pipeline Pipeline, onCandidate CandidateFunc) *Binding {
	return &Binding{
		owner:       owner,
		name:        name,
		pipeline:    pipeline,
		onCandidate: onCandidate,
	}
}

func (b *Binding) Name() string  { return b.name }
func (b *Binding) Owner() string { return b.owner }

func (b *Binding) State() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Endpoint returns the materialized endpoint or nil.
func (b *Binding) Endpoint() Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint
}

// PendingCandidates reports how many candidates are queued.
func (b *Binding) PendingCandidates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Materialize creates the endpoint on first call; later calls return it.
// Concurrent callers wait for the winner.
func (b *Binding) Materialize() (Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Materialized:
		return b.endpoint, nil
	case Closed:
		return nil, domain.NewError(domain.KindEndpointNotReady, "endpoint %s of %s already released", b.name, b.owner)
	}

	ep, err := b.pipeline.CreateEndpoint()
	if err != nil {
		return nil, domain.WrapError(domain.KindEngineUnavailable, err, "creating endpoint %s of %s", b.name, b.owner)
	}
	ep.OnCandidateDiscovered(func(c domain.Candidate) {
		if b.onCandidate != nil {
			b.onCandidate(b.name, c)
		}
	})

	for _, c := range b.pending {
		b.forward(ep, c)
	}
	if n := len(b.pending); n > 0 {
		log.Debug().Str("module", "media.binding").Str("owner", b.owner).Str("endpoint", b.name).Int("candidates", n).Msg("flushed queued candidates")
	}
	b.pending = nil
	b.endpoint = ep
	b.state = Materialized
	log.Debug().Str("module", "media.binding").Str("owner", b.owner).Str("endpoint", b.name).Str("id", ep.ID()).Msg("endpoint materialized")
	return ep, nil
}

func (b *Binding) forward(ep Endpoint, c domain.Candidate) {
	if err := ep.AddCandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "media.binding").Str("owner", b.owner).Str("endpoint", b.name).Msg("engine rejected candidate")
	}
}

// AddCandidate queues c until the endpoint exists, then passes it straight
// through.
func (b *Binding) AddCandidate(c domain.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Unmaterialized:
		b.pending = append(b.pending, c)
		return nil
	case Materialized:
		b.forward(b.endpoint, c)
		return nil
	}
	return domain.NewError(domain.KindEndpointNotReady, "endpoint %s of %s already released", b.name, b.owner)
}

func (b *Binding) Negotiate(offer string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Materialized {
		return "", domain.NewError(domain.KindEndpointNotReady, "endpoint %s of %s is %s", b.name, b.owner, b.state)
	}
	answer, err := b.endpoint.ProcessOffer(offer)
	if err != nil {
		return "", domain.WrapError(domain.KindEngineUnavailable, err, "processing offer on %s of %s", b.name, b.owner)
	}
	return answer, nil
}

func (b *Binding) GatherCandidates() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Materialized {
		return domain.NewError(domain.KindEndpointNotReady, "endpoint %s of %s is %s", b.name, b.owner, b.state)
	}
	if err := b.endpoint.GatherCandidates(); err != nil {
		return domain.WrapError(domain.KindEngineUnavailable, err, "gathering candidates on %s of %s", b.name, b.owner)
	}
	return nil
}

// Release closes the binding. Safe to call more than once.
func (b *Binding) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return
	}
	b.state = Closed
	b.pending = nil
	if b.endpoint == nil {
		return
	}
	if err := b.endpoint.Release(); err != nil {
		log.Warn().Err(err).Str("module", "media.binding").Str("owner", b.owner).Str("endpoint", b.name).Msg("could not release endpoint")
		return
	}
	log.Debug().Str("module", "media.binding").Str("owner", b.owner).Str("endpoint", b.name).Msg("endpoint released")
}
