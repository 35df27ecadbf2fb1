package media

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
)

// Publisher is a Binding whose media runs through an ordered chain of
// shaping elements before reaching a pass-through element. Subscribers
// consume the pass-through, never the endpoint itself.
//
// order[0] is the head of the chain, the element closest to the source.
// While connected, the physical topology is always
// endpoint -> order[0] -> ... -> order[n-1] -> passThru.
type Publisher struct {
	*Binding

	mu        sync.Mutex
	passThru  Element
	elements  map[string]Element
	order     []string
	connected bool
}

func NewPublisher(owner, name string, pipeline Pipeline, onCandidate CandidateFunc) *Publisher {
	return &Publisher{
		Binding:  NewBinding(owner, name, pipeline, onCandidate),
		elements: make(map[string]Element),
	}
}

// Publish materializes the endpoint, wires the chain (with loopback when
// asked) and returns the answer for offer.
func (p *Publisher) Publish(offer string, loopback bool) (string, error) {
	if _, err := p.Materialize(); err != nil {
		return "", err
	}
	var err error
	if loopback {
		err = p.ConnectLoopback()
	} else {
		err = p.connectChain()
	}
	if err != nil {
		return "", err
	}
	answer, err := p.Negotiate(offer)
	if err != nil {
		return "", err
	}
	if err := p.GatherCandidates(); err != nil {
		return "", err
	}
	return answer, nil
}

// ConnectLoopback feeds the endpoint back to itself so the publisher can see
// its own stream, and performs the initial chain connect.
func (p *Publisher) ConnectLoopback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.Endpoint()
	if ep == nil {
		return domain.NewError(domain.KindEndpointNotReady, "publisher %s has no endpoint", p.Owner())
	}
	if err := ep.Connect(ep); err != nil {
		return domain.WrapError(domain.KindEngineUnavailable, err, "loopback for %s", p.Owner())
	}
	if p.connected {
		return nil
	}
	return p.innerConnect()
}

func (p *Publisher) connectChain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	return p.innerConnect()
}

func (p *Publisher) ensurePassThru() error {
	if p.passThru != nil {
		return nil
	}
	pt, err := p.pipeline.CreatePassThrough()
	if err != nil {
		return domain.WrapError(domain.KindEngineUnavailable, err, "creating pass-through for %s", p.Owner())
	}
	p.passThru = pt
	return nil
}

// innerConnect wires endpoint -> chain -> passThru. p.mu must be held.
func (p *Publisher) innerConnect() error {
	ep := p.Endpoint()
	if ep == nil {
		return domain.NewError(domain.KindEndpointNotReady, "publisher %s has no endpoint", p.Owner())
	}
	if err := p.ensurePassThru(); err != nil {
		return err
	}
	var current Element = ep
	for _, id := range p.order {
		el, ok := p.elements[id]
		if !ok {
			log.Error().Str("module", "media.publisher").Str("owner", p.Owner()).Str("element", id).Msg("chain order references missing element")
			return domain.NewError(domain.KindInternal, "no media element with id %s", id)
		}
		if err := current.Connect(el); err != nil {
			return domain.WrapError(domain.KindEngineUnavailable, err, "connecting chain of %s", p.Owner())
		}
		current = el
	}
	if err := current.Connect(p.passThru); err != nil {
		return domain.WrapError(domain.KindEngineUnavailable, err, "connecting chain of %s", p.Owner())
	}
	p.connected = true
	log.Debug().Str("module", "media.publisher").Str("owner", p.Owner()).Int("elements", len(p.order)).Msg("chain connected")
	return nil
}

func (p *Publisher) element(id string) (Element, error) {
	el, ok := p.elements[id]
	if !ok {
		log.Error().Str("module", "media.publisher").Str("owner", p.Owner()).Str("element", id).Msg("chain order references missing element")
		return nil, domain.NewError(domain.KindInternal, "no media element with id %s", id)
	}
	return el, nil
}

// Apply inserts el at the head of the chain and returns its id. When the
// chain is connected only the two neighbours of the head are relinked;
// otherwise the edit is recorded and wired on the next connect.
func (p *Publisher) Apply(el Element) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := el.ID()
	if _, ok := p.elements[id]; ok {
		return "", domain.NewError(domain.KindDuplicateElement, "publisher %s already has a media element with id %s", p.Owner(), id)
	}

	if p.connected {
		upstream := Element(p.Endpoint())
		downstream := p.passThru
		if len(p.order) > 0 {
			head, err := p.element(p.order[0])
			if err != nil {
				return "", err
			}
			downstream = head
		}
		if err := upstream.Connect(el); err != nil {
			return "", domain.WrapError(domain.KindEngineUnavailable, err, "connecting element %s", id)
		}
		if err := el.Connect(downstream); err != nil {
			if derr := upstream.Disconnect(el); derr != nil {
				log.Warn().Err(derr).Str("module", "media.publisher").Str("element", id).Msg("rollback disconnect failed")
			}
			return "", domain.WrapError(domain.KindEngineUnavailable, err, "connecting element %s", id)
		}
	}

	p.order = slices.Insert(p.order, 0, id)
	p.elements[id] = el
	log.Info().Str("module", "media.publisher").Str("owner", p.Owner()).Str("element", id).Bool("connected", p.connected).Msg("element applied")
	return id, nil
}

// Revert removes the element with id from the chain and releases it. When
// connected its predecessor is linked straight to its successor first, so
// media for the rest of the chain keeps flowing.
func (p *Publisher) Revert(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.elements[id]
	if !ok {
		return domain.NewError(domain.KindUnknownElement, "publisher %s has no media element with id %s", p.Owner(), id)
	}
	idx := slices.Index(p.order, id)
	if idx < 0 {
		log.Error().Str("module", "media.publisher").Str("owner", p.Owner()).Str("element", id).Msg("element missing from chain order")
		return domain.NewError(domain.KindInternal, "media element %s is not in the chain", id)
	}

	if p.connected {
		pred := Element(p.Endpoint())
		if idx > 0 {
			e, err := p.element(p.order[idx-1])
			if err != nil {
				return err
			}
			pred = e
		}
		succ := p.passThru
		if idx+1 < len(p.order) {
			e, err := p.element(p.order[idx+1])
			if err != nil {
				return err
			}
			succ = e
		}
		if err := pred.Connect(succ); err != nil {
			return domain.WrapError(domain.KindEngineUnavailable, err, "relinking around element %s", id)
		}
	}

	p.order = slices.Delete(p.order, idx, idx+1)
	delete(p.elements, id)
	if err := el.Release(); err != nil {
		log.Warn().Err(err).Str("module", "media.publisher").Str("element", id).Msg("could not release element")
	}
	log.Info().Str("module", "media.publisher").Str("owner", p.Owner()).Str("element", id).Msg("element reverted")
	return nil
}

// ConnectSubscriber makes sink a consumer of this publisher's output,
// connecting the chain first if needed.
func (p *Publisher) ConnectSubscriber(sink Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		if err := p.innerConnect(); err != nil {
			return err
		}
	}
	if err := p.passThru.Connect(sink); err != nil {
		return domain.WrapError(domain.KindEngineUnavailable, err, "connecting subscriber to %s", p.Owner())
	}
	return nil
}

func (p *Publisher) DisconnectSubscriber(sink Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.passThru == nil || sink == nil {
		return nil
	}
	if err := p.passThru.Disconnect(sink); err != nil {
		return domain.WrapError(domain.KindEngineUnavailable, err, "disconnecting subscriber from %s", p.Owner())
	}
	return nil
}

// Elements returns the chain ids, head first.
func (p *Publisher) Elements() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.order)
}

func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// PassThrough returns the publish point, nil before the first connect.
func (p *Publisher) PassThrough() Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passThru
}

// Release frees every chain element, the pass-through and the endpoint.
func (p *Publisher) Release() {
	p.mu.Lock()
	for _, id := range p.order {
		if el, ok := p.elements[id]; ok {
			if err := el.Release(); err != nil {
				log.Warn().Err(err).Str("module", "media.publisher").Str("element", id).Msg("could not release element")
			}
		}
	}
	p.order = nil
	p.elements = make(map[string]Element)
	if p.passThru != nil {
		if err := p.passThru.Release(); err != nil {
			log.Warn().Err(err).Str("module", "media.publisher").Str("owner", p.Owner()).Msg("could not release pass-through")
		}
		p.passThru = nil
	}
	p.connected = false
	p.mu.Unlock()

	p.Binding.Release()
}
