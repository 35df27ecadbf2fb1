// Package mediatest provides an in-memory media engine for tests. It records
// the element graph (each sink has at most one upstream, replaced on every
// connect), creation counts and the candidates delivered to each endpoint.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
)

type Engine struct {
	id string

	mu         sync.Mutex
	seq        int
	upstream   map[string]string
	released   map[string]bool
	candidates map[string][]domain.Candidate
	endpoints  map[string]*Endpoint
	kinds      map[string]string

	pipelines         int
	endpointCreations int

	sessions    int
	sessionsErr error
	pipelineErr error
	endpointErr error
	connectErr  error
	createDelay time.Duration
	discover    []domain.Candidate
	gate        chan struct{}
	entered     chan struct{}
	closed      bool
}

var _ media.Client = (*Engine)(nil)

func NewEngine(id string) *Engine {
	return &Engine{
		id:         id,
		upstream:   make(map[string]string),
		released:   make(map[string]bool),
		candidates: make(map[string][]domain.Candidate),
		endpoints:  make(map[string]*Endpoint),
		kinds:      make(map[string]string),
	}
}

// Handle wraps the engine into a pool handle with the default policy.
func (e *Engine) Handle() *media.Handle {
	return media.NewHandle(e.id, "mem://"+e.id, e, nil)
}

func (e *Engine) SetSessions(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = n
}

func (e *Engine) FailSessionCount(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionsErr = err
}

func (e *Engine) FailCreatePipeline(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelineErr = err
}

func (e *Engine) FailCreateEndpoint(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endpointErr = err
}

func (e *Engine) FailConnect(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErr = err
}

// SlowCreate delays every endpoint creation by d.
func (e *Engine) SlowCreate(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createDelay = d
}

// DiscoverOnGather makes every endpoint report cs as local candidates when
// gathering starts.
func (e *Engine) DiscoverOnGather(cs ...domain.Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discover = cs
}

// HoldPipelines makes CreatePipeline block until release is called. entered
// receives once per blocked call.
func (e *Engine) HoldPipelines() (entered <-chan struct{}, release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
	e.entered = make(chan struct{}, 16)
	gate := e.gate
	var once sync.Once
	return e.entered, func() { once.Do(func() { close(gate) }) }
}

func (e *Engine) CreatePipeline(ctx context.Context) (media.Pipeline, error) {
	e.mu.Lock()
	gate, entered := e.gate, e.entered
	e.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipelineErr != nil {
		return nil, e.pipelineErr
	}
	e.pipelines++
	return &Pipeline{engine: e, id: e.nextID("pipeline")}, nil
}

func (e *Engine) ActiveSessionCount(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionsErr != nil {
		return 0, e.sessionsErr
	}
	return e.sessions, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// nextID must be called with e.mu held.
func (e *Engine) nextID(kind string) string {
	e.seq++
	return fmt.Sprintf("%s-%s-%d", e.id, kind, e.seq)
}

func (e *Engine) Pipelines() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipelines
}

func (e *Engine) EndpointCreations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpointCreations
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Upstream returns the id of the element feeding id, or "".
func (e *Engine) Upstream(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.upstream[id]
}

// Downstream returns the ids of every element fed by id.
func (e *Engine) Downstream(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for sink, src := range e.upstream {
		if src == id && sink != id {
			out = append(out, sink)
		}
	}
	return out
}

func (e *Engine) Released(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released[id]
}

// Kind reports the filter kind an element was created with.
func (e *Engine) Kind(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kinds[id]
}

// Candidates returns what was delivered to the endpoint, in delivery order.
func (e *Engine) Candidates(endpointID string) []domain.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Candidate(nil), e.candidates[endpointID]...)
}

// PathTo walks upstream links from sink until it reaches from and returns
// the ids strictly between them, source side first. ok is false if the walk
// never reaches from.
func (e *Engine) PathTo(from, sink string) ([]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rev []string
	cur := e.upstream[sink]
	for steps := 0; cur != "" && steps <= len(e.upstream); steps++ {
		if cur == from {
			out := make([]string, len(rev))
			for i, id := range rev {
				out[len(rev)-1-i] = id
			}
			return out, true
		}
		rev = append(rev, cur)
		cur = e.upstream[cur]
	}
	return nil, false
}

type Pipeline struct {
	engine *Engine
	id     string
}

var _ media.Pipeline = (*Pipeline)(nil)

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) CreateEndpoint() (media.Endpoint, error) {
	e := p.engine
	e.mu.Lock()
	delay := e.createDelay
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.endpointErr != nil {
		return nil, e.endpointErr
	}
	e.endpointCreations++
	ep := &Endpoint{element: element{engine: e, id: e.nextID("endpoint")}}
	e.endpoints[ep.id] = ep
	e.sessions++
	return ep, nil
}

func (p *Pipeline) CreatePassThrough() (media.Element, error) {
	e := p.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	el := &element{engine: e, id: e.nextID("passthrough")}
	e.kinds[el.id] = "passthrough"
	return el, nil
}

func (p *Pipeline) CreateFilter(kind string) (media.Element, error) {
	e := p.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	el := &element{engine: e, id: e.nextID("filter")}
	e.kinds[el.id] = kind
	return el, nil
}

func (p *Pipeline) Release() error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.engine.released[p.id] = true
	return nil
}

// NewFilter builds an element with a caller-chosen id on the engine.
func (e *Engine) NewFilter(id string) media.Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds[id] = "filter"
	return &element{engine: e, id: id}
}

type element struct {
	engine *Engine
	id     string
}

func (el *element) ID() string { return el.id }

func (el *element) Connect(sink media.Element) error {
	e := el.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectErr != nil {
		return e.connectErr
	}
	if e.released[el.id] || e.released[sink.ID()] {
		return fmt.Errorf("connect %s -> %s: element released", el.id, sink.ID())
	}
	e.upstream[sink.ID()] = el.id
	return nil
}

func (el *element) Disconnect(sink media.Element) error {
	e := el.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.upstream[sink.ID()] == el.id {
		delete(e.upstream, sink.ID())
	}
	return nil
}

func (el *element) Release() error {
	e := el.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released[el.id] {
		return nil
	}
	e.released[el.id] = true
	delete(e.upstream, el.id)
	for sink, src := range e.upstream {
		if src == el.id {
			delete(e.upstream, sink)
		}
	}
	if _, ok := e.endpoints[el.id]; ok && e.sessions > 0 {
		e.sessions--
	}
	return nil
}

type Endpoint struct {
	element
	onCandidate func(domain.Candidate)
	gathered    bool
}

var _ media.Endpoint = (*Endpoint)(nil)

func (ep *Endpoint) ProcessOffer(offer string) (string, error) {
	return "answer:" + offer, nil
}

func (ep *Endpoint) AddCandidate(c domain.Candidate) error {
	e := ep.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates[ep.id] = append(e.candidates[ep.id], c)
	return nil
}

func (ep *Endpoint) GatherCandidates() error {
	e := ep.engine
	e.mu.Lock()
	ep.gathered = true
	cb := ep.onCandidate
	found := append([]domain.Candidate(nil), e.discover...)
	e.mu.Unlock()
	if cb == nil {
		return nil
	}
	for _, c := range found {
		cb(c)
	}
	return nil
}

func (ep *Endpoint) OnCandidateDiscovered(fn func(domain.Candidate)) {
	ep.engine.mu.Lock()
	defer ep.engine.mu.Unlock()
	ep.onCandidate = fn
}
