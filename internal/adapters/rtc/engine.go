// Package rtc is an in-process media engine on top of pion/webrtc. Each
// pipeline is a small graph of elements: WebRTC endpoints, pass-throughs and
// packet filters, wired by forwarding RTP from a source to its sinks.
package rtc

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/media"
)

var _ media.Client = (*Engine)(nil)

// Options tune the peer connections an engine creates.
type Options struct {
	ICEServers []string
	// PortMin and PortMax bound the UDP ports used for ICE when both are set.
	PortMin uint16
	PortMax uint16
}

func DefaultOptions() Options {
	return Options{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// Engine hosts pipelines in this process. Its session count is the number
// of live endpoints.
type Engine struct {
	id     string
	api    *webrtc.API
	config webrtc.Configuration

	sessions atomic.Int64

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	closed    bool
}

func NewEngine(id string, opts Options) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}
	se := webrtc.SettingEngine{}
	if opts.PortMin > 0 && opts.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, errors.Wrap(err, "udp port range")
		}
	}

	var cfg webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: slices.Clone(opts.ICEServers)}}
	}
	return &Engine{
		id:        id,
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		config:    cfg,
		pipelines: make(map[string]*Pipeline),
	}, nil
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) CreatePipeline(_ context.Context) (media.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Errorf("engine %s is closed", e.id)
	}
	p := &Pipeline{
		id:       uuid.NewString(),
		engine:   e,
		elements: make(map[string]graphElement),
	}
	e.pipelines[p.id] = p
	log.Info().Str("module", "rtc.engine").Str("engine", e.id).Str("pipeline", p.id).Msg("pipeline created")
	return p, nil
}

func (e *Engine) ActiveSessionCount(_ context.Context) (int, error) {
	return int(e.sessions.Load()), nil
}

// Close releases every pipeline. Further pipelines are refused.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	pipelines := slices.Collect(maps.Values(e.pipelines))
	e.mu.Unlock()

	var firstErr error
	for _, p := range pipelines {
		if err := p.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Info().Str("module", "rtc.engine").Str("engine", e.id).Int("pipelines", len(pipelines)).Msg("engine closed")
	return firstErr
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pipelines, id)
}

var _ media.Pipeline = (*Pipeline)(nil)

// Pipeline owns the elements of one room.
type Pipeline struct {
	id     string
	engine *Engine

	mu       sync.Mutex
	elements map[string]graphElement
	released bool
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) register(el graphElement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return errors.Errorf("pipeline %s is released", p.id)
	}
	p.elements[el.ID()] = el
	return nil
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, id)
}

// resolve maps an element handed back by a caller to its graph node. Only
// live elements of this pipeline qualify.
func (p *Pipeline) resolve(el media.Element) (*node, error) {
	g, ok := el.(graphElement)
	if !ok {
		return nil, errors.Errorf("element %s does not belong to an rtc pipeline", el.ID())
	}
	n := g.graphNode()
	if n.pipeline != p {
		return nil, errors.Errorf("element %s belongs to pipeline %s, not %s", n.id, n.pipeline.id, p.id)
	}
	return n, nil
}

func (p *Pipeline) CreateEndpoint() (media.Endpoint, error) {
	ep, err := newEndpoint(p, uuid.NewString())
	if err != nil {
		return nil, err
	}
	if err := p.register(ep); err != nil {
		_ = ep.pc.Close()
		ep.cancel()
		return nil, err
	}
	p.engine.sessions.Add(1)
	log.Debug().Str("module", "rtc.engine").Str("pipeline", p.id).Str("endpoint", ep.id).Msg("endpoint created")
	return ep, nil
}

func (p *Pipeline) CreatePassThrough() (media.Element, error) {
	n := newNode(p, uuid.NewString(), "passthrough")
	if err := p.register(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *Pipeline) CreateFilter(kind string) (media.Element, error) {
	n, err := newFilter(p, uuid.NewString(), kind)
	if err != nil {
		return nil, err
	}
	if err := p.register(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Len reports how many live elements the pipeline holds.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.elements)
}

// Release releases every element. Releasing twice is a no-op.
func (p *Pipeline) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	elements := slices.Collect(maps.Values(p.elements))
	p.mu.Unlock()

	var firstErr error
	for _, el := range elements {
		if err := el.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.engine.forget(p.id)
	log.Info().Str("module", "rtc.engine").Str("engine", p.engine.id).Str("pipeline", p.id).Int("elements", len(elements)).Msg("pipeline released")
	return firstErr
}
