package media

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Conference/internal/domain"
)

// Handle is one registered media engine.
type Handle struct {
	ID     string
	URI    string
	Client Client
	Policy LoadPolicy
}

func NewHandle(id, uri string, client Client, policy LoadPolicy) *Handle {
	if policy == nil {
		policy = SessionCapacityPolicy{Capacity: DefaultCapacity}
	}
	return &Handle{ID: id, URI: uri, Client: client, Policy: policy}
}

func (h *Handle) Load(ctx context.Context) float64 { return h.Policy.Load(ctx, h) }

func (h *Handle) Admits(ctx context.Context) bool { return h.Policy.Admits(ctx, h) }

// Strategy selects which pool operation picks the engine for a new room.
type Strategy string

const (
	RoundRobin        Strategy = "round_robin"
	LeastLoaded       Strategy = "least_loaded"
	SecondLeastLoaded Strategy = "second_least_loaded"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", RoundRobin:
		return RoundRobin, nil
	case LeastLoaded, SecondLeastLoaded:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown selection strategy %q", s)
}

// HandleLoad is a handle paired with the load observed for it.
type HandleLoad struct {
	Handle *Handle
	Load   float64
}

// Pool holds the engine handles. Writers copy the slice and publish it
// atomically; selections work on whatever snapshot they loaded.
type Pool struct {
	mu       sync.Mutex // serializes writers
	handles  atomic.Pointer[[]*Handle]
	cursor   atomic.Uint64
	strategy Strategy
}

func NewPool(strategy Strategy) *Pool {
	p := &Pool{strategy: strategy}
	empty := make([]*Handle, 0)
	p.handles.Store(&empty)
	return p
}

func (p *Pool) snapshot() []*Handle { return *p.handles.Load() }

// Add appends h. Adding an id twice is a no-op.
func (p *Pool) Add(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.snapshot()
	for _, existing := range cur {
		if existing.ID == h.ID {
			return false
		}
	}
	next := make([]*Handle, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, h)
	p.handles.Store(&next)
	log.Info().Str("module", "media.pool").Str("engine", h.ID).Str("uri", h.URI).Int("size", len(next)).Msg("engine added")
	return true
}

func (p *Pool) Handles() []*Handle {
	return slices.Clone(p.snapshot())
}

func (p *Pool) Len() int { return len(p.snapshot()) }

func (p *Pool) Strategy() Strategy { return p.strategy }

// Select picks the engine for a new room. The configured strategy makes the
// first pick; when that engine does not admit the room the second least
// loaded engine is tried, then the least loaded one.
func (p *Pool) Select(ctx context.Context) (*Handle, error) {
	first, err := p.pick(ctx)
	if err != nil {
		return nil, err
	}
	if first.Admits(ctx) {
		return first, nil
	}
	log.Warn().Str("module", "media.pool").Str("engine", first.ID).Str("strategy", string(p.strategy)).Msg("engine full, trying fallbacks")

	loads, err := p.SortedByLoad(ctx)
	if err != nil {
		return nil, err
	}
	fallbacks := []*Handle{loads[0].Handle}
	if len(loads) > 1 {
		fallbacks = []*Handle{loads[1].Handle, loads[0].Handle}
	}
	for _, h := range fallbacks {
		if h != first && h.Admits(ctx) {
			return h, nil
		}
	}
	return nil, domain.NewError(domain.KindEngineUnavailable, "no media engine admits a new room")
}

func (p *Pool) pick(ctx context.Context) (*Handle, error) {
	switch p.strategy {
	case LeastLoaded:
		return p.SelectLeastLoaded(ctx)
	case SecondLeastLoaded:
		return p.SelectSecondLeastLoaded(ctx)
	default:
		return p.SelectRoundRobin()
	}
}

func (p *Pool) SelectRoundRobin() (*Handle, error) {
	snap := p.snapshot()
	if len(snap) == 0 {
		return nil, domain.ErrPoolEmpty
	}
	n := p.cursor.Add(1) - 1
	return snap[n%uint64(len(snap))], nil
}

func (p *Pool) SelectLeastLoaded(ctx context.Context) (*Handle, error) {
	loads, err := p.SortedByLoad(ctx)
	if err != nil {
		return nil, err
	}
	return loads[0].Handle, nil
}

// SelectSecondLeastLoaded spreads a new room away from the least loaded
// engine; with a single engine it returns that engine.
func (p *Pool) SelectSecondLeastLoaded(ctx context.Context) (*Handle, error) {
	loads, err := p.SortedByLoad(ctx)
	if err != nil {
		return nil, err
	}
	if len(loads) > 1 {
		return loads[1].Handle, nil
	}
	return loads[0].Handle, nil
}

// SortedByLoad polls every handle of one snapshot and returns them ordered by
// load, ties kept in pool order.
func (p *Pool) SortedByLoad(ctx context.Context) ([]HandleLoad, error) {
	snap := p.snapshot()
	if len(snap) == 0 {
		return nil, domain.ErrPoolEmpty
	}
	loads := make([]HandleLoad, len(snap))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range snap {
		g.Go(func() error {
			loads[i] = HandleLoad{Handle: h, Load: h.Load(gctx)}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.WrapError(domain.KindEngineUnavailable, err, "polling engine load")
	}
	for _, l := range loads {
		log.Debug().Str("module", "media.pool").Str("engine", l.Handle.ID).Float64("load", l.Load).Msg("engine load")
	}
	slices.SortStableFunc(loads, func(a, b HandleLoad) int {
		switch {
		case a.Load < b.Load:
			return -1
		case a.Load > b.Load:
			return 1
		}
		return 0
	})
	return loads, nil
}

// Close closes every engine client.
func (p *Pool) Close() {
	for _, h := range p.snapshot() {
		if err := h.Client.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media.pool").Str("engine", h.ID).Msg("close engine")
		}
	}
}
