package media

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LoadPolicy rates an engine handle. Load is in [0,1].
type LoadPolicy interface {
	Load(ctx context.Context, h *Handle) float64
	Admits(ctx context.Context, h *Handle) bool
}

// DefaultCapacity mirrors the per-engine endpoint ceiling of the legacy server.
const DefaultCapacity = 10000

// SessionCapacityPolicy rates a handle by its active sessions against a fixed
// capacity. A failed count is treated as an idle engine.
type SessionCapacityPolicy struct {
	Capacity int
}

func (p SessionCapacityPolicy) capacity() int {
	if p.Capacity <= 0 {
		return DefaultCapacity
	}
	return p.Capacity
}

func (p SessionCapacityPolicy) activeSessions(ctx context.Context, h *Handle) (int, bool) {
	n, err := h.Client.ActiveSessionCount(ctx)
	if err != nil {
		log.Warn().Err(err).
			Str("module", "media.policy").
			Str("engine", h.ID).
			Str("uri", h.URI).
			Msg("active session count failed, reporting zero load")
		return 0, false
	}
	return n, true
}

func (p SessionCapacityPolicy) Load(ctx context.Context, h *Handle) float64 {
	n, _ := p.activeSessions(ctx, h)
	c := p.capacity()
	if n >= c {
		return 1
	}
	return float64(n) / float64(c)
}

func (p SessionCapacityPolicy) Admits(ctx context.Context, h *Handle) bool {
	n, _ := p.activeSessions(ctx, h)
	return n < p.capacity()
}
