package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
)

// Filter kinds understood by CreateFilter.
const (
	FilterIdentity  = "identity"
	FilterAudioOnly = "audio_only"
	FilterVideoOnly = "video_only"
)

var errReleased = errors.New("element released")

// graphElement is implemented by every element this package creates.
type graphElement interface {
	media.Element
	graphNode() *node
}

// node is the part every element shares: one upstream, a fanout of sinks
// and an accept function deciding what an incoming packet does.
type node struct {
	id       string
	kind     string
	pipeline *Pipeline
	// accept handles a packet arriving from upstream.
	accept func(packet) error
	out    *fanout

	mu       sync.Mutex // guards upstream
	upstream *node

	released atomic.Bool
}

func newNode(p *Pipeline, id, kind string) *node {
	n := &node{id: id, kind: kind, pipeline: p, out: newFanout(id)}
	n.accept = n.relay
	return n
}

func (n *node) ID() string { return n.id }

func (n *node) graphNode() *node { return n }

// relay passes a packet on to every sink.
func (n *node) relay(p packet) error {
	n.out.forward(p)
	return nil
}

func (n *node) push(p packet) error {
	if n.released.Load() {
		return errReleased
	}
	return n.accept(p)
}

// Connect makes sink consume n's output, replacing sink's previous upstream.
func (n *node) Connect(sink media.Element) error {
	dst, err := n.pipeline.resolve(sink)
	if err != nil {
		return err
	}
	if n.released.Load() || dst.released.Load() {
		return errors.Wrapf(errReleased, "connect %s -> %s", n.id, dst.id)
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if old := dst.upstream; old != nil && old != n {
		old.out.remove(dst.id)
	}
	dst.upstream = n
	n.out.add(dst)
	log.Debug().Str("module", "rtc.element").Str("pipeline", n.pipeline.id).Str("element", n.id).Str("sink", dst.id).Msg("connected")
	return nil
}

// Disconnect detaches sink if n is its upstream.
func (n *node) Disconnect(sink media.Element) error {
	dst, err := n.pipeline.resolve(sink)
	if err != nil {
		return err
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.upstream != n {
		return nil
	}
	dst.upstream = nil
	n.out.remove(dst.id)
	log.Debug().Str("module", "rtc.element").Str("pipeline", n.pipeline.id).Str("element", n.id).Str("sink", dst.id).Msg("disconnected")
	return nil
}

// Upstream returns the id of the element feeding n, if any.
func (n *node) Upstream() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.upstream == nil {
		return "", false
	}
	return n.upstream.id, true
}

// Sinks lists the elements n currently feeds.
func (n *node) Sinks() []string { return n.out.sinks() }

// detach unlinks n from the graph. It reports false if n was already
// released.
func (n *node) detach() bool {
	if !n.released.CompareAndSwap(false, true) {
		return false
	}
	n.mu.Lock()
	if n.upstream != nil {
		n.upstream.out.remove(n.id)
		n.upstream = nil
	}
	n.mu.Unlock()
	n.out.markAllDelete()
	n.pipeline.forget(n.id)
	return true
}

func (n *node) Release() error {
	if n.detach() {
		log.Debug().Str("module", "rtc.element").Str("pipeline", n.pipeline.id).Str("element", n.id).Str("kind", n.kind).Msg("released")
	}
	return nil
}

// filterFor returns the packet predicate for a filter kind.
func filterFor(kind string) (func(packet) bool, error) {
	switch kind {
	case FilterIdentity:
		return func(packet) bool { return true }, nil
	case FilterAudioOnly:
		return func(p packet) bool { return p.kind == webrtc.RTPCodecTypeAudio }, nil
	case FilterVideoOnly:
		return func(p packet) bool { return p.kind == webrtc.RTPCodecTypeVideo }, nil
	}
	return nil, domain.NewError(domain.KindInvalidRequest, "unknown filter kind %q", kind)
}

func newFilter(p *Pipeline, id, kind string) (*node, error) {
	pass, err := filterFor(kind)
	if err != nil {
		return nil, err
	}
	n := newNode(p, id, kind)
	n.accept = func(pkt packet) error {
		if !pass(pkt) {
			return nil
		}
		return n.relay(pkt)
	}
	return n, nil
}
