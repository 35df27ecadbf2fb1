package rtc

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// packet is one RTP packet travelling through the element graph, tagged with
// the media kind of the track it was read from.
type packet struct {
	kind webrtc.RTPCodecType
	rtp  *rtp.Packet
}

type linkState int32

const (
	linkOk linkState = iota
	linkDelete
)

// link is one edge from a source element to a sink.
type link struct {
	dst   *node
	state atomic.Int32 // zero is linkOk
}

func (l *link) ok() bool { return linkState(l.state.Load()) == linkOk }

func (l *link) markDelete() { l.state.Store(int32(linkDelete)) }

// fanout is the output side of an element: every packet is pushed to each
// live sink. Writers mark links for deletion; the forwarding path sweeps
// them.
type fanout struct {
	owner string

	mu    sync.RWMutex
	links map[string]*link
}

func newFanout(owner string) *fanout {
	return &fanout{owner: owner, links: make(map[string]*link)}
}

func (f *fanout) add(dst *node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[dst.id] = &link{dst: dst}
}

func (f *fanout) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.links[id]; ok {
		l.markDelete()
		delete(f.links, id)
	}
}

func (f *fanout) has(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.links[id]
	return ok && l.ok()
}

func (f *fanout) sinks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.links))
	for id, l := range f.links {
		if l.ok() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fanout) forward(p packet) {
	f.mu.RLock()
	snapshot := maps.Clone(f.links)
	f.mu.RUnlock()

	var dirty []string
	for id, l := range snapshot {
		if !l.ok() {
			dirty = append(dirty, id)
			continue
		}
		err := l.dst.push(p)
		switch {
		case err == nil:
		case errors.Is(err, errReleased):
			l.markDelete()
			dirty = append(dirty, id)
		default:
			log.Warn().Err(err).Str("module", "rtc.fanout").Str("element", f.owner).Str("sink", id).Msg("write failed")
		}
	}

	// Swept outside the read lock.
	if len(dirty) > 0 {
		f.sweep(dirty)
	}
}

func (f *fanout) sweep(dirty []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range dirty {
		if l, ok := f.links[id]; ok && !l.ok() {
			delete(f.links, id)
		}
	}
}

func (f *fanout) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		l.markDelete()
	}
}
