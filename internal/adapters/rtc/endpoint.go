package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
)

var _ media.Endpoint = (*Endpoint)(nil)

// Endpoint is a WebRTC peer connection living in the element graph. Media
// read from the remote peer is forwarded to the endpoint's sinks; packets
// arriving from upstream are written to the local tracks sent to the peer.
type Endpoint struct {
	*node
	pc     *webrtc.PeerConnection
	tracks map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP
	ctx    context.Context
	cancel context.CancelFunc

	sigMu       sync.Mutex
	negotiated  bool
	remote      []webrtc.ICECandidateInit // waiting for the remote description
	gathering   bool
	local       []domain.Candidate // discovered before GatherCandidates
	onCandidate func(domain.Candidate)
}

func newEndpoint(p *Pipeline, id string) (*Endpoint, error) {
	pc, err := p.engine.api.NewPeerConnection(p.engine.config)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		node:   newNode(p, id, "endpoint"),
		pc:     pc,
		tracks: make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP, 2),
		ctx:    ctx,
		cancel: cancel,
	}
	e.accept = e.write

	for kind, mime := range map[webrtc.RTPCodecType]string{
		webrtc.RTPCodecTypeAudio: webrtc.MimeTypeOpus,
		webrtc.RTPCodecTypeVideo: webrtc.MimeTypeVP8,
	} {
		if err := e.addLocalTrack(kind, mime); err != nil {
			cancel()
			_ = pc.Close()
			return nil, err
		}
	}
	e.bindHandlers()
	return e, nil
}

func (e *Endpoint) addLocalTrack(kind webrtc.RTPCodecType, mime string) error {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), e.id)
	if err != nil {
		return errors.Wrapf(err, "local %s track", kind)
	}
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return errors.Wrapf(err, "add %s track", kind)
	}
	e.tracks[kind] = track
	go drainRTCP(sender)
	return nil
}

// drainRTCP keeps the sender's interceptors running until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Endpoint) bindHandlers() {
	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc.endpoint").Str("endpoint", e.id).Str("ice_state", s.String()).Msg("ICE state")
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc.endpoint").Str("endpoint", e.id).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			e.cancel()
		}
	})

	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			e.discovered(fromInit(c.ToJSON()))
		}
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc.endpoint").
			Str("endpoint", e.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		go e.readLoop(track)
	})
}

// readLoop forwards RTP read from a remote track to the endpoint's sinks.
func (e *Endpoint) readLoop(track *webrtc.TrackRemote) {
	kind := track.Kind()
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc.endpoint").Str("endpoint", e.id).Str("kind", kind.String()).Msg("remote track ended")
			return
		}
		e.out.forward(packet{kind: kind, rtp: pkt})
	}
}

// write sends a packet from upstream to the remote peer.
func (e *Endpoint) write(p packet) error {
	track, ok := e.tracks[p.kind]
	if !ok {
		return nil
	}
	return track.WriteRTP(p.rtp)
}

// ProcessOffer applies the remote SDP offer and returns the local answer.
// Candidates are trickled, so the answer does not wait for gathering.
func (e *Endpoint) ProcessOffer(offer string) (string, error) {
	if e.released.Load() {
		return "", errors.Wrapf(errReleased, "endpoint %s", e.id)
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", errors.Wrap(err, "set remote description")
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create answer")
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "set local description")
	}

	e.sigMu.Lock()
	e.negotiated = true
	queued := e.remote
	e.remote = nil
	e.sigMu.Unlock()
	for _, c := range queued {
		e.addRemote(c)
	}
	return e.pc.LocalDescription().SDP, nil
}

// AddCandidate adds a remote candidate, holding it until the offer has been
// processed.
func (e *Endpoint) AddCandidate(c domain.Candidate) error {
	if e.released.Load() {
		return errors.Wrapf(errReleased, "endpoint %s", e.id)
	}
	init := toInit(c)
	e.sigMu.Lock()
	if !e.negotiated {
		e.remote = append(e.remote, init)
		e.sigMu.Unlock()
		return nil
	}
	e.sigMu.Unlock()
	return e.pc.AddICECandidate(init)
}

func (e *Endpoint) addRemote(c webrtc.ICECandidateInit) {
	if err := e.pc.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "rtc.endpoint").Str("endpoint", e.id).Msg("queued candidate rejected")
	}
}

func (e *Endpoint) OnCandidateDiscovered(fn func(domain.Candidate)) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	e.onCandidate = fn
}

// GatherCandidates starts reporting local candidates. Gathering itself
// begins when the answer is set; anything found earlier is flushed now.
func (e *Endpoint) GatherCandidates() error {
	if e.released.Load() {
		return errors.Wrapf(errReleased, "endpoint %s", e.id)
	}
	e.sigMu.Lock()
	e.gathering = true
	found := e.local
	e.local = nil
	fn := e.onCandidate
	e.sigMu.Unlock()
	if fn != nil {
		for _, c := range found {
			fn(c)
		}
	}
	return nil
}

func (e *Endpoint) discovered(c domain.Candidate) {
	e.sigMu.Lock()
	if !e.gathering || e.onCandidate == nil {
		e.local = append(e.local, c)
		e.sigMu.Unlock()
		return
	}
	fn := e.onCandidate
	e.sigMu.Unlock()
	fn(c)
}

func (e *Endpoint) Release() error {
	if !e.detach() {
		return nil
	}
	e.cancel()
	e.pipeline.engine.sessions.Add(-1)
	if err := e.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc.endpoint").Str("endpoint", e.id).Msg("close error")
		return errors.Wrapf(err, "close endpoint %s", e.id)
	}
	log.Info().Str("module", "rtc.endpoint").Str("endpoint", e.id).Msg("closed")
	return nil
}

func toInit(c domain.Candidate) webrtc.ICECandidateInit {
	mid, idx := c.SDPMid, c.SDPMLineIndex
	return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}
}

func fromInit(init webrtc.ICECandidateInit) domain.Candidate {
	c := domain.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}
