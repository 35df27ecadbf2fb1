package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
)

// Participant is one user's session inside a room: one publisher and one
// subscriber binding per remote participant being received. Its methods are
// called under the owning room's lock.
type Participant struct {
	id       domain.ParticipantID
	name     string
	room     domain.RoomName
	sink     NotificationSink
	pipeline media.Pipeline

	mu          sync.Mutex
	publisher   *media.Publisher
	publishing  bool
	subscribers map[domain.ParticipantID]*media.Subscriber
	closed      bool
}

func newParticipant(id domain.ParticipantID, name string, room domain.RoomName, pipeline media.Pipeline, sink NotificationSink) *Participant {
	p := &Participant{
		id:          id,
		name:        name,
		room:        room,
		sink:        sink,
		pipeline:    pipeline,
		subscribers: make(map[domain.ParticipantID]*media.Subscriber),
	}
	p.publisher = media.NewPublisher(name, name, pipeline, p.candidateFound)
	return p
}

func (p *Participant) ID() domain.ParticipantID { return p.id }
func (p *Participant) Name() string             { return p.name }
func (p *Participant) Sink() NotificationSink   { return p.sink }

func (p *Participant) Publisher() *media.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publisher
}

func (p *Participant) IsPublishing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishing
}

// Info is the view other participants get of p.
func (p *Participant) Info() domain.ParticipantInfo {
	info := domain.ParticipantInfo{ID: p.name, Streams: []domain.StreamInfo{}}
	if p.IsPublishing() {
		info.Streams = append(info.Streams, domain.StreamInfo{ID: domain.WebcamStream})
	}
	return info
}

func (p *Participant) candidateFound(endpointName string, c domain.Candidate) {
	p.sink.Notify(MethodIceCandidate, map[string]any{
		"endpointName":  endpointName,
		"candidate":     c.Candidate,
		"sdpMid":        c.SDPMid,
		"sdpMLineIndex": c.SDPMLineIndex,
	})
}

func (p *Participant) Publish(offer string, loopback bool) (string, error) {
	pub := p.Publisher()
	answer, err := pub.Publish(offer, loopback)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.publishing = true
	p.mu.Unlock()
	log.Info().Str("module", "core.participant").Str("room", string(p.room)).Str("participant", p.name).Msg("publishing")
	return answer, nil
}

// Unpublish releases the current publisher and arms a fresh one so the
// participant can publish again later. Returns false if it was not publishing.
func (p *Participant) Unpublish() bool {
	p.mu.Lock()
	if !p.publishing {
		p.mu.Unlock()
		return false
	}
	old := p.publisher
	p.publisher = media.NewPublisher(p.name, p.name, p.pipeline, p.candidateFound)
	p.publishing = false
	p.mu.Unlock()

	old.Release()
	log.Info().Str("module", "core.participant").Str("room", string(p.room)).Str("participant", p.name).Msg("unpublished")
	return true
}

// subscriber returns the binding receiving sender's media, creating an
// unmaterialized one if needed so early candidates have somewhere to queue.
func (p *Participant) subscriber(sender *Participant) *media.Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subscribers[sender.id]
	if !ok {
		s = media.NewSubscriber(p.name, sender.name, p.pipeline, p.candidateFound)
		p.subscribers[sender.id] = s
	}
	return s
}

// Subscribe starts receiving sender's media.
func (p *Participant) Subscribe(sender *Participant, offer string) (string, error) {
	if !sender.IsPublishing() {
		return "", domain.NewError(domain.KindPublisherNotFound, "%s is not publishing in room %s", sender.name, p.room)
	}
	s := p.subscriber(sender)
	if s.State() != media.Unmaterialized {
		return "", domain.NewError(domain.KindInvalidRequest, "%s already receives %s", p.name, sender.name)
	}
	answer, err := s.Subscribe(offer, sender.Publisher())
	if err != nil {
		p.dropSubscriber(sender.id, sender.Publisher())
		return "", err
	}
	log.Info().Str("module", "core.participant").Str("room", string(p.room)).Str("participant", p.name).Str("sender", sender.name).Msg("subscribed")
	return answer, nil
}

// Unsubscribe stops receiving sender's media. Returns false if there was no
// such subscription.
func (p *Participant) Unsubscribe(sender *Participant) bool {
	return p.dropSubscriber(sender.id, sender.Publisher())
}

func (p *Participant) dropSubscriber(senderID domain.ParticipantID, pub *media.Publisher) bool {
	p.mu.Lock()
	s, ok := p.subscribers[senderID]
	delete(p.subscribers, senderID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.Unsubscribe(pub)
	return true
}

// AddCandidate routes a remote candidate to the publisher when sender is
// nil or p itself, otherwise to the subscriber binding for sender.
func (p *Participant) AddCandidate(sender *Participant, c domain.Candidate) error {
	if sender == nil || sender == p {
		return p.Publisher().AddCandidate(c)
	}
	return p.subscriber(sender).AddCandidate(c)
}

func (p *Participant) ApplyFilter(kind string) (string, error) {
	el, err := p.pipeline.CreateFilter(kind)
	if err != nil {
		if domain.KindOf(err) != domain.KindInternal {
			return "", err
		}
		return "", domain.WrapError(domain.KindEngineUnavailable, err, "creating %s filter", kind)
	}
	id, err := p.Publisher().Apply(el)
	if err != nil {
		if rerr := el.Release(); rerr != nil {
			log.Warn().Err(rerr).Str("module", "core.participant").Str("element", el.ID()).Msg("could not release filter")
		}
		return "", err
	}
	return id, nil
}

func (p *Participant) RevertFilter(id string) error {
	return p.Publisher().Revert(id)
}

// SubscriptionCount reports how many subscriber bindings p holds.
func (p *Participant) SubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Close releases the publisher and every subscriber binding. Idempotent.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pub := p.publisher
	subs := p.subscribers
	p.subscribers = make(map[domain.ParticipantID]*media.Subscriber)
	p.publishing = false
	p.mu.Unlock()

	for _, s := range subs {
		s.Release()
	}
	pub.Release()
	log.Debug().Str("module", "core.participant").Str("room", string(p.room)).Str("participant", p.name).Int("subscribers", len(subs)).Msg("participant closed")
}
