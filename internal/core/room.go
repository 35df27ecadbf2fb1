package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/media"
)

// Room holds the participants sharing one engine pipeline. Every mutating
// method runs under the room lock, so joins, leaves, subscriptions and chain
// edits in one room never interleave.
type Room struct {
	name   domain.RoomName
	handle *media.Handle

	mu           sync.Mutex
	pipeline     media.Pipeline
	participants map[domain.ParticipantID]*Participant
	closed       bool
}

func NewRoom(name domain.RoomName, handle *media.Handle) *Room {
	return &Room{
		name:         name,
		handle:       handle,
		participants: make(map[domain.ParticipantID]*Participant),
	}
}

func (r *Room) Name() domain.RoomName { return r.name }

func (r *Room) Handle() *media.Handle { return r.handle }

func (r *Room) Info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomInfo{Name: r.name, ParticipantCount: len(r.participants), Engine: r.handle.ID}
}

func (r *Room) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Pipeline returns the room pipeline, nil before the first successful join.
func (r *Room) Pipeline() media.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipeline
}

// ensurePipeline must be called with r.mu held.
func (r *Room) ensurePipeline(ctx context.Context) error {
	if r.pipeline != nil {
		return nil
	}
	pl, err := r.handle.Client.CreatePipeline(ctx)
	if err != nil {
		return domain.WrapError(domain.KindEngineUnavailable, err, "creating pipeline for room %s on %s", r.name, r.handle.ID)
	}
	r.pipeline = pl
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("engine", r.handle.ID).Str("pipeline", pl.ID()).Msg("pipeline created")
	return nil
}

// byName must be called with r.mu held.
func (r *Room) byName(name string) *Participant {
	for _, p := range r.participants {
		if p.name == name {
			return p
		}
	}
	return nil
}

// lookup must be called with r.mu held.
func (r *Room) lookup(id domain.ParticipantID) (*Participant, error) {
	if r.closed {
		return nil, domain.NewError(domain.KindRoomNotFound, "room %s is closed", r.name)
	}
	p, ok := r.participants[id]
	if !ok {
		return nil, domain.NewError(domain.KindParticipantNotFound, "participant %s is not in room %s", id, r.name)
	}
	return p, nil
}

// notifyOthers must be called with r.mu held.
func (r *Room) notifyOthers(except domain.ParticipantID, method string, params map[string]any) {
	for id, p := range r.participants {
		if id == except {
			continue
		}
		p.sink.Notify(method, params)
	}
}

// Join adds a participant and returns the participants already present.
// The snapshot and the participantJoined broadcast happen under one lock.
func (r *Room) Join(ctx context.Context, id domain.ParticipantID, userName string, sink NotificationSink) ([]domain.ParticipantInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.NewError(domain.KindRoomNotFound, "room %s is closed", r.name)
	}
	if _, ok := r.participants[id]; ok {
		return nil, domain.NewError(domain.KindDuplicateUser, "participant %s already joined room %s", id, r.name)
	}
	if r.byName(userName) != nil {
		return nil, domain.NewError(domain.KindDuplicateUser, "user %s is already in room %s", userName, r.name)
	}
	if err := r.ensurePipeline(ctx); err != nil {
		return nil, err
	}

	existing := make([]domain.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		existing = append(existing, p.Info())
	}
	r.notifyOthers(id, MethodParticipantJoined, map[string]any{"id": userName})
	r.participants[id] = newParticipant(id, userName, r.name, r.pipeline, sink)

	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("participant", string(id)).Str("user", userName).Int("count", len(r.participants)).Msg("participant joined")
	return existing, nil
}

// Leave removes a participant, releases its media and tells the others.
// When the room becomes empty it releases the pipeline and closes; empty
// reports that. ok is false if the participant was not here.
func (r *Room) Leave(id domain.ParticipantID) (empty, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, found := r.participants[id]
	if !found {
		return len(r.participants) == 0, false
	}
	delete(r.participants, id)
	for _, other := range r.participants {
		other.dropSubscriber(id, nil)
	}
	p.Close()
	r.notifyOthers(id, MethodParticipantLeft, map[string]any{"name": p.name})
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("participant", string(id)).Str("user", p.name).Int("count", len(r.participants)).Msg("participant left")

	if len(r.participants) > 0 {
		return false, true
	}
	r.closeLocked()
	return true, true
}

// CloseIfEmpty closes a room nobody managed to join. Returns true if the
// room is closed afterwards.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.participants) > 0 {
		return false
	}
	r.closeLocked()
	return true
}

// Close evicts every participant, telling each the room is gone.
func (r *Room) Close() []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.ParticipantID, 0, len(r.participants))
	for id, p := range r.participants {
		p.Close()
		p.sink.Notify(MethodRoomClosed, map[string]any{"room": string(r.name)})
		ids = append(ids, id)
	}
	r.participants = make(map[domain.ParticipantID]*Participant)
	r.closeLocked()
	return ids
}

// closeLocked releases the pipeline exactly once. r.mu must be held.
func (r *Room) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	if r.pipeline == nil {
		return
	}
	if err := r.pipeline.Release(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.name)).Msg("could not release pipeline")
	}
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Msg("room closed")
}

// Participants returns the current participants.
func (r *Room) Participants() []domain.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.Info())
	}
	return out
}

// Participant returns the participant with id, if present.
func (r *Room) Participant(id domain.ParticipantID) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	return p, ok
}

func (r *Room) Publish(id domain.ParticipantID, offer string, loopback bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	answer, err := p.Publish(offer, loopback)
	if err != nil {
		return "", err
	}
	r.notifyOthers(id, MethodParticipantPublished, map[string]any{
		"id":      p.name,
		"streams": []domain.StreamInfo{{ID: domain.WebcamStream}},
	})
	return answer, nil
}

func (r *Room) Unpublish(id domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	pub := p.Publisher()
	for oid, other := range r.participants {
		if oid != id {
			other.dropSubscriber(id, pub)
		}
	}
	if !p.Unpublish() {
		return nil
	}
	r.notifyOthers(id, MethodParticipantUnpublished, map[string]any{"name": p.name})
	return nil
}

// Subscribe connects id to senderName's published media. The sender lookup
// and the connect happen under the same lock as Leave.
func (r *Room) Subscribe(id domain.ParticipantID, senderName, offer string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	sender := r.byName(senderName)
	if sender == nil {
		return "", domain.NewError(domain.KindPublisherNotFound, "no participant %s in room %s", senderName, r.name)
	}
	if sender == p {
		return "", domain.NewError(domain.KindPublisherNotFound, "%s cannot subscribe to itself", senderName)
	}
	return p.Subscribe(sender, offer)
}

func (r *Room) Unsubscribe(id domain.ParticipantID, senderName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	sender := r.byName(senderName)
	if sender == nil {
		return domain.NewError(domain.KindPublisherNotFound, "no participant %s in room %s", senderName, r.name)
	}
	if !p.Unsubscribe(sender) {
		log.Debug().Str("module", "core.room").Str("room", string(r.name)).Str("participant", string(id)).Str("sender", senderName).Msg("no subscription to drop")
	}
	return nil
}

// AddCandidate routes a remote candidate for the endpoint named endpointName
// on participant id. The participant's own name addresses its publisher.
func (r *Room) AddCandidate(id domain.ParticipantID, endpointName string, c domain.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	if endpointName == p.name {
		return p.AddCandidate(nil, c)
	}
	sender := r.byName(endpointName)
	if sender == nil {
		return domain.NewError(domain.KindParticipantNotFound, "no endpoint %s in room %s", endpointName, r.name)
	}
	return p.AddCandidate(sender, c)
}

func (r *Room) ApplyFilter(id domain.ParticipantID, kind string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return p.ApplyFilter(kind)
}

func (r *Room) RevertFilter(id domain.ParticipantID, filterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	return p.RevertFilter(filterID)
}

// SendMessage delivers one copy of the message to every participant.
func (r *Room) SendMessage(from domain.ParticipantID, userName, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookup(from); err != nil {
		return err
	}
	params := map[string]any{"room": string(r.name), "user": userName, "message": text}
	for _, p := range r.participants {
		p.sink.Notify(MethodSendMessage, params)
	}
	return nil
}
